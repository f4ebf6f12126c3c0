package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

type mockLedger struct {
	wallets []WalletBalance
	sums    map[int64]int64
	listErr error
}

func (m *mockLedger) WalletBalances(ctx context.Context) ([]WalletBalance, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.wallets, nil
}

func (m *mockLedger) SumTransactions(ctx context.Context, userID int64) (int64, error) {
	return m.sums[userID], nil
}

func TestRun_CleanLedger(t *testing.T) {
	svc := NewService(&mockLedger{
		wallets: []WalletBalance{{UserID: 1, Balance: 4000}, {UserID: 2, Balance: 950}},
		sums:    map[int64]int64{1: 4000, 2: 950},
	}, slog.Default())

	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Clean {
		t.Errorf("expected clean report, got mismatches %v", report.Mismatches)
	}
	if report.Wallets != 2 {
		t.Errorf("wallets %d, want 2", report.Wallets)
	}
}

func TestRun_DetectsMismatch(t *testing.T) {
	svc := NewService(&mockLedger{
		wallets: []WalletBalance{{UserID: 1, Balance: 4000}, {UserID: 2, Balance: 1000}},
		sums:    map[int64]int64{1: 4000, 2: 950},
	}, slog.Default())

	report, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Clean {
		t.Fatal("expected mismatch to be reported")
	}
	if len(report.Mismatches) != 1 {
		t.Fatalf("mismatches %d, want 1", len(report.Mismatches))
	}

	m := report.Mismatches[0]
	if m.UserID != 2 || m.Delta != 50 {
		t.Errorf("mismatch %+v, want user 2 delta 50", m)
	}
}

func TestRun_PropagatesListError(t *testing.T) {
	svc := NewService(&mockLedger{listErr: errors.New("db down")}, slog.Default())

	if _, err := svc.Run(context.Background()); err == nil {
		t.Fatal("expected error when wallet listing fails")
	}
}
