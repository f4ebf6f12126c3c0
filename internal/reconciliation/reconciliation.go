// Package reconciliation verifies that every wallet balance equals the sum
// of its completed transactions. A mismatch means money was created or
// destroyed somewhere and needs manual investigation.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bookmart/bookmart/internal/metrics"
)

// WalletBalance is a wallet's current stored balance.
type WalletBalance struct {
	UserID  int64
	Balance int64
}

// LedgerReader provides read access to wallets and their transaction sums.
type LedgerReader interface {
	WalletBalances(ctx context.Context) ([]WalletBalance, error)
	SumTransactions(ctx context.Context, userID int64) (int64, error)
}

// Mismatch is a wallet whose balance disagrees with its transaction log.
type Mismatch struct {
	UserID    int64 `json:"userId"`
	Balance   int64 `json:"balance"`
	LedgerSum int64 `json:"ledgerSum"`
	Delta     int64 `json:"delta"`
}

// Report summarizes one reconciliation pass.
type Report struct {
	CheckedAt  time.Time  `json:"checkedAt"`
	Wallets    int        `json:"wallets"`
	Mismatches []Mismatch `json:"mismatches"`
	Clean      bool       `json:"clean"`
}

// Service runs reconciliation passes.
type Service struct {
	ledger LedgerReader
	logger *slog.Logger
}

// NewService creates a reconciliation service.
func NewService(ledger LedgerReader, logger *slog.Logger) *Service {
	return &Service{ledger: ledger, logger: logger}
}

// Run checks every wallet against its transaction log and reports every
// wallet where the two disagree.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	wallets, err := s.ledger.WalletBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}

	report := &Report{
		CheckedAt: time.Now(),
		Wallets:   len(wallets),
	}

	for _, w := range wallets {
		sum, err := s.ledger.SumTransactions(ctx, w.UserID)
		if err != nil {
			return nil, fmt.Errorf("sum transactions for user %d: %w", w.UserID, err)
		}
		if sum == w.Balance {
			continue
		}
		report.Mismatches = append(report.Mismatches, Mismatch{
			UserID:    w.UserID,
			Balance:   w.Balance,
			LedgerSum: sum,
			Delta:     w.Balance - sum,
		})
		metrics.ReconciliationMismatches.Inc()
		s.logger.Error("wallet balance out of sync with transaction log",
			"userId", w.UserID, "balance", w.Balance, "ledgerSum", sum)
	}

	report.Clean = len(report.Mismatches) == 0
	return report, nil
}
