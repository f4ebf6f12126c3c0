//go:build integration

package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/bookmart/bookmart/internal/testutil"
)

func TestPostgresStore_ApplyDebitAndCredit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	topup := &Transaction{UserID: 1, Type: TxTopup, Amount: 5000, Status: TxStatusPending}
	if err := store.CreateTransaction(ctx, topup); err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}
	after, err := store.ApplyCredit(ctx, 1, 5000, topup.ID)
	if err != nil {
		t.Fatalf("ApplyCredit failed: %v", err)
	}
	if after != 5000 {
		t.Errorf("balance after credit %d, want 5000", after)
	}

	purchase := &Transaction{UserID: 1, Type: TxPurchase, Amount: 2000, Status: TxStatusPending}
	if err := store.CreateTransaction(ctx, purchase); err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}
	after, err = store.ApplyDebit(ctx, 1, 2000, purchase.ID)
	if err != nil {
		t.Fatalf("ApplyDebit failed: %v", err)
	}
	if after != 3000 {
		t.Errorf("balance after debit %d, want 3000", after)
	}

	// A second apply of the same transaction is rejected and the balance holds.
	if _, err := store.ApplyDebit(ctx, 1, 2000, purchase.ID); !errors.Is(err, ErrTransactionApplied) {
		t.Errorf("expected ErrTransactionApplied, got %v", err)
	}
	balance, err := store.GetBalance(ctx, 1)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance != 3000 {
		t.Errorf("balance %d after rejected double apply, want 3000", balance)
	}
}

func TestPostgresStore_OverdraftRejected(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	topup := &Transaction{UserID: 2, Type: TxTopup, Amount: 100, Status: TxStatusPending}
	if err := store.CreateTransaction(ctx, topup); err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}
	if _, err := store.ApplyCredit(ctx, 2, 100, topup.ID); err != nil {
		t.Fatalf("ApplyCredit failed: %v", err)
	}

	withdrawal := &Transaction{UserID: 2, Type: TxWithdrawal, Amount: 200, Status: TxStatusPending}
	if err := store.CreateTransaction(ctx, withdrawal); err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}
	if _, err := store.ApplyDebit(ctx, 2, 200, withdrawal.ID); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}

	// The transaction stays pending and is excluded from the sum.
	sum, err := store.SumTransactions(ctx, 2)
	if err != nil {
		t.Fatalf("SumTransactions failed: %v", err)
	}
	if sum != 100 {
		t.Errorf("sum %d, want 100", sum)
	}
}

func TestPostgresStore_SumMatchesBalance(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	apply := func(txType TxType, amount int64, debit bool) {
		t.Helper()
		tx := &Transaction{UserID: 3, Type: txType, Amount: amount, Status: TxStatusPending}
		if err := store.CreateTransaction(ctx, tx); err != nil {
			t.Fatalf("CreateTransaction failed: %v", err)
		}
		var err error
		if debit {
			_, err = store.ApplyDebit(ctx, 3, amount, tx.ID)
		} else {
			_, err = store.ApplyCredit(ctx, 3, amount, tx.ID)
		}
		if err != nil {
			t.Fatalf("apply %s failed: %v", txType, err)
		}
	}

	apply(TxTopup, 10000, false)
	apply(TxPurchase, 3000, true)
	apply(TxRefund, 3000, false)
	apply(TxWithdrawal, 2500, true)

	balance, err := store.GetBalance(ctx, 3)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	sum, err := store.SumTransactions(ctx, 3)
	if err != nil {
		t.Fatalf("SumTransactions failed: %v", err)
	}
	if balance != sum || balance != 7500 {
		t.Errorf("balance %d, sum %d, want both 7500", balance, sum)
	}
}
