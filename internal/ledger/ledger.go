// Package ledger tracks user wallet balances on the platform.
//
// Every balance change is the pair: create a transaction record, then apply
// it as a debit or credit. The transaction log is the source of truth; the
// cached balance on the wallet row is derived state and can be re-checked by
// summing the log (see internal/reconciliation). Stores apply the
// transaction-status flip and the balance move atomically, so the log and
// the balance cannot drift on a partial failure.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransactionApplied  = errors.New("transaction already applied")
)

// TxType classifies a ledger transaction.
type TxType string

const (
	TxPurchase      TxType = "purchase"
	TxEscrowHold    TxType = "escrow_hold"
	TxEscrowRelease TxType = "escrow_release"
	TxRefund        TxType = "refund"
	TxFee           TxType = "fee"
	TxTopup         TxType = "topup"
	TxWithdrawal    TxType = "withdrawal"
)

// TxStatus is the lifecycle state of a transaction record.
type TxStatus string

const (
	// TxStatusPending: row written, balance not yet moved.
	TxStatusPending TxStatus = "pending"
	// TxStatusCompleted: balance moved in the same storage transaction.
	TxStatusCompleted TxStatus = "completed"
	// TxStatusRecorded: audit-only bookkeeping, never moves a balance.
	TxStatusRecorded TxStatus = "recorded"
)

// Transaction is an immutable ledger entry. Once completed it is never
// mutated; reversals are new transactions referencing the original.
type Transaction struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"userId"`
	Type         TxType    `json:"type"`
	Amount       int64     `json:"amount"`
	Status       TxStatus  `json:"status"`
	Description  string    `json:"description,omitempty"`
	ListingID    int64     `json:"listingId,omitempty"`
	OrderID      int64     `json:"orderId,omitempty"`
	EscrowID     int64     `json:"escrowId,omitempty"`
	BalanceAfter int64     `json:"balanceAfter"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Wallet is a user's cached balance.
type Wallet struct {
	UserID    int64     `json:"userId"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists wallets and the transaction log.
type Store interface {
	GetBalance(ctx context.Context, userID int64) (int64, error)
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id int64) (*Transaction, error)
	// ApplyDebit moves the balance down and flips the pending transaction to
	// completed in one atomic step. Fails with ErrInsufficientBalance without
	// touching either row if the wallet cannot cover the amount.
	ApplyDebit(ctx context.Context, userID, amount, txID int64) (balanceAfter int64, err error)
	// ApplyCredit moves the balance up and completes the transaction,
	// creating the wallet row on first credit.
	ApplyCredit(ctx context.Context, userID, amount, txID int64) (balanceAfter int64, err error)
	History(ctx context.Context, userID int64, limit int) ([]*Transaction, error)
	// SumTransactions returns the signed sum of a user's completed
	// transactions: what the balance should be if the log is trusted.
	SumTransactions(ctx context.Context, userID int64) (int64, error)
	ListWallets(ctx context.Context) ([]*Wallet, error)
}

// CreateTransactionParams describes a new transaction record.
type CreateTransactionParams struct {
	UserID      int64
	Type        TxType
	Amount      int64
	Status      TxStatus // defaults to pending
	Description string
	ListingID   int64
	OrderID     int64
	EscrowID    int64
}

// DebitParams references a pending transaction to apply as a debit.
type DebitParams struct {
	UserID        int64
	Amount        int64
	TransactionID int64
	Description   string
}

// CreditParams references a pending transaction to apply as a credit.
type CreditParams struct {
	UserID        int64
	Amount        int64
	TransactionID int64
	Description   string
}

// Ledger manages user balances.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns a user's current balance. Users without a wallet row
// have a zero balance.
func (l *Ledger) GetBalance(ctx context.Context, userID int64) (int64, error) {
	return l.store.GetBalance(ctx, userID)
}

// CreateTransaction writes a new transaction record and returns it.
// The balance is unaffected until the record is applied via DebitWallet or
// CreditWallet; audit-only records use TxStatusRecorded and are never applied.
func (l *Ledger) CreateTransaction(ctx context.Context, p CreateTransactionParams) (*Transaction, error) {
	if p.Amount < 0 {
		return nil, ErrInvalidAmount
	}
	status := p.Status
	if status == "" {
		status = TxStatusPending
	}

	tx := &Transaction{
		UserID:      p.UserID,
		Type:        p.Type,
		Amount:      p.Amount,
		Status:      status,
		Description: p.Description,
		ListingID:   p.ListingID,
		OrderID:     p.OrderID,
		EscrowID:    p.EscrowID,
		CreatedAt:   time.Now(),
	}
	if err := l.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	return tx, nil
}

// DebitWallet applies a pending transaction as a balance decrease.
func (l *Ledger) DebitWallet(ctx context.Context, p DebitParams) error {
	if p.Amount <= 0 {
		return ErrInvalidAmount
	}
	_, err := l.store.ApplyDebit(ctx, p.UserID, p.Amount, p.TransactionID)
	return err
}

// CreditWallet applies a pending transaction as a balance increase.
func (l *Ledger) CreditWallet(ctx context.Context, p CreditParams) error {
	if p.Amount <= 0 {
		return ErrInvalidAmount
	}
	_, err := l.store.ApplyCredit(ctx, p.UserID, p.Amount, p.TransactionID)
	return err
}

// TopUp credits fresh funds into a user's wallet.
func (l *Ledger) TopUp(ctx context.Context, userID, amount int64) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := l.CreateTransaction(ctx, CreateTransactionParams{
		UserID:      userID,
		Type:        TxTopup,
		Amount:      amount,
		Description: "wallet top-up",
	})
	if err != nil {
		return nil, err
	}

	after, err := l.store.ApplyCredit(ctx, userID, amount, tx.ID)
	if err != nil {
		return nil, err
	}
	tx.Status = TxStatusCompleted
	tx.BalanceAfter = after
	return tx, nil
}

// Withdraw debits funds out of a user's wallet.
func (l *Ledger) Withdraw(ctx context.Context, userID, amount int64) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	balance, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < amount {
		return nil, ErrInsufficientBalance
	}

	tx, err := l.CreateTransaction(ctx, CreateTransactionParams{
		UserID:      userID,
		Type:        TxWithdrawal,
		Amount:      amount,
		Description: "wallet withdrawal",
	})
	if err != nil {
		return nil, err
	}

	after, err := l.store.ApplyDebit(ctx, userID, amount, tx.ID)
	if err != nil {
		return nil, err
	}
	tx.Status = TxStatusCompleted
	tx.BalanceAfter = after
	return tx, nil
}

// History returns a user's transaction log, newest first.
func (l *Ledger) History(ctx context.Context, userID int64, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, userID, limit)
}

// SumTransactions derives a user's balance from the transaction log alone.
func (l *Ledger) SumTransactions(ctx context.Context, userID int64) (int64, error) {
	return l.store.SumTransactions(ctx, userID)
}

// ListWallets returns all wallet rows, for reconciliation.
func (l *Ledger) ListWallets(ctx context.Context) ([]*Wallet, error) {
	return l.store.ListWallets(ctx)
}

// SignedAmount returns the balance delta a completed transaction represents:
// positive for credits, negative for debits, zero for audit-only records.
func SignedAmount(tx *Transaction) int64 {
	if tx.Status != TxStatusCompleted {
		return 0
	}
	switch tx.Type {
	case TxTopup, TxRefund, TxEscrowRelease, TxFee:
		return tx.Amount
	case TxPurchase, TxWithdrawal:
		return -tx.Amount
	default:
		return 0
	}
}
