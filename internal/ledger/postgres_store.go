package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. Amounts are stored
// as BIGINT minor units.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables if they don't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallets (
			user_id     BIGINT PRIMARY KEY,
			balance     BIGINT NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_balance_nonneg CHECK (balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS transactions (
			id            BIGSERIAL PRIMARY KEY,
			user_id       BIGINT NOT NULL,
			type          VARCHAR(20) NOT NULL,
			amount        BIGINT NOT NULL,
			status        VARCHAR(20) NOT NULL DEFAULT 'pending',
			description   TEXT,
			listing_id    BIGINT,
			order_id      BIGINT,
			escrow_id     BIGINT,
			balance_after BIGINT NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id);
		CREATE INDEX IF NOT EXISTS idx_transactions_escrow ON transactions(escrow_id);
		CREATE INDEX IF NOT EXISTS idx_transactions_created ON transactions(created_at DESC);
	`)
	return err
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := p.db.QueryRowContext(ctx, `
		SELECT balance FROM wallets WHERE user_id = $1
	`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (p *PostgresStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO transactions (user_id, type, amount, status, description,
			listing_id, order_id, escrow_id, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`,
		tx.UserID, string(tx.Type), tx.Amount, string(tx.Status), tx.Description,
		nullInt64(tx.ListingID), nullInt64(tx.OrderID), nullInt64(tx.EscrowID),
		tx.BalanceAfter, tx.CreatedAt,
	).Scan(&tx.ID)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, amount, status, description,
			listing_id, order_id, escrow_id, balance_after, created_at
		FROM transactions WHERE id = $1
	`, id)

	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return tx, nil
}

// ApplyDebit decrements the balance and completes the pending transaction in
// a single serializable SQL transaction. The balance >= amount guard in the
// UPDATE, together with the CHECK constraint, prevents overdraft.
func (p *PostgresStore) ApplyDebit(ctx context.Context, userID, amount, txID int64) (int64, error) {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	var balanceAfter int64
	err = sqlTx.QueryRowContext(ctx, `
		UPDATE wallets
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2
		RETURNING balance
	`, userID, amount).Scan(&balanceAfter)
	if err == sql.ErrNoRows {
		return 0, ErrInsufficientBalance
	}
	if err != nil {
		return 0, fmt.Errorf("debit wallet: %w", err)
	}

	if err := completeTransaction(ctx, sqlTx, txID, balanceAfter); err != nil {
		return 0, err
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("commit debit: %w", err)
	}
	return balanceAfter, nil
}

// ApplyCredit increments the balance (creating the wallet row on first
// credit) and completes the pending transaction atomically.
func (p *PostgresStore) ApplyCredit(ctx context.Context, userID, amount, txID int64) (int64, error) {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	var balanceAfter int64
	err = sqlTx.QueryRowContext(ctx, `
		INSERT INTO wallets (user_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			balance    = wallets.balance + $2,
			updated_at = NOW()
		RETURNING balance
	`, userID, amount).Scan(&balanceAfter)
	if err != nil {
		return 0, fmt.Errorf("credit wallet: %w", err)
	}

	if err := completeTransaction(ctx, sqlTx, txID, balanceAfter); err != nil {
		return 0, err
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("commit credit: %w", err)
	}
	return balanceAfter, nil
}

// completeTransaction flips a pending transaction to completed. A row that
// is no longer pending aborts the whole operation so a transaction record
// can never be applied twice.
func completeTransaction(ctx context.Context, sqlTx *sql.Tx, txID, balanceAfter int64) error {
	result, err := sqlTx.ExecContext(ctx, `
		UPDATE transactions
		SET status = 'completed', balance_after = $2
		WHERE id = $1 AND status = 'pending'
	`, txID, balanceAfter)
	if err != nil {
		return fmt.Errorf("complete transaction: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrTransactionApplied
	}
	return nil
}

func (p *PostgresStore) History(ctx context.Context, userID int64, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, status, description,
			listing_id, order_id, escrow_id, balance_after, created_at
		FROM transactions WHERE user_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) SumTransactions(ctx context.Context, userID int64) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE
			WHEN type IN ('topup', 'refund', 'escrow_release', 'fee') THEN amount
			WHEN type IN ('purchase', 'withdrawal') THEN -amount
			ELSE 0
		END), 0)
		FROM transactions
		WHERE user_id = $1 AND status = 'completed'
	`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum transactions: %w", err)
	}
	return sum, nil
}

func (p *PostgresStore) ListWallets(ctx context.Context) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, balance, updated_at FROM wallets ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Wallet
	for rows.Next() {
		var w Wallet
		if err := rows.Scan(&w.UserID, &w.Balance, &w.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, &w)
	}
	return result, rows.Err()
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row scannable) (*Transaction, error) {
	var tx Transaction
	var txType, status string
	var description sql.NullString
	var listingID, orderID, escrowID sql.NullInt64

	err := row.Scan(
		&tx.ID, &tx.UserID, &txType, &tx.Amount, &status, &description,
		&listingID, &orderID, &escrowID, &tx.BalanceAfter, &tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Type = TxType(txType)
	tx.Status = TxStatus(status)
	tx.Description = description.String
	tx.ListingID = listingID.Int64
	tx.OrderID = orderID.Int64
	tx.EscrowID = escrowID.Int64
	return &tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

// nullInt64 returns a sql.NullInt64: valid if v is non-zero, null otherwise.
func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}
