package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the escrow table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrow_accounts (
			id             BIGSERIAL PRIMARY KEY,
			order_id       BIGINT NOT NULL UNIQUE,
			buyer_id       BIGINT NOT NULL,
			seller_id      BIGINT NOT NULL,
			amount         BIGINT NOT NULL,
			status         VARCHAR(20) NOT NULL DEFAULT 'active',
			release_at     TIMESTAMPTZ NOT NULL,
			dispute_reason TEXT,
			resolution     TEXT,
			disputed_at    TIMESTAMPTZ,
			resolved_at    TIMESTAMPTZ,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_escrow_buyer ON escrow_accounts(buyer_id);
		CREATE INDEX IF NOT EXISTS idx_escrow_seller ON escrow_accounts(seller_id);
		CREATE INDEX IF NOT EXISTS idx_escrow_release ON escrow_accounts(status, release_at);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO escrow_accounts (order_id, buyer_id, seller_id, amount,
			status, release_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`,
		e.OrderID, e.BuyerID, e.SellerID, e.Amount,
		string(e.Status), e.ReleaseAt, e.CreatedAt, e.UpdatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, selectEscrow+` WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow: %w", err)
	}
	return e, nil
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID int64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, selectEscrow+` WHERE order_id = $1`, orderID)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow by order: %w", err)
	}
	return e, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, selectEscrow+`
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY id DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

func (p *PostgresStore) ListReadyForRelease(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, selectEscrow+`
		WHERE status = 'active' AND release_at < $1
		ORDER BY release_at ASC LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list ready for release: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

// Transition writes the escrow conditionally on its stored status. A zero
// row count means another writer got there first.
func (p *PostgresStore) Transition(ctx context.Context, e *Escrow, from Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_accounts
		SET status = $2, dispute_reason = $3, resolution = $4,
			disputed_at = $5, resolved_at = $6, updated_at = $7
		WHERE id = $1 AND status = $8
	`,
		e.ID, string(e.Status), nullString(e.DisputeReason), nullString(e.Resolution),
		nullTime(e.DisputedAt), nullTime(e.ResolvedAt), e.UpdatedAt, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition escrow: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, e.ID); getErr != nil {
			return getErr
		}
		return ErrStatusConflict
	}
	return nil
}

const selectEscrow = `
	SELECT id, order_id, buyer_id, seller_id, amount, status, release_at,
		dispute_reason, resolution, disputed_at, resolved_at, created_at, updated_at
	FROM escrow_accounts`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(row scannable) (*Escrow, error) {
	var e Escrow
	var status string
	var disputeReason, resolution sql.NullString
	var disputedAt, resolvedAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.OrderID, &e.BuyerID, &e.SellerID, &e.Amount, &status, &e.ReleaseAt,
		&disputeReason, &resolution, &disputedAt, &resolvedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.DisputeReason = disputeReason.String
	e.Resolution = resolution.String
	if disputedAt.Valid {
		t := disputedAt.Time
		e.DisputedAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	return &e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
