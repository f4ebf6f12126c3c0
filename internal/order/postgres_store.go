package order

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

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the orders table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			id            BIGSERIAL PRIMARY KEY,
			order_number  VARCHAR(32) NOT NULL UNIQUE,
			buyer_id      BIGINT NOT NULL,
			seller_id     BIGINT NOT NULL,
			listing_id    BIGINT NOT NULL,
			quantity      INT NOT NULL,
			amount        BIGINT NOT NULL,
			fee_amount    BIGINT NOT NULL DEFAULT 0,
			seller_amount BIGINT NOT NULL,
			escrow_id     BIGINT,
			status        VARCHAR(20) NOT NULL DEFAULT 'pending',
			delivery_method  VARCHAR(50) NOT NULL DEFAULT '',
			delivery_address TEXT NOT NULL DEFAULT '',
			buyer_notes      TEXT NOT NULL DEFAULT '',
			paid_at       TIMESTAMPTZ,
			confirmed_at  TIMESTAMPTZ,
			delivered_at  TIMESTAMPTZ,
			completed_at  TIMESTAMPTZ,
			cancelled_at  TIMESTAMPTZ,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_orders_buyer ON orders(buyer_id);
		CREATE INDEX IF NOT EXISTS idx_orders_seller ON orders(seller_id);
		CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = now
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO orders (order_number, buyer_id, seller_id, listing_id, quantity,
			amount, fee_amount, seller_amount, status,
			delivery_method, delivery_address, buyer_notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`,
		o.OrderNumber, o.BuyerID, o.SellerID, o.ListingID, o.Quantity,
		o.Amount, o.FeeAmount, o.SellerAmount, string(o.Status),
		o.DeliveryMethod, o.DeliveryAddress, o.BuyerNotes, o.CreatedAt, o.UpdatedAt,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Order, error) {
	row := p.db.QueryRowContext(ctx, selectOrder+` WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, selectOrder+`
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY id DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// Transition writes the order conditionally on its stored status.
func (p *PostgresStore) Transition(ctx context.Context, o *Order, from Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, escrow_id = $3, paid_at = $4, confirmed_at = $5,
			delivered_at = $6, completed_at = $7, cancelled_at = $8, updated_at = $9
		WHERE id = $1 AND status = $10
	`,
		o.ID, string(o.Status), nullInt64(o.EscrowID), nullTime(o.PaidAt),
		nullTime(o.ConfirmedAt), nullTime(o.DeliveredAt),
		nullTime(o.CompletedAt), nullTime(o.CancelledAt),
		o.UpdatedAt, string(from),
	)
	if err != nil {
		return fmt.Errorf("transition order: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, o.ID); getErr != nil {
			return getErr
		}
		return ErrStatusConflict
	}
	return nil
}

const selectOrder = `
	SELECT id, order_number, buyer_id, seller_id, listing_id, quantity,
		amount, fee_amount, seller_amount, escrow_id, status,
		delivery_method, delivery_address, buyer_notes,
		paid_at, confirmed_at, delivered_at, completed_at, cancelled_at,
		created_at, updated_at
	FROM orders`

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row scannable) (*Order, error) {
	var o Order
	var status string
	var escrowID sql.NullInt64
	var paidAt, confirmedAt, deliveredAt, completedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.BuyerID, &o.SellerID, &o.ListingID, &o.Quantity,
		&o.Amount, &o.FeeAmount, &o.SellerAmount, &escrowID, &status,
		&o.DeliveryMethod, &o.DeliveryAddress, &o.BuyerNotes,
		&paidAt, &confirmedAt, &deliveredAt, &completedAt, &cancelledAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.EscrowID = escrowID.Int64
	o.PaidAt = timePtr(paidAt)
	o.ConfirmedAt = timePtr(confirmedAt)
	o.DeliveredAt = timePtr(deliveredAt)
	o.CompletedAt = timePtr(completedAt)
	o.CancelledAt = timePtr(cancelledAt)
	return &o, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
