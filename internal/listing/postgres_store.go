package listing

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

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the listings table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS listings (
			id                 BIGSERIAL PRIMARY KEY,
			seller_id          BIGINT NOT NULL,
			title              TEXT NOT NULL,
			author             TEXT,
			price              BIGINT NOT NULL,
			quantity_available INT NOT NULL,
			status             VARCHAR(20) NOT NULL DEFAULT 'active',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			sold_at            TIMESTAMPTZ,
			CONSTRAINT chk_quantity_nonneg CHECK (quantity_available >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_listings_seller ON listings(seller_id);
		CREATE INDEX IF NOT EXISTS idx_listings_status ON listings(status);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO listings (seller_id, title, author, price, quantity_available, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, l.SellerID, l.Title, l.Author, l.Price, l.QuantityAvailable, string(l.Status), l.CreatedAt).Scan(&l.ID)
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, seller_id, title, author, price, quantity_available, status, created_at, sold_at
		FROM listings WHERE id = $1
	`, id)

	l, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get listing: %w", err)
	}
	return l, nil
}

func (p *PostgresStore) List(ctx context.Context, sellerID int64, limit int) ([]*Listing, error) {
	query := `
		SELECT id, seller_id, title, author, price, quantity_available, status, created_at, sold_at
		FROM listings`
	args := []interface{}{}
	if sellerID != 0 {
		query += ` WHERE seller_id = $1 ORDER BY id DESC LIMIT $2`
		args = append(args, sellerID, limit)
	} else {
		query += ` ORDER BY id DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

// Reserve decrements availability with a conditional UPDATE so concurrent
// buyers can never oversell a listing.
func (p *PostgresStore) Reserve(ctx context.Context, id int64, quantity int) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings
		SET quantity_available = quantity_available - $2,
			status  = CASE WHEN quantity_available - $2 = 0 THEN 'sold' ELSE status END,
			sold_at = CASE WHEN quantity_available - $2 = 0 THEN NOW() ELSE sold_at END
		WHERE id = $1 AND status = 'active' AND quantity_available >= $2
	`, id, quantity)
	if err != nil {
		return fmt.Errorf("reserve listing: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return p.classifyReserveFailure(ctx, id)
	}
	return nil
}

// classifyReserveFailure distinguishes the reasons a conditional reserve
// matched no rows.
func (p *PostgresStore) classifyReserveFailure(ctx context.Context, id int64) error {
	l, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	if l.Status != StatusActive {
		return ErrNotActive
	}
	return ErrOutOfStock
}

func (p *PostgresStore) Unreserve(ctx context.Context, id int64, quantity int) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings
		SET quantity_available = quantity_available + $2,
			status  = CASE WHEN status = 'sold' THEN 'active' ELSE status END,
			sold_at = NULL
		WHERE id = $1
	`, id, quantity)
	if err != nil {
		return fmt.Errorf("unreserve listing: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanListing(row scannable) (*Listing, error) {
	var l Listing
	var status string
	var author sql.NullString
	var soldAt sql.NullTime

	err := row.Scan(
		&l.ID, &l.SellerID, &l.Title, &author, &l.Price,
		&l.QuantityAvailable, &status, &l.CreatedAt, &soldAt,
	)
	if err != nil {
		return nil, err
	}

	l.Author = author.String
	l.Status = Status(status)
	l.SoldAt = soldAt.Time
	return &l, nil
}
