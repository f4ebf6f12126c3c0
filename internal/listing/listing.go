// Package listing manages book listings offered for sale.
package listing

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a listing doesn't exist.
	ErrNotFound = errors.New("listing not found")
	// ErrNotActive is returned when a listing is no longer purchasable.
	ErrNotActive = errors.New("listing is not active")
	// ErrOutOfStock is returned when the requested quantity exceeds availability.
	ErrOutOfStock = errors.New("insufficient quantity available")
	// ErrInvalidListing is returned when listing fields fail validation.
	ErrInvalidListing = errors.New("invalid listing")
)

// Status is the lifecycle state of a listing.
type Status string

const (
	StatusActive Status = "active"
	StatusSold   Status = "sold"
)

// Listing is a book offered for sale by a seller.
type Listing struct {
	ID                int64     `json:"id"`
	SellerID          int64     `json:"sellerId"`
	Title             string    `json:"title"`
	Author            string    `json:"author,omitempty"`
	Price             int64     `json:"price"` // minor units
	QuantityAvailable int       `json:"quantityAvailable"`
	Status            Status    `json:"status"`
	CreatedAt         time.Time `json:"createdAt"`
	SoldAt            time.Time `json:"soldAt,omitempty"`
}

// Store persists listings.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id int64) (*Listing, error)
	List(ctx context.Context, sellerID int64, limit int) ([]*Listing, error)

	// Reserve atomically decrements quantity for an active listing, flipping
	// the status to sold when it reaches zero. Fails with ErrNotActive or
	// ErrOutOfStock without changing anything.
	Reserve(ctx context.Context, id int64, quantity int) error

	// Unreserve returns previously reserved quantity, reactivating a sold
	// listing if needed. Used to compensate failed payments.
	Unreserve(ctx context.Context, id int64, quantity int) error
}

// Catalog provides listing operations to handlers and the order flow.
type Catalog struct {
	store Store
}

// NewCatalog creates a listing catalog backed by the given store.
func NewCatalog(store Store) *Catalog {
	return &Catalog{store: store}
}

// CreateListing validates and stores a new listing.
func (c *Catalog) CreateListing(ctx context.Context, l *Listing) error {
	if l.SellerID <= 0 || l.Title == "" || l.Price <= 0 || l.QuantityAvailable <= 0 {
		return ErrInvalidListing
	}
	l.Status = StatusActive
	l.CreatedAt = time.Now()
	return c.store.Create(ctx, l)
}

// GetListing returns a listing by ID.
func (c *Catalog) GetListing(ctx context.Context, id int64) (*Listing, error) {
	return c.store.Get(ctx, id)
}

// ListBySeller returns a seller's listings, newest first.
func (c *Catalog) ListBySeller(ctx context.Context, sellerID int64, limit int) ([]*Listing, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return c.store.List(ctx, sellerID, limit)
}

// Reserve claims quantity from a listing for a pending purchase.
func (c *Catalog) Reserve(ctx context.Context, id int64, quantity int) error {
	if quantity <= 0 {
		return ErrInvalidListing
	}
	return c.store.Reserve(ctx, id, quantity)
}

// Unreserve returns claimed quantity after a failed or refunded purchase.
func (c *Catalog) Unreserve(ctx context.Context, id int64, quantity int) error {
	if quantity <= 0 {
		return ErrInvalidListing
	}
	return c.store.Unreserve(ctx, id, quantity)
}
