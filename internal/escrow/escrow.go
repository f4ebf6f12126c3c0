// Package escrow provides buyer-protection for marketplace purchases.
//
// Flow:
//  1. Buyer pays for an order → seller proceeds held in escrow
//  2. Hold period elapses → sweep releases funds to seller
//  3. Buyer confirms delivery → early release to seller
//  4. Buyer disputes → hold frozen until resolved
//  5. Resolution → funds released to seller or refunded to buyer
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bookmart/bookmart/internal/traces"
)

var (
	ErrNotFound        = errors.New("escrow not found")
	ErrInvalidStatus   = errors.New("invalid escrow status for this operation")
	ErrUnauthorized    = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrAlreadyResolved = errors.New("escrow already resolved")
	ErrStatusConflict  = errors.New("escrow status changed concurrently")
	ErrDisputed        = errors.New("escrow is disputed and cannot be released")
)

// Status represents the state of an escrow account.
type Status string

const (
	StatusActive   Status = "active"   // Funds held, awaiting the release date
	StatusDisputed Status = "disputed" // Buyer raised a dispute, release frozen
	StatusReleased Status = "released" // Funds paid out to the seller
	StatusRefunded Status = "refunded" // Funds returned to the buyer
)

// DefaultHold is the default duration funds stay in escrow before the
// sweep releases them to the seller.
const DefaultHold = 7 * 24 * time.Hour

// ledgerTimeout bounds each wallet ledger call so a stuck ledger cannot
// hold an escrow claim open indefinitely.
const ledgerTimeout = 10 * time.Second

// SystemCaller identifies internal callers (the sweep, admin resolution)
// that bypass per-user authorization checks.
const SystemCaller int64 = 0

// Escrow is a held balance backing a single order.
type Escrow struct {
	ID            int64      `json:"id"`
	OrderID       int64      `json:"orderId"`
	BuyerID       int64      `json:"buyerId"`
	SellerID      int64      `json:"sellerId"`
	Amount        int64      `json:"amount"` // seller proceeds, minor units
	Status        Status     `json:"status"`
	ReleaseAt     time.Time  `json:"releaseAt"`
	DisputeReason string     `json:"disputeReason,omitempty"`
	Resolution    string     `json:"resolution,omitempty"`
	DisputedAt    *time.Time `json:"disputedAt,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded:
		return true
	}
	return false
}

// Store persists escrow accounts.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id int64) (*Escrow, error)
	GetByOrder(ctx context.Context, orderID int64) (*Escrow, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*Escrow, error)

	// ListReadyForRelease returns active escrows whose release date has
	// passed, oldest first.
	ListReadyForRelease(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)

	// Transition persists the escrow only if its stored status still equals
	// from, returning ErrStatusConflict otherwise. This is what keeps a
	// buyer's dispute and the sweep's release from both winning.
	Transition(ctx context.Context, escrow *Escrow, from Status) error
}

// WalletLedger abstracts the ledger operations escrow needs so the two
// packages don't import each other.
type WalletLedger interface {
	RecordHold(ctx context.Context, userID, amount, orderID, escrowID int64) error
	CreditRelease(ctx context.Context, userID, amount, orderID, escrowID int64) error
	CreditRefund(ctx context.Context, userID, amount, orderID, escrowID int64) error
}

// OrderMarker updates order state when its escrow resolves.
type OrderMarker interface {
	MarkCompleted(ctx context.Context, orderID int64) error
	MarkRefunded(ctx context.Context, orderID int64) error
}

// CreateParams contains the parameters for opening an escrow.
type CreateParams struct {
	OrderID  int64
	BuyerID  int64
	SellerID int64
	Amount   int64
	Hold     time.Duration // defaults to DefaultHold
}

// Service implements escrow business logic.
type Service struct {
	store  Store
	ledger WalletLedger
	orders OrderMarker
	logger *slog.Logger
}

// NewService creates a new escrow service.
func NewService(store Store, ledger WalletLedger, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		logger: logger,
	}
}

// WithOrderMarker adds order state propagation on resolution.
func (s *Service) WithOrderMarker(m OrderMarker) *Service {
	s.orders = m
	return s
}

// Create opens a new escrow holding seller proceeds. The caller has already
// debited the buyer; escrow only tracks the held amount and its release date.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Escrow, error) {
	if p.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if p.BuyerID == p.SellerID {
		return nil, errors.New("buyer and seller cannot be the same user")
	}

	hold := p.Hold
	if hold <= 0 {
		hold = DefaultHold
	}

	now := time.Now()
	escrow := &Escrow{
		OrderID:   p.OrderID,
		BuyerID:   p.BuyerID,
		SellerID:  p.SellerID,
		Amount:    p.Amount,
		Status:    StatusActive,
		ReleaseAt: now.Add(hold),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, escrow); err != nil {
		return nil, fmt.Errorf("create escrow record: %w", err)
	}

	// The hold record is audit trail only. A failure here leaves the
	// transaction log one row short but the balances correct, so the
	// purchase is not failed over it.
	lctx, cancel := context.WithTimeout(ctx, ledgerTimeout)
	defer cancel()
	if err := s.ledger.RecordHold(lctx, p.BuyerID, p.Amount, p.OrderID, escrow.ID); err != nil {
		s.logger.Warn("failed to record escrow hold transaction",
			"escrowId", escrow.ID, "orderId", p.OrderID, "error", err)
	}

	return escrow, nil
}

// Release pays the held amount out to the seller. Callable by the buyer
// (early release on delivery confirmation) or the system sweep once the
// release date has passed. Disputed escrows cannot be released this way.
func (s *Service) Release(ctx context.Context, id, callerID int64) (*Escrow, error) {
	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if callerID != SystemCaller && callerID != escrow.BuyerID {
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status == StatusDisputed {
		return nil, ErrDisputed
	}
	if escrow.Status != StatusActive {
		return nil, ErrInvalidStatus
	}

	return s.finishRelease(ctx, escrow, StatusActive, resolutionFor(callerID))
}

// Dispute freezes an active escrow so the sweep cannot release it. Only the
// buyer may dispute, and no funds move until the dispute is resolved.
func (s *Service) Dispute(ctx context.Context, id, callerID int64, reason string) (*Escrow, error) {
	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if callerID != escrow.BuyerID {
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status != StatusActive {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	escrow.Status = StatusDisputed
	escrow.DisputeReason = reason
	escrow.DisputedAt = &now
	escrow.UpdatedAt = now

	if err := s.store.Transition(ctx, escrow, StatusActive); err != nil {
		return nil, err
	}
	return escrow, nil
}

// Refund returns the held amount to the buyer. The seller may refund
// voluntarily at any point before release; the system may refund to resolve
// a dispute or a cancelled order.
func (s *Service) Refund(ctx context.Context, id, callerID int64, reason string) (*Escrow, error) {
	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if callerID != SystemCaller && callerID != escrow.SellerID {
		return nil, ErrUnauthorized
	}
	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}

	return s.finishRefund(ctx, escrow, escrow.Status, reason)
}

// ResolveDispute closes a disputed escrow with either a release to the
// seller or a refund to the buyer. System-only.
func (s *Service) ResolveDispute(ctx context.Context, id int64, resolution, reason string) (*Escrow, error) {
	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if escrow.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if escrow.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}

	switch resolution {
	case "release":
		return s.finishRelease(ctx, escrow, StatusDisputed, "dispute_released")
	case "refund":
		return s.finishRefund(ctx, escrow, StatusDisputed, reason)
	default:
		return nil, fmt.Errorf("unknown resolution %q (want release or refund)", resolution)
	}
}

// finishRelease claims the escrow record, then credits the seller. The
// claim happens first so a concurrent dispute or second release loses
// cleanly; on a credit failure the claim is reverted.
func (s *Service) finishRelease(ctx context.Context, escrow *Escrow, from Status, resolution string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release",
		traces.EscrowID(escrow.ID),
		traces.Amount(escrow.Amount),
	)
	defer span.End()

	now := time.Now()
	escrow.Status = StatusReleased
	escrow.Resolution = resolution
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now

	if err := s.store.Transition(ctx, escrow, from); err != nil {
		return nil, err
	}

	lctx, cancel := context.WithTimeout(ctx, ledgerTimeout)
	defer cancel()
	if err := s.ledger.CreditRelease(lctx, escrow.SellerID, escrow.Amount, escrow.OrderID, escrow.ID); err != nil {
		s.revert(ctx, escrow, from)
		return nil, fmt.Errorf("credit seller: %w", err)
	}

	s.markOrder(ctx, escrow.OrderID, false)
	return escrow, nil
}

func (s *Service) finishRefund(ctx context.Context, escrow *Escrow, from Status, reason string) (*Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund",
		traces.EscrowID(escrow.ID),
		traces.Amount(escrow.Amount),
	)
	defer span.End()

	now := time.Now()
	escrow.Status = StatusRefunded
	escrow.Resolution = "refunded"
	if reason != "" {
		escrow.Resolution = reason
	}
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now

	if err := s.store.Transition(ctx, escrow, from); err != nil {
		return nil, err
	}

	lctx, cancel := context.WithTimeout(ctx, ledgerTimeout)
	defer cancel()
	if err := s.ledger.CreditRefund(lctx, escrow.BuyerID, escrow.Amount, escrow.OrderID, escrow.ID); err != nil {
		s.revert(ctx, escrow, from)
		return nil, fmt.Errorf("credit buyer refund: %w", err)
	}

	s.markOrder(ctx, escrow.OrderID, true)
	return escrow, nil
}

// revert undoes a claimed transition after the money movement failed, so
// the escrow can be retried.
func (s *Service) revert(ctx context.Context, escrow *Escrow, to Status) {
	claimed := escrow.Status
	escrow.Status = to
	escrow.Resolution = ""
	escrow.ResolvedAt = nil
	escrow.UpdatedAt = time.Now()
	if err := s.store.Transition(ctx, escrow, claimed); err != nil {
		s.logger.Error("failed to revert escrow claim after payout failure",
			"escrowId", escrow.ID, "claimed", string(claimed), "error", err)
	}
}

func (s *Service) markOrder(ctx context.Context, orderID int64, refunded bool) {
	if s.orders == nil || orderID == 0 {
		return
	}
	var err error
	if refunded {
		err = s.orders.MarkRefunded(ctx, orderID)
	} else {
		err = s.orders.MarkCompleted(ctx, orderID)
	}
	if err != nil {
		s.logger.Warn("failed to propagate escrow resolution to order",
			"orderId", orderID, "refunded", refunded, "error", err)
	}
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id int64) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetByOrder returns the escrow backing an order.
func (s *Service) GetByOrder(ctx context.Context, orderID int64) (*Escrow, error) {
	return s.store.GetByOrder(ctx, orderID)
}

// ListByUser returns escrows involving a user (as buyer or seller).
func (s *Service) ListByUser(ctx context.Context, userID int64, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

func resolutionFor(callerID int64) string {
	if callerID == SystemCaller {
		return "auto_released"
	}
	return "buyer_confirmed"
}
