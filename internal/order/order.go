// Package order manages the purchase lifecycle from creation through
// payment, fulfillment, and settlement.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bookmart/bookmart/internal/idgen"
	"github.com/bookmart/bookmart/internal/money"
	"github.com/bookmart/bookmart/internal/retry"
	"github.com/bookmart/bookmart/internal/traces"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrUnauthorized      = errors.New("not authorized for this order operation")
	ErrAlreadyPaid       = errors.New("order already processed")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrStatusConflict    = errors.New("order status changed concurrently")
	ErrInsufficientFunds = errors.New("insufficient wallet balance")
	ErrListingUnavailable = errors.New("listing is not available")
)

// Status represents the state of an order.
type Status string

const (
	StatusPending   Status = "pending"   // Created, awaiting payment
	StatusPaid      Status = "paid"      // Buyer paid, funds in escrow
	StatusConfirmed Status = "confirmed" // Seller confirmed the order
	StatusDelivered Status = "delivered" // Seller shipped the book
	StatusCompleted Status = "completed" // Escrow released to seller
	StatusCancelled Status = "cancelled" // Cancelled before settlement
	StatusRefunded  Status = "refunded"  // Escrow refunded to buyer
)

// Order is a purchase of a listing by a buyer. The per-status timestamps
// record when each transition happened and are never overwritten.
type Order struct {
	ID              int64      `json:"id"`
	OrderNumber     string     `json:"orderNumber"`
	BuyerID         int64      `json:"buyerId"`
	SellerID        int64      `json:"sellerId"`
	ListingID       int64      `json:"listingId"`
	Quantity        int        `json:"quantity"`
	Amount          int64      `json:"amount"`       // total charged to the buyer
	FeeAmount       int64      `json:"feeAmount"`    // platform's cut
	SellerAmount    int64      `json:"sellerAmount"` // held in escrow for the seller
	EscrowID        int64      `json:"escrowId,omitempty"`
	Status          Status     `json:"status"`
	DeliveryMethod  string     `json:"deliveryMethod,omitempty"`
	DeliveryAddress string     `json:"deliveryAddress,omitempty"`
	BuyerNotes      string     `json:"buyerNotes,omitempty"`
	PaidAt          *time.Time `json:"paidAt,omitempty"`
	ConfirmedAt     *time.Time `json:"confirmedAt,omitempty"`
	DeliveredAt     *time.Time `json:"deliveredAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the order is in a final state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Store persists orders.
type Store interface {
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, id int64) (*Order, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*Order, error)

	// Transition persists the order only if its stored status still equals
	// from, returning ErrStatusConflict otherwise. Concurrent payments of
	// the same order are serialized through this check.
	Transition(ctx context.Context, order *Order, from Status) error
}

// ListingInfo is the slice of a listing the order flow needs.
type ListingInfo struct {
	ID       int64
	SellerID int64
	Price    int64
	Quantity int
	Active   bool
}

// ListingCatalog abstracts listing lookups and inventory claims.
type ListingCatalog interface {
	GetListing(ctx context.Context, id int64) (*ListingInfo, error)
	Reserve(ctx context.Context, id int64, quantity int) error
	Unreserve(ctx context.Context, id int64, quantity int) error
}

// WalletLedger abstracts the ledger operations the payment flow needs.
type WalletLedger interface {
	Balance(ctx context.Context, userID int64) (int64, error)

	// DebitPurchase records and applies the buyer's payment, returning the
	// transaction ID for compensation references.
	DebitPurchase(ctx context.Context, userID, amount, listingID, orderID int64) (int64, error)

	// CreditRefund returns funds to the buyer when a step after the debit
	// fails. The note references what is being compensated.
	CreditRefund(ctx context.Context, userID, amount, orderID int64, note string) error

	// CreditFee pays the platform's cut into the platform account.
	CreditFee(ctx context.Context, userID, amount, orderID int64) error
}

// EscrowOpener opens and refunds escrows backing orders.
type EscrowOpener interface {
	Open(ctx context.Context, orderID, buyerID, sellerID, amount int64) (int64, error)
	Refund(ctx context.Context, escrowID int64, reason string) error
}

// Config carries the marketplace settlement parameters.
type Config struct {
	FeeBps            int64 // platform fee in basis points
	PlatformAccountID int64 // wallet that accumulates fees
}

// Service implements order business logic.
type Service struct {
	store    Store
	listings ListingCatalog
	ledger   WalletLedger
	escrows  EscrowOpener
	cfg      Config
	logger   *slog.Logger
}

// NewService creates a new order service.
func NewService(store Store, listings ListingCatalog, ledger WalletLedger, escrows EscrowOpener, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		listings: listings,
		ledger:   ledger,
		escrows:  escrows,
		cfg:      cfg,
		logger:   logger,
	}
}

// CreateParams contains the parameters for creating an order.
type CreateParams struct {
	BuyerID         int64
	ListingID       int64
	Quantity        int
	DeliveryMethod  string
	DeliveryAddress string
	BuyerNotes      string
}

// Create validates the listing and creates a pending order. No money moves
// until the buyer pays.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Order, error) {
	if p.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}

	l, err := s.listings.GetListing(ctx, p.ListingID)
	if err != nil {
		return nil, err
	}
	if !l.Active {
		return nil, ErrListingUnavailable
	}
	if l.Quantity < p.Quantity {
		return nil, fmt.Errorf("%w: only %d available", ErrListingUnavailable, l.Quantity)
	}
	if l.SellerID == p.BuyerID {
		return nil, fmt.Errorf("%w: cannot buy your own listing", ErrInvalidOrder)
	}

	amount := l.Price * int64(p.Quantity)
	fee := money.Fee(amount, s.cfg.FeeBps)

	now := time.Now()
	order := &Order{
		OrderNumber:     idgen.OrderNumber(now),
		BuyerID:         p.BuyerID,
		SellerID:        l.SellerID,
		ListingID:       p.ListingID,
		Quantity:        p.Quantity,
		Amount:          amount,
		FeeAmount:       fee,
		SellerAmount:    amount - fee,
		Status:          StatusPending,
		DeliveryMethod:  p.DeliveryMethod,
		DeliveryAddress: p.DeliveryAddress,
		BuyerNotes:      p.BuyerNotes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return order, nil
}

// ProcessPayment charges the buyer's wallet and opens the escrow. Each step
// that fails compensates the ones before it, so a failed payment leaves the
// buyer's balance and the listing's inventory untouched.
func (s *Service) ProcessPayment(ctx context.Context, orderID, callerID int64) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "order.ProcessPayment",
		traces.OrderID(orderID),
		traces.UserID(callerID),
	)
	defer span.End()

	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if callerID != order.BuyerID {
		return nil, ErrUnauthorized
	}
	if order.Status != StatusPending {
		return nil, ErrAlreadyPaid
	}

	balance, err := s.ledger.Balance(ctx, order.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("check balance: %w", err)
	}
	if balance < order.Amount {
		return nil, ErrInsufficientFunds
	}

	// Claim the order first. A concurrent payment of the same order loses
	// the conditional write and sees "already processed".
	now := time.Now()
	order.Status = StatusPaid
	order.PaidAt = &now
	order.UpdatedAt = now
	if err := s.store.Transition(ctx, order, StatusPending); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, ErrAlreadyPaid
		}
		return nil, err
	}

	if err := s.listings.Reserve(ctx, order.ListingID, order.Quantity); err != nil {
		s.revertClaim(ctx, order)
		return nil, fmt.Errorf("reserve listing: %w", err)
	}

	txID, err := s.ledger.DebitPurchase(ctx, order.BuyerID, order.Amount, order.ListingID, order.ID)
	if err != nil {
		s.unreserve(ctx, order)
		s.revertClaim(ctx, order)
		return nil, fmt.Errorf("debit buyer: %w", err)
	}

	escrowID, err := s.escrows.Open(ctx, order.ID, order.BuyerID, order.SellerID, order.SellerAmount)
	if err != nil {
		note := fmt.Sprintf("compensation for failed escrow open (payment tx %d)", txID)
		if refundErr := s.ledger.CreditRefund(ctx, order.BuyerID, order.Amount, order.ID, note); refundErr != nil {
			s.logger.Error("failed to compensate buyer after escrow open failure",
				"orderId", order.ID, "buyer", order.BuyerID, "amount", order.Amount, "error", refundErr)
		}
		s.unreserve(ctx, order)
		s.revertClaim(ctx, order)
		return nil, fmt.Errorf("open escrow: %w", err)
	}

	order.EscrowID = escrowID
	order.UpdatedAt = time.Now()
	if err := s.store.Transition(ctx, order, StatusPaid); err != nil {
		// Money already moved; the order record is just missing the escrow
		// reference. Log rather than compensating a completed payment.
		s.logger.Error("failed to attach escrow to paid order",
			"orderId", order.ID, "escrowId", escrowID, "error", err)
	}

	if order.FeeAmount > 0 {
		err := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
			return s.ledger.CreditFee(ctx, s.cfg.PlatformAccountID, order.FeeAmount, order.ID)
		})
		if err != nil {
			// The fee slice of the buyer's debit is credited to nobody
			// until an operator replays it from this log entry.
			s.logger.Error("failed to credit platform fee after retries",
				"orderId", order.ID, "fee", order.FeeAmount, "platform", s.cfg.PlatformAccountID, "error", err)
		}
	}

	return order, nil
}

func (s *Service) revertClaim(ctx context.Context, order *Order) {
	order.Status = StatusPending
	order.PaidAt = nil
	order.UpdatedAt = time.Now()
	if err := s.store.Transition(ctx, order, StatusPaid); err != nil {
		s.logger.Error("failed to revert order claim after payment failure",
			"orderId", order.ID, "error", err)
	}
}

func (s *Service) unreserve(ctx context.Context, order *Order) {
	if err := s.listings.Unreserve(ctx, order.ListingID, order.Quantity); err != nil {
		s.logger.Error("failed to return reserved listing quantity",
			"orderId", order.ID, "listingId", order.ListingID, "error", err)
	}
}

// sellerTransitions are the fulfillment steps a seller may perform.
var sellerTransitions = map[Status]Status{
	StatusPaid:      StatusConfirmed,
	StatusConfirmed: StatusDelivered,
}

// UpdateStatus advances an order through fulfillment. Only the seller moves
// paid orders to confirmed and confirmed orders to delivered; settlement
// states are reached through escrow resolution, never directly.
func (s *Service) UpdateStatus(ctx context.Context, orderID, callerID int64, next Status) (*Order, error) {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if callerID != order.SellerID {
		return nil, ErrUnauthorized
	}
	if sellerTransitions[order.Status] != next {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, next)
	}

	from := order.Status
	now := time.Now()
	order.Status = next
	switch next {
	case StatusConfirmed:
		order.ConfirmedAt = &now
	case StatusDelivered:
		order.DeliveredAt = &now
	}
	order.UpdatedAt = now
	if err := s.store.Transition(ctx, order, from); err != nil {
		return nil, err
	}
	return order, nil
}

// Cancel cancels an order. Before payment nothing has moved, so the order
// just closes. After payment the buyer's money sits in escrow, so the
// escrow is refunded and the order closes as cancelled.
func (s *Service) Cancel(ctx context.Context, orderID, callerID int64) (*Order, error) {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if callerID != order.BuyerID && callerID != order.SellerID {
		return nil, ErrUnauthorized
	}
	if order.IsTerminal() {
		return nil, fmt.Errorf("%w: order already %s", ErrInvalidTransition, order.Status)
	}
	if order.Status == StatusDelivered {
		return nil, fmt.Errorf("%w: delivered orders settle through escrow", ErrInvalidTransition)
	}

	from := order.Status
	now := time.Now()
	order.Status = StatusCancelled
	order.CancelledAt = &now
	order.UpdatedAt = now
	if err := s.store.Transition(ctx, order, from); err != nil {
		return nil, err
	}

	if from != StatusPending && order.EscrowID != 0 {
		if err := s.escrows.Refund(ctx, order.EscrowID, "order cancelled"); err != nil {
			// The buyer's money is still escrowed. Reopen the order so the
			// cancellation can be retried; a terminal order over an active
			// escrow would let the sweep pay the seller for a dead sale.
			s.logger.Error("failed to refund escrow for cancelled order",
				"orderId", order.ID, "escrowId", order.EscrowID, "error", err)
			s.reopenCancelled(ctx, order, from)
			return nil, fmt.Errorf("refund escrow: %w", err)
		}
		// The listing gets its quantity back since the sale fell through.
		s.unreserve(ctx, order)
	}

	return order, nil
}

// reopenCancelled returns a cancelled order to its prior status after its
// escrow refund failed, keeping the order and the money in step.
func (s *Service) reopenCancelled(ctx context.Context, order *Order, to Status) {
	order.Status = to
	order.CancelledAt = nil
	order.UpdatedAt = time.Now()
	if err := s.store.Transition(ctx, order, StatusCancelled); err != nil {
		s.logger.Error("failed to reopen order after escrow refund failure",
			"orderId", order.ID, "error", err)
	}
}

// MarkCompleted closes an order after its escrow released. Terminal orders
// are left alone.
func (s *Service) MarkCompleted(ctx context.Context, orderID int64) error {
	return s.settle(ctx, orderID, StatusCompleted)
}

// MarkRefunded closes an order after its escrow refunded. Terminal orders
// (a cancelled order whose escrow refund triggered this) are left alone.
func (s *Service) MarkRefunded(ctx context.Context, orderID int64) error {
	return s.settle(ctx, orderID, StatusRefunded)
}

func (s *Service) settle(ctx context.Context, orderID int64, to Status) error {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.IsTerminal() {
		return nil
	}

	from := order.Status
	now := time.Now()
	order.Status = to
	switch to {
	case StatusCompleted:
		order.CompletedAt = &now
	case StatusRefunded:
		order.CancelledAt = &now
	}
	order.UpdatedAt = now
	if err := s.store.Transition(ctx, order, from); err != nil {
		return err
	}
	return nil
}

// Get returns an order, visible only to its buyer and seller.
func (s *Service) Get(ctx context.Context, id, callerID int64) (*Order, error) {
	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != order.BuyerID && callerID != order.SellerID {
		return nil, ErrUnauthorized
	}
	return order, nil
}

// ListByUser returns orders where the user is buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID int64, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}
