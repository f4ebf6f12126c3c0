package order

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
)

// mockCatalog serves one listing and tracks reservations.
type mockCatalog struct {
	mu          sync.Mutex
	listing     ListingInfo
	reserved    int
	failReserve bool
}

func (m *mockCatalog) GetListing(ctx context.Context, id int64) (*ListingInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != m.listing.ID {
		return nil, errors.New("listing not found")
	}
	cp := m.listing
	return &cp, nil
}

func (m *mockCatalog) Reserve(ctx context.Context, id int64, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReserve {
		return errors.New("out of stock")
	}
	m.reserved += quantity
	return nil
}

func (m *mockCatalog) Unreserve(ctx context.Context, id int64, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved -= quantity
	return nil
}

// mockWallet tracks balances with injectable debit failures.
type mockWallet struct {
	mu           sync.Mutex
	balances     map[int64]int64
	fees         int64
	refunds      int64
	nextTxID     int64
	failDebit    bool
	failFee      bool
	failFeeTimes int // fail this many fee credits, then succeed
}

func newMockWallet(balances map[int64]int64) *mockWallet {
	return &mockWallet{balances: balances, nextTxID: 1}
}

func (m *mockWallet) Balance(ctx context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *mockWallet) DebitPurchase(ctx context.Context, userID, amount, listingID, orderID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDebit {
		return 0, errors.New("ledger unavailable")
	}
	if m.balances[userID] < amount {
		return 0, errors.New("insufficient balance")
	}
	m.balances[userID] -= amount
	id := m.nextTxID
	m.nextTxID++
	return id, nil
}

func (m *mockWallet) CreditRefund(ctx context.Context, userID, amount, orderID int64, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] += amount
	m.refunds += amount
	return nil
}

func (m *mockWallet) CreditFee(ctx context.Context, userID, amount, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFee {
		return errors.New("ledger unavailable")
	}
	if m.failFeeTimes > 0 {
		m.failFeeTimes--
		return errors.New("ledger unavailable")
	}
	m.balances[userID] += amount
	m.fees += amount
	return nil
}

// mockEscrows opens escrows with injectable failures.
type mockEscrows struct {
	mu         sync.Mutex
	nextID     int64
	opened     []int64
	refunded   []int64
	failOpen   bool
	failRefund bool
}

func newMockEscrows() *mockEscrows {
	return &mockEscrows{nextID: 100}
}

func (m *mockEscrows) Open(ctx context.Context, orderID, buyerID, sellerID, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOpen {
		return 0, errors.New("escrow store unavailable")
	}
	id := m.nextID
	m.nextID++
	m.opened = append(m.opened, id)
	return id, nil
}

func (m *mockEscrows) Refund(ctx context.Context, escrowID int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRefund {
		return errors.New("escrow store unavailable")
	}
	m.refunded = append(m.refunded, escrowID)
	return nil
}

const (
	buyerID  = int64(1)
	sellerID = int64(2)
	platform = int64(9)
)

type fixture struct {
	svc     *Service
	store   *MemoryStore
	catalog *mockCatalog
	wallet  *mockWallet
	escrows *mockEscrows
}

func newFixture(t *testing.T, buyerBalance int64) *fixture {
	t.Helper()
	store := NewMemoryStore()
	catalog := &mockCatalog{listing: ListingInfo{
		ID: 5, SellerID: sellerID, Price: 1000, Quantity: 3, Active: true,
	}}
	wallet := newMockWallet(map[int64]int64{buyerID: buyerBalance})
	escrows := newMockEscrows()
	svc := NewService(store, catalog, wallet, escrows,
		Config{FeeBps: 500, PlatformAccountID: platform}, slog.Default())
	return &fixture{svc: svc, store: store, catalog: catalog, wallet: wallet, escrows: escrows}
}

func (f *fixture) createOrder(t *testing.T) *Order {
	t.Helper()
	o, err := f.svc.Create(context.Background(), CreateParams{
		BuyerID: buyerID, ListingID: 5, Quantity: 1,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return o
}

func TestCreate_ComputesFeeSplit(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)

	if o.Amount != 1000 {
		t.Errorf("amount %d, want 1000", o.Amount)
	}
	if o.FeeAmount != 50 {
		t.Errorf("fee %d, want 50", o.FeeAmount)
	}
	if o.SellerAmount != 950 {
		t.Errorf("seller amount %d, want 950", o.SellerAmount)
	}
	if o.Status != StatusPending {
		t.Errorf("status %s, want pending", o.Status)
	}
	if o.OrderNumber == "" {
		t.Error("expected order number to be assigned")
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, 5000)
	ctx := context.Background()

	if _, err := f.svc.Create(ctx, CreateParams{BuyerID: buyerID, ListingID: 5, Quantity: 0}); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("zero quantity: got %v, want ErrInvalidOrder", err)
	}
	if _, err := f.svc.Create(ctx, CreateParams{BuyerID: sellerID, ListingID: 5, Quantity: 1}); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("self purchase: got %v, want ErrInvalidOrder", err)
	}
	if _, err := f.svc.Create(ctx, CreateParams{BuyerID: buyerID, ListingID: 5, Quantity: 10}); !errors.Is(err, ErrListingUnavailable) {
		t.Errorf("over quantity: got %v, want ErrListingUnavailable", err)
	}

	f.catalog.listing.Active = false
	if _, err := f.svc.Create(ctx, CreateParams{BuyerID: buyerID, ListingID: 5, Quantity: 1}); !errors.Is(err, ErrListingUnavailable) {
		t.Errorf("inactive listing: got %v, want ErrListingUnavailable", err)
	}
}

func TestProcessPayment_HappyPath(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)

	paid, err := f.svc.ProcessPayment(context.Background(), o.ID, buyerID)
	if err != nil {
		t.Fatalf("ProcessPayment failed: %v", err)
	}

	if paid.Status != StatusPaid {
		t.Errorf("status %s, want paid", paid.Status)
	}
	if paid.EscrowID == 0 {
		t.Error("expected escrow to be attached")
	}
	if paid.PaidAt == nil {
		t.Error("expected paidAt to be set")
	}
	if f.wallet.balances[buyerID] != 4000 {
		t.Errorf("buyer balance %d, want 4000", f.wallet.balances[buyerID])
	}
	if f.wallet.balances[platform] != 50 {
		t.Errorf("platform balance %d, want 50", f.wallet.balances[platform])
	}
	if f.catalog.reserved != 1 {
		t.Errorf("reserved %d, want 1", f.catalog.reserved)
	}
	if len(f.escrows.opened) != 1 {
		t.Errorf("opened %d escrows, want 1", len(f.escrows.opened))
	}
}

func TestProcessPayment_InsufficientFunds(t *testing.T) {
	f := newFixture(t, 500)
	o := f.createOrder(t)

	_, err := f.svc.ProcessPayment(context.Background(), o.ID, buyerID)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	fresh, _ := f.store.Get(context.Background(), o.ID)
	if fresh.Status != StatusPending {
		t.Errorf("order status %s after failed payment, want pending", fresh.Status)
	}
	if f.catalog.reserved != 0 {
		t.Errorf("reserved %d after failed payment, want 0", f.catalog.reserved)
	}
}

func TestProcessPayment_Idempotent(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)
	ctx := context.Background()

	if _, err := f.svc.ProcessPayment(ctx, o.ID, buyerID); err != nil {
		t.Fatalf("first payment failed: %v", err)
	}
	if _, err := f.svc.ProcessPayment(ctx, o.ID, buyerID); !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}

	// Charged exactly once.
	if f.wallet.balances[buyerID] != 4000 {
		t.Errorf("buyer balance %d after duplicate payment, want 4000", f.wallet.balances[buyerID])
	}
	if len(f.escrows.opened) != 1 {
		t.Errorf("opened %d escrows, want 1", len(f.escrows.opened))
	}
}

func TestProcessPayment_OnlyBuyer(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)

	if _, err := f.svc.ProcessPayment(context.Background(), o.ID, sellerID); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestProcessPayment_ReserveFailureRevertsClaim(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)
	f.catalog.failReserve = true

	if _, err := f.svc.ProcessPayment(context.Background(), o.ID, buyerID); err == nil {
		t.Fatal("expected payment to fail when reserve fails")
	}

	fresh, _ := f.store.Get(context.Background(), o.ID)
	if fresh.Status != StatusPending {
		t.Errorf("order status %s, want pending", fresh.Status)
	}
	if f.wallet.balances[buyerID] != 5000 {
		t.Errorf("buyer balance %d, want untouched 5000", f.wallet.balances[buyerID])
	}
}

func TestProcessPayment_DebitFailureUnreserves(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)
	f.wallet.failDebit = true

	if _, err := f.svc.ProcessPayment(context.Background(), o.ID, buyerID); err == nil {
		t.Fatal("expected payment to fail when debit fails")
	}

	fresh, _ := f.store.Get(context.Background(), o.ID)
	if fresh.Status != StatusPending {
		t.Errorf("order status %s, want pending", fresh.Status)
	}
	if f.catalog.reserved != 0 {
		t.Errorf("reserved %d, want 0", f.catalog.reserved)
	}
}

func TestProcessPayment_EscrowFailureCompensatesBuyer(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)
	f.escrows.failOpen = true

	if _, err := f.svc.ProcessPayment(context.Background(), o.ID, buyerID); err == nil {
		t.Fatal("expected payment to fail when escrow open fails")
	}

	// The debit went through, so the buyer must be made whole.
	if f.wallet.balances[buyerID] != 5000 {
		t.Errorf("buyer balance %d after compensation, want 5000", f.wallet.balances[buyerID])
	}
	if f.wallet.refunds != 1000 {
		t.Errorf("refunded %d, want 1000", f.wallet.refunds)
	}
	if f.catalog.reserved != 0 {
		t.Errorf("reserved %d, want 0", f.catalog.reserved)
	}

	fresh, _ := f.store.Get(context.Background(), o.ID)
	if fresh.Status != StatusPending {
		t.Errorf("order status %s, want pending so payment can be retried", fresh.Status)
	}
}

func TestProcessPayment_FeeCreditFailureDoesNotFailPayment(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)
	f.wallet.failFee = true

	paid, err := f.svc.ProcessPayment(context.Background(), o.ID, buyerID)
	if err != nil {
		t.Fatalf("ProcessPayment failed on fee credit error: %v", err)
	}
	if paid.Status != StatusPaid {
		t.Errorf("status %s, want paid", paid.Status)
	}
}

func TestUpdateStatus_SellerFulfillment(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)
	ctx := context.Background()

	if _, err := f.svc.ProcessPayment(ctx, o.ID, buyerID); err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	confirmed, err := f.svc.UpdateStatus(ctx, o.ID, sellerID, StatusConfirmed)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if confirmed.Status != StatusConfirmed {
		t.Errorf("status %s, want confirmed", confirmed.Status)
	}

	delivered, err := f.svc.UpdateStatus(ctx, o.ID, sellerID, StatusDelivered)
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if delivered.Status != StatusDelivered {
		t.Errorf("status %s, want delivered", delivered.Status)
	}
}

func TestUpdateStatus_Rules(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)
	ctx := context.Background()

	// Pending orders can't be confirmed.
	if _, err := f.svc.UpdateStatus(ctx, o.ID, sellerID, StatusConfirmed); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	if _, err := f.svc.ProcessPayment(ctx, o.ID, buyerID); err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	// Buyers can't run fulfillment.
	if _, err := f.svc.UpdateStatus(ctx, o.ID, buyerID, StatusConfirmed); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	// Skipping confirmed is not allowed.
	if _, err := f.svc.UpdateStatus(ctx, o.ID, sellerID, StatusDelivered); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancel_PendingOrder(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)

	cancelled, err := f.svc.Cancel(context.Background(), o.ID, buyerID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status %s, want cancelled", cancelled.Status)
	}
	if len(f.escrows.refunded) != 0 {
		t.Error("pending cancel must not touch escrow")
	}
}

func TestCancel_AfterPaymentRefundsEscrow(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)
	ctx := context.Background()

	paid, err := f.svc.ProcessPayment(ctx, o.ID, buyerID)
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	cancelled, err := f.svc.Cancel(ctx, o.ID, sellerID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status %s, want cancelled", cancelled.Status)
	}
	if len(f.escrows.refunded) != 1 || f.escrows.refunded[0] != paid.EscrowID {
		t.Errorf("escrow not refunded: %v", f.escrows.refunded)
	}
	if f.catalog.reserved != 0 {
		t.Errorf("reserved %d after cancel, want 0", f.catalog.reserved)
	}
}

func TestCancel_DeliveredOrderRejected(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)
	ctx := context.Background()

	if _, err := f.svc.ProcessPayment(ctx, o.ID, buyerID); err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	if _, err := f.svc.UpdateStatus(ctx, o.ID, sellerID, StatusConfirmed); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if _, err := f.svc.UpdateStatus(ctx, o.ID, sellerID, StatusDelivered); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	if _, err := f.svc.Cancel(ctx, o.ID, buyerID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestSettle_SkipsTerminalOrders(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)
	ctx := context.Background()

	if _, err := f.svc.Cancel(ctx, o.ID, buyerID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	// A late escrow refund callback must not flip a cancelled order.
	if err := f.svc.MarkRefunded(ctx, o.ID); err != nil {
		t.Fatalf("MarkRefunded failed: %v", err)
	}
	fresh, _ := f.store.Get(ctx, o.ID)
	if fresh.Status != StatusCancelled {
		t.Errorf("status %s, want cancelled preserved", fresh.Status)
	}
}

func TestMarkCompleted(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)
	ctx := context.Background()

	if _, err := f.svc.ProcessPayment(ctx, o.ID, buyerID); err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	if err := f.svc.MarkCompleted(ctx, o.ID); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	fresh, _ := f.store.Get(ctx, o.ID)
	if fresh.Status != StatusCompleted {
		t.Errorf("status %s, want completed", fresh.Status)
	}
}

func TestGet_VisibleToPartiesOnly(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)
	ctx := context.Background()

	if _, err := f.svc.Get(ctx, o.ID, buyerID); err != nil {
		t.Errorf("buyer should see the order: %v", err)
	}
	if _, err := f.svc.Get(ctx, o.ID, sellerID); err != nil {
		t.Errorf("seller should see the order: %v", err)
	}
	if _, err := f.svc.Get(ctx, o.ID, 42); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for stranger, got %v", err)
	}
}

func TestCancel_RefundFailureReopensOrder(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)
	ctx := context.Background()

	paid, err := f.svc.ProcessPayment(ctx, o.ID, buyerID)
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	f.escrows.failRefund = true
	if _, err := f.svc.Cancel(ctx, o.ID, buyerID); err == nil {
		t.Fatal("expected cancel to fail when the escrow refund fails")
	}

	// The order must not stay terminal while the money is still escrowed;
	// a cancelled order over an active escrow would be released to the
	// seller once the hold elapses.
	fresh, err := f.store.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fresh.Status != StatusPaid {
		t.Fatalf("order status %s after failed refund, want paid", fresh.Status)
	}
	if fresh.CancelledAt != nil {
		t.Error("cancelledAt set on a reopened order")
	}

	// Once the escrow service recovers, cancelling again succeeds.
	f.escrows.failRefund = false
	cancelled, err := f.svc.Cancel(ctx, o.ID, buyerID)
	if err != nil {
		t.Fatalf("retried cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status %s, want cancelled", cancelled.Status)
	}
	if len(f.escrows.refunded) != 1 || f.escrows.refunded[0] != paid.EscrowID {
		t.Errorf("escrow not refunded on retry: %v", f.escrows.refunded)
	}
	if f.catalog.reserved != 0 {
		t.Errorf("reserved %d after retried cancel, want 0", f.catalog.reserved)
	}
}

func TestStatusTimestamps_RecordedPerTransition(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)
	ctx := context.Background()

	if _, err := f.svc.ProcessPayment(ctx, o.ID, buyerID); err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	if _, err := f.svc.UpdateStatus(ctx, o.ID, sellerID, StatusConfirmed); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if _, err := f.svc.UpdateStatus(ctx, o.ID, sellerID, StatusDelivered); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if err := f.svc.MarkCompleted(ctx, o.ID); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	fresh, err := f.store.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fresh.PaidAt == nil {
		t.Error("paidAt not recorded")
	}
	if fresh.ConfirmedAt == nil {
		t.Error("confirmedAt not recorded")
	}
	if fresh.DeliveredAt == nil {
		t.Error("deliveredAt not recorded")
	}
	if fresh.CompletedAt == nil {
		t.Error("completedAt not recorded")
	}
	if fresh.CancelledAt != nil {
		t.Error("cancelledAt set on a completed order")
	}
}

func TestCancel_RecordsCancelledAt(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)

	cancelled, err := f.svc.Cancel(context.Background(), o.ID, buyerID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.CancelledAt == nil {
		t.Error("cancelledAt not recorded")
	}
}

func TestProcessPayment_FeeCreditRetriesTransientFailure(t *testing.T) {
	f := newFixture(t, 5000)
	o := f.createOrder(t)
	ctx := context.Background()

	f.wallet.failFeeTimes = 1
	if _, err := f.svc.ProcessPayment(ctx, o.ID, buyerID); err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	if f.wallet.fees != 50 {
		t.Errorf("platform fee credited %d, want 50", f.wallet.fees)
	}
	if f.wallet.balances[platform] != 50 {
		t.Errorf("platform balance %d, want 50", f.wallet.balances[platform])
	}
}

func TestCreate_CarriesDeliveryDetails(t *testing.T) {
	f := newFixture(t, 5000)

	o, err := f.svc.Create(context.Background(), CreateParams{
		BuyerID:         buyerID,
		ListingID:       5,
		Quantity:        1,
		DeliveryMethod:  "courier",
		DeliveryAddress: "12 Baker St, London",
		BuyerNotes:      "leave with the neighbor if out",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	fresh, err := f.store.Get(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if fresh.DeliveryMethod != "courier" {
		t.Errorf("deliveryMethod %q, want courier", fresh.DeliveryMethod)
	}
	if fresh.DeliveryAddress != "12 Baker St, London" {
		t.Errorf("deliveryAddress %q not persisted", fresh.DeliveryAddress)
	}
	if fresh.BuyerNotes != "leave with the neighbor if out" {
		t.Errorf("buyerNotes %q not persisted", fresh.BuyerNotes)
	}
}
