package server

import (
	"context"
	"fmt"
	"time"

	"github.com/bookmart/bookmart/internal/escrow"
	"github.com/bookmart/bookmart/internal/ledger"
	"github.com/bookmart/bookmart/internal/listing"
	"github.com/bookmart/bookmart/internal/order"
	"github.com/bookmart/bookmart/internal/reconciliation"
)

// escrowLedgerAdapter adapts ledger.Ledger to escrow.WalletLedger.
type escrowLedgerAdapter struct {
	ledger *ledger.Ledger
}

func (a *escrowLedgerAdapter) RecordHold(ctx context.Context, userID, amount, orderID, escrowID int64) error {
	_, err := a.ledger.CreateTransaction(ctx, ledger.CreateTransactionParams{
		UserID:      userID,
		Type:        ledger.TxEscrowHold,
		Amount:      amount,
		Status:      ledger.TxStatusRecorded,
		Description: fmt.Sprintf("funds held in escrow for order %d", orderID),
		OrderID:     orderID,
		EscrowID:    escrowID,
	})
	return err
}

func (a *escrowLedgerAdapter) CreditRelease(ctx context.Context, userID, amount, orderID, escrowID int64) error {
	tx, err := a.ledger.CreateTransaction(ctx, ledger.CreateTransactionParams{
		UserID:      userID,
		Type:        ledger.TxEscrowRelease,
		Amount:      amount,
		Description: fmt.Sprintf("escrow released for order %d", orderID),
		OrderID:     orderID,
		EscrowID:    escrowID,
	})
	if err != nil {
		return err
	}
	return a.ledger.CreditWallet(ctx, ledger.CreditParams{
		UserID: userID, Amount: amount, TransactionID: tx.ID,
	})
}

func (a *escrowLedgerAdapter) CreditRefund(ctx context.Context, userID, amount, orderID, escrowID int64) error {
	tx, err := a.ledger.CreateTransaction(ctx, ledger.CreateTransactionParams{
		UserID:      userID,
		Type:        ledger.TxRefund,
		Amount:      amount,
		Description: fmt.Sprintf("escrow refunded for order %d", orderID),
		OrderID:     orderID,
		EscrowID:    escrowID,
	})
	if err != nil {
		return err
	}
	return a.ledger.CreditWallet(ctx, ledger.CreditParams{
		UserID: userID, Amount: amount, TransactionID: tx.ID,
	})
}

// orderLedgerAdapter adapts ledger.Ledger to order.WalletLedger.
type orderLedgerAdapter struct {
	ledger *ledger.Ledger
}

func (a *orderLedgerAdapter) Balance(ctx context.Context, userID int64) (int64, error) {
	return a.ledger.GetBalance(ctx, userID)
}

func (a *orderLedgerAdapter) DebitPurchase(ctx context.Context, userID, amount, listingID, orderID int64) (int64, error) {
	tx, err := a.ledger.CreateTransaction(ctx, ledger.CreateTransactionParams{
		UserID:      userID,
		Type:        ledger.TxPurchase,
		Amount:      amount,
		Description: fmt.Sprintf("payment for order %d", orderID),
		ListingID:   listingID,
		OrderID:     orderID,
	})
	if err != nil {
		return 0, err
	}
	if err := a.ledger.DebitWallet(ctx, ledger.DebitParams{
		UserID: userID, Amount: amount, TransactionID: tx.ID,
	}); err != nil {
		return 0, err
	}
	return tx.ID, nil
}

func (a *orderLedgerAdapter) CreditRefund(ctx context.Context, userID, amount, orderID int64, note string) error {
	tx, err := a.ledger.CreateTransaction(ctx, ledger.CreateTransactionParams{
		UserID:      userID,
		Type:        ledger.TxRefund,
		Amount:      amount,
		Description: note,
		OrderID:     orderID,
	})
	if err != nil {
		return err
	}
	return a.ledger.CreditWallet(ctx, ledger.CreditParams{
		UserID: userID, Amount: amount, TransactionID: tx.ID,
	})
}

func (a *orderLedgerAdapter) CreditFee(ctx context.Context, userID, amount, orderID int64) error {
	tx, err := a.ledger.CreateTransaction(ctx, ledger.CreateTransactionParams{
		UserID:      userID,
		Type:        ledger.TxFee,
		Amount:      amount,
		Description: fmt.Sprintf("platform fee for order %d", orderID),
		OrderID:     orderID,
	})
	if err != nil {
		return err
	}
	return a.ledger.CreditWallet(ctx, ledger.CreditParams{
		UserID: userID, Amount: amount, TransactionID: tx.ID,
	})
}

// orderCatalogAdapter adapts listing.Catalog to order.ListingCatalog.
type orderCatalogAdapter struct {
	catalog *listing.Catalog
}

func (a *orderCatalogAdapter) GetListing(ctx context.Context, id int64) (*order.ListingInfo, error) {
	l, err := a.catalog.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	return &order.ListingInfo{
		ID:       l.ID,
		SellerID: l.SellerID,
		Price:    l.Price,
		Quantity: l.QuantityAvailable,
		Active:   l.Status == listing.StatusActive,
	}, nil
}

func (a *orderCatalogAdapter) Reserve(ctx context.Context, id int64, quantity int) error {
	return a.catalog.Reserve(ctx, id, quantity)
}

func (a *orderCatalogAdapter) Unreserve(ctx context.Context, id int64, quantity int) error {
	return a.catalog.Unreserve(ctx, id, quantity)
}

// orderEscrowAdapter adapts escrow.Service to order.EscrowOpener.
type orderEscrowAdapter struct {
	svc  *escrow.Service
	hold time.Duration
}

func (a *orderEscrowAdapter) Open(ctx context.Context, orderID, buyerID, sellerID, amount int64) (int64, error) {
	e, err := a.svc.Create(ctx, escrow.CreateParams{
		OrderID:  orderID,
		BuyerID:  buyerID,
		SellerID: sellerID,
		Amount:   amount,
		Hold:     a.hold,
	})
	if err != nil {
		return 0, err
	}
	return e.ID, nil
}

func (a *orderEscrowAdapter) Refund(ctx context.Context, escrowID int64, reason string) error {
	_, err := a.svc.Refund(ctx, escrowID, escrow.SystemCaller, reason)
	return err
}

// reconLedgerAdapter adapts ledger.Ledger to reconciliation.LedgerReader.
type reconLedgerAdapter struct {
	ledger *ledger.Ledger
}

func (a *reconLedgerAdapter) WalletBalances(ctx context.Context) ([]reconciliation.WalletBalance, error) {
	wallets, err := a.ledger.ListWallets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]reconciliation.WalletBalance, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, reconciliation.WalletBalance{UserID: w.UserID, Balance: w.Balance})
	}
	return out, nil
}

func (a *reconLedgerAdapter) SumTransactions(ctx context.Context, userID int64) (int64, error) {
	return a.ledger.SumTransactions(ctx, userID)
}
