package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	wallets map[int64]*Wallet
	txs     map[int64]*Transaction
	nextID  int64
	mu      sync.RWMutex
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[int64]*Wallet),
		txs:     make(map[int64]*Transaction),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if w, ok := m.wallets[userID]; ok {
		return w.Balance, nil
	}
	return 0, nil
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	tx.ID = m.nextID
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	cp := *tx
	m.txs[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) ApplyDebit(ctx context.Context, userID, amount, txID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[txID]
	if !ok {
		return 0, ErrTransactionNotFound
	}
	if tx.Status != TxStatusPending {
		return 0, ErrTransactionApplied
	}

	w, ok := m.wallets[userID]
	if !ok || w.Balance < amount {
		return 0, ErrInsufficientBalance
	}

	w.Balance -= amount
	w.UpdatedAt = time.Now()
	tx.Status = TxStatusCompleted
	tx.BalanceAfter = w.Balance
	return w.Balance, nil
}

func (m *MemoryStore) ApplyCredit(ctx context.Context, userID, amount, txID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[txID]
	if !ok {
		return 0, ErrTransactionNotFound
	}
	if tx.Status != TxStatusPending {
		return 0, ErrTransactionApplied
	}

	w, ok := m.wallets[userID]
	if !ok {
		w = &Wallet{UserID: userID}
		m.wallets[userID] = w
	}

	w.Balance += amount
	w.UpdatedAt = time.Now()
	tx.Status = TxStatusCompleted
	tx.BalanceAfter = w.Balance
	return w.Balance, nil
}

func (m *MemoryStore) History(ctx context.Context, userID int64, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.UserID == userID {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) SumTransactions(ctx context.Context, userID int64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, tx := range m.txs {
		if tx.UserID == userID {
			sum += SignedAmount(tx)
		}
	}
	return sum, nil
}

func (m *MemoryStore) ListWallets(ctx context.Context) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		cp := *w
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UserID < result[j].UserID
	})
	return result, nil
}
