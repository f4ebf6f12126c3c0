package order

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory order store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[int64]*Order
	nextID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[int64]*Order),
		nextID: 1,
	}
}

func (s *MemoryStore) Create(ctx context.Context, order *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order.ID = s.nextID
	s.nextID++
	cp := *order
	s.orders[order.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Order
	for _, o := range s.orders {
		if o.BuyerID == userID || o.SellerID == userID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Transition(ctx context.Context, order *Order, from Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.orders[order.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != from {
		return ErrStatusConflict
	}
	cp := *order
	s.orders[order.ID] = &cp
	return nil
}
