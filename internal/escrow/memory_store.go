package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	escrows map[int64]*Escrow
	nextID  int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[int64]*Escrow),
		nextID:  1,
	}
}

func (s *MemoryStore) Create(ctx context.Context, escrow *Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	escrow.ID = s.nextID
	s.nextID++
	cp := *escrow
	s.escrows[escrow.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) GetByOrder(ctx context.Context, orderID int64) (*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.escrows {
		if e.OrderID == orderID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Escrow
	for _, e := range s.escrows {
		if e.BuyerID == userID || e.SellerID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListReadyForRelease(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Escrow
	for _, e := range s.escrows {
		if e.Status == StatusActive && e.ReleaseAt.Before(before) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReleaseAt.Before(out[j].ReleaseAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Transition(ctx context.Context, escrow *Escrow, from Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.escrows[escrow.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != from {
		return ErrStatusConflict
	}
	cp := *escrow
	s.escrows[escrow.ID] = &cp
	return nil
}
