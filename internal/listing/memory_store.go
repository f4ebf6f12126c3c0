package listing

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory listing store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[int64]*Listing
	nextID   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[int64]*Listing),
		nextID:   1,
	}
}

func (s *MemoryStore) Create(ctx context.Context, l *Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l.ID = s.nextID
	s.nextID++
	cp := *l
	s.listings[l.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, sellerID int64, limit int) ([]*Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Listing
	for _, l := range s.listings {
		if sellerID != 0 && l.SellerID != sellerID {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Reserve(ctx context.Context, id int64, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return ErrNotFound
	}
	if l.Status != StatusActive {
		return ErrNotActive
	}
	if l.QuantityAvailable < quantity {
		return ErrOutOfStock
	}
	l.QuantityAvailable -= quantity
	if l.QuantityAvailable == 0 {
		l.Status = StatusSold
		l.SoldAt = time.Now()
	}
	return nil
}

func (s *MemoryStore) Unreserve(ctx context.Context, id int64, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return ErrNotFound
	}
	l.QuantityAvailable += quantity
	if l.Status == StatusSold {
		l.Status = StatusActive
		l.SoldAt = time.Time{}
	}
	return nil
}
