package listing

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory store for demo/development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]*Listing
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{listings: make(map[string]*Listing)}
}

func (m *MemoryStore) Create(_ context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listings[l.ID]; ok {
		return fmt.Errorf("listing %s already exists", l.ID)
	}
	cp := *l
	m.listings[l.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, from []Status, to Status, now time.Time) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !slices.Contains(from, l.Status) {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidStatus, id, l.Status)
	}
	l.Status = to
	l.UpdatedAt = now
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Listing
	for _, l := range m.listings {
		if f.SellerID != "" && l.SellerID != f.SellerID {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if !f.After.Before(l.CreatedAt, l.ID) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
