package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	byOrder map[string]string // order ID -> escrow ID
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
		byOrder: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOrder[e.OrderID]; ok {
		return ErrEscrowClosed
	}
	cp := *e
	m.escrows[e.ID] = &cp
	m.byOrder[e.OrderID] = e.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *m.escrows[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; !ok {
		return ErrEscrowNotFound
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByProvider(ctx context.Context, providerID string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.ProviderID == providerID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListMatured(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == StatusHeld && !e.ClearingEndsAt.After(before) {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListAvailable(ctx context.Context, providerID string) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.ProviderID == providerID && e.Status == StatusAvailable && e.ClaimedBy == "" {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) SumAvailable(ctx context.Context, providerID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, e := range m.escrows {
		if e.ProviderID == providerID && e.Status == StatusAvailable && e.ClaimedBy == "" {
			sum += e.ProviderAmount
		}
	}
	return sum, nil
}

func (m *MemoryStore) Reserve(ctx context.Context, escrowIDs []string, claimRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate the whole set before touching anything.
	for _, id := range escrowIDs {
		e, ok := m.escrows[id]
		if !ok {
			return ErrEscrowNotFound
		}
		if e.Status != StatusAvailable || e.ClaimedBy != "" {
			return ErrAlreadyClaimed
		}
	}
	now := time.Now()
	for _, id := range escrowIDs {
		m.escrows[id].ClaimedBy = claimRef
		m.escrows[id].UpdatedAt = now
	}
	return nil
}

func (m *MemoryStore) Unclaim(ctx context.Context, escrowIDs []string, claimRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range escrowIDs {
		e, ok := m.escrows[id]
		if !ok {
			return ErrEscrowNotFound
		}
		if e.ClaimedBy != claimRef {
			return ErrAlreadyClaimed
		}
	}
	now := time.Now()
	for _, id := range escrowIDs {
		m.escrows[id].ClaimedBy = ""
		m.escrows[id].UpdatedAt = now
	}
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, escrowIDs []string, claimRef string, releasedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range escrowIDs {
		e, ok := m.escrows[id]
		if !ok {
			return ErrEscrowNotFound
		}
		if e.Status != StatusAvailable || e.ClaimedBy != claimRef {
			return ErrAlreadyClaimed
		}
	}
	for _, id := range escrowIDs {
		e := m.escrows[id]
		e.Status = StatusReleased
		t := releasedAt
		e.ReleasedAt = &t
		e.UpdatedAt = releasedAt
	}
	return nil
}

func (m *MemoryStore) Reopen(ctx context.Context, escrowIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range escrowIDs {
		e, ok := m.escrows[id]
		if !ok {
			return ErrEscrowNotFound
		}
		if e.Status != StatusReleased {
			return ErrNotReopenable
		}
	}
	now := time.Now()
	for _, id := range escrowIDs {
		e := m.escrows[id]
		e.Status = StatusAvailable
		e.ClaimedBy = ""
		e.ReleasedAt = nil
		e.UpdatedAt = now
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
