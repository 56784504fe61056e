package payouts

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory payout request store for demo/development mode.
type MemoryStore struct {
	requests   map[string]*Request
	byExternal map[string]string // external payout ID -> request ID
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory payout request store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:   make(map[string]*Request),
		byExternal: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyRequest(r)
	m.requests[r.ID] = cp
	if r.ExternalPayoutID != "" {
		m.byExternal[r.ExternalPayoutID] = r.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return copyRequest(r), nil
}

func (m *MemoryStore) GetByExternalID(ctx context.Context, externalID string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byExternal[externalID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return copyRequest(m.requests[id]), nil
}

func (m *MemoryStore) GetActiveByProvider(ctx context.Context, providerID string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.requests {
		if r.ProviderID == providerID && !r.Status.Terminal() {
			return copyRequest(r), nil
		}
	}
	return nil, ErrRequestNotFound
}

func (m *MemoryStore) Update(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[r.ID]; !ok {
		return ErrRequestNotFound
	}
	m.requests[r.ID] = copyRequest(r)
	if r.ExternalPayoutID != "" {
		m.byExternal[r.ExternalPayoutID] = r.ID
	}
	return nil
}

func (m *MemoryStore) ListByProvider(ctx context.Context, providerID string, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Request
	for _, r := range m.requests {
		if r.ProviderID == providerID {
			result = append(result, copyRequest(r))
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

func copyRequest(r *Request) *Request {
	cp := *r
	cp.EscrowIDs = append([]string(nil), r.EscrowIDs...)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
