package reconcile

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory reconciliation store for demo/development
// mode. Without a shared escrow table it cannot enumerate providers, so
// ReconcileAll over a memory deployment walks the providers it has already
// snapshotted.
type MemoryStore struct {
	snapshots     map[string]*Snapshot
	discrepancies map[string]*Discrepancy
	mu            sync.RWMutex
}

// NewMemoryStore creates a new in-memory reconciliation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:     make(map[string]*Snapshot),
		discrepancies: make(map[string]*Discrepancy),
	}
}

func (m *MemoryStore) SaveSnapshot(ctx context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.snapshots[s.ProviderID] = &cp
	return nil
}

func (m *MemoryStore) GetSnapshot(ctx context.Context, providerID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[providerID]
	if !ok {
		return nil, ErrSnapshotUnavailable
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) CreateDiscrepancy(ctx context.Context, d *Discrepancy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *d
	m.discrepancies[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDiscrepancy(ctx context.Context, id string) (*Discrepancy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.discrepancies[id]
	if !ok {
		return nil, ErrDiscrepancyNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) UpdateDiscrepancy(ctx context.Context, d *Discrepancy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.discrepancies[d.ID]; !ok {
		return ErrDiscrepancyNotFound
	}
	cp := *d
	m.discrepancies[d.ID] = &cp
	return nil
}

func (m *MemoryStore) ListDiscrepancies(ctx context.Context, status DiscrepancyStatus, limit int) ([]*Discrepancy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Discrepancy
	for _, d := range m.discrepancies {
		if d.Status == status {
			cp := *d
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DetectedAt.After(result[j].DetectedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListProvidersWithOpenEscrows(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	providers := make([]string, 0, len(m.snapshots))
	for providerID := range m.snapshots {
		providers = append(providers, providerID)
	}
	sort.Strings(providers)
	return providers, nil
}

var _ Store = (*MemoryStore)(nil)
