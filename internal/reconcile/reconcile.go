// Package reconcile compares the settlement core's internal view of
// provider balances against the payment processor's and records any drift.
//
// Discrepancies are evidence, not instructions: the reconciler persists and
// reports them but never adjusts a balance on its own. A human closes the
// loop through the resolve endpoint.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taskilo/settlement/internal/escrow"
	"github.com/taskilo/settlement/internal/idgen"
	"github.com/taskilo/settlement/internal/metrics"
	"github.com/taskilo/settlement/internal/processor"
	"github.com/taskilo/settlement/internal/retry"
)

var (
	ErrDiscrepancyNotFound = errors.New("reconcile: discrepancy not found")
	ErrAlreadyResolved     = errors.New("reconcile: discrepancy already resolved")
	ErrSnapshotUnavailable = errors.New("reconcile: processor balance unavailable")
)

// Snapshot is a point-in-time view of a provider's balance on both sides.
type Snapshot struct {
	ProviderID        string    `json:"providerId"`
	InternalAvailable int64     `json:"internalAvailable"`
	ExternalAvailable int64     `json:"externalAvailable"`
	ExternalPending   int64     `json:"externalPending"`
	Currency          string    `json:"currency"`
	Source            string    `json:"source"` // "live" or "cache"
	TakenAt           time.Time `json:"takenAt"`
}

// DiscrepancyStatus is the review state of a recorded discrepancy.
type DiscrepancyStatus string

const (
	DiscrepancyOpen     DiscrepancyStatus = "open"
	DiscrepancyResolved DiscrepancyStatus = "resolved"
)

// Discrepancy records one balance disagreement between the ledger and the
// processor.
type Discrepancy struct {
	ID             string            `json:"id"`
	ProviderID     string            `json:"providerId"`
	InternalAmount int64             `json:"internalAmount"`
	ExternalAmount int64             `json:"externalAmount"`
	Delta          int64             `json:"delta"` // internal minus external
	Status         DiscrepancyStatus `json:"status"`
	Resolution     string            `json:"resolution,omitempty"`
	DetectedAt     time.Time         `json:"detectedAt"`
	ResolvedAt     *time.Time        `json:"resolvedAt,omitempty"`
}

// Store persists balance snapshots and discrepancies.
type Store interface {
	SaveSnapshot(ctx context.Context, s *Snapshot) error
	GetSnapshot(ctx context.Context, providerID string) (*Snapshot, error)
	CreateDiscrepancy(ctx context.Context, d *Discrepancy) error
	GetDiscrepancy(ctx context.Context, id string) (*Discrepancy, error)
	UpdateDiscrepancy(ctx context.Context, d *Discrepancy) error
	ListDiscrepancies(ctx context.Context, status DiscrepancyStatus, limit int) ([]*Discrepancy, error)
	ListProvidersWithOpenEscrows(ctx context.Context) ([]string, error)
}

// Reconciler compares internal and external balances per provider.
type Reconciler struct {
	store     Store
	ledger    *escrow.Ledger
	gateway   processor.Gateway
	tolerance int64 // absolute drift in minor units before a discrepancy is raised
	ttl       time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]*Snapshot
}

// New creates a reconciler. tolerance is the largest absolute delta, in
// minor units, treated as rounding noise rather than drift.
func New(store Store, ledger *escrow.Ledger, gateway processor.Gateway, tolerance int64, ttl time.Duration, logger *slog.Logger) *Reconciler {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Reconciler{
		store:     store,
		ledger:    ledger,
		gateway:   gateway,
		tolerance: tolerance,
		ttl:       ttl,
		logger:    logger,
		cache:     make(map[string]*Snapshot),
	}
}

// Balance returns the provider's two-sided balance. The processor side is
// served from a TTL cache unless force is set; the internal side is always
// read live from the ledger.
func (r *Reconciler) Balance(ctx context.Context, providerID string, force bool) (*Snapshot, error) {
	internal, err := r.ledger.SumAvailable(ctx, providerID)
	if err != nil {
		return nil, err
	}

	if !force {
		if cached := r.cached(providerID); cached != nil {
			snap := *cached
			snap.InternalAvailable = internal
			snap.Source = "cache"
			return &snap, nil
		}
	}

	// Balance reads are safe to retry; payout submissions are not.
	var external *processor.Balance
	err = retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		var ferr error
		external, ferr = r.gateway.AccountBalance(ctx, providerID)
		if ferr != nil && !processor.IsTransient(ferr) {
			return retry.Permanent(ferr)
		}
		return ferr
	})
	if err != nil {
		// Fall back to the last persisted snapshot rather than failing the
		// read; staleness is marked in the source field.
		if stale, serr := r.store.GetSnapshot(ctx, providerID); serr == nil {
			snap := *stale
			snap.InternalAvailable = internal
			snap.Source = "cache"
			return &snap, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}

	snap := &Snapshot{
		ProviderID:        providerID,
		InternalAvailable: internal,
		ExternalAvailable: external.Available,
		ExternalPending:   external.Pending,
		Currency:          external.Currency,
		Source:            "live",
		TakenAt:           time.Now(),
	}
	r.remember(snap)
	if err := r.store.SaveSnapshot(ctx, snap); err != nil {
		r.logger.Warn("failed to persist balance snapshot",
			"providerId", providerID, "error", err)
	}
	return snap, nil
}

// Reconcile takes a fresh two-sided balance for the provider and records a
// discrepancy when the drift exceeds the tolerance. Returns the snapshot
// and the discrepancy, if one was raised.
func (r *Reconciler) Reconcile(ctx context.Context, providerID string) (*Snapshot, *Discrepancy, error) {
	snap, err := r.Balance(ctx, providerID, true)
	if err != nil {
		metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
		return nil, nil, err
	}

	delta := snap.InternalAvailable - snap.ExternalAvailable
	if abs(delta) <= r.tolerance {
		metrics.ReconcileRunsTotal.WithLabelValues("clean").Inc()
		return snap, nil, nil
	}

	disc := &Discrepancy{
		ID:             idgen.WithPrefix("disc_"),
		ProviderID:     providerID,
		InternalAmount: snap.InternalAvailable,
		ExternalAmount: snap.ExternalAvailable,
		Delta:          delta,
		Status:         DiscrepancyOpen,
		DetectedAt:     time.Now(),
	}
	if err := r.store.CreateDiscrepancy(ctx, disc); err != nil {
		metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
		return snap, nil, fmt.Errorf("reconcile: record discrepancy: %w", err)
	}

	metrics.ReconcileRunsTotal.WithLabelValues("drift").Inc()
	metrics.DiscrepanciesTotal.Inc()
	r.logger.Warn("balance discrepancy detected",
		"discrepancyId", disc.ID, "providerId", providerID,
		"internal", snap.InternalAvailable, "external", snap.ExternalAvailable,
		"delta", delta)
	return snap, disc, nil
}

// ReconcileAll runs one reconciliation pass over every provider holding
// open escrows. Returns the number of discrepancies raised.
func (r *Reconciler) ReconcileAll(ctx context.Context) (int, error) {
	providers, err := r.store.ListProvidersWithOpenEscrows(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile: list providers: %w", err)
	}

	raised := 0
	for _, providerID := range providers {
		_, disc, err := r.Reconcile(ctx, providerID)
		if err != nil {
			r.logger.Warn("reconciliation failed for provider",
				"providerId", providerID, "error", err)
			continue
		}
		if disc != nil {
			raised++
		}
	}
	return raised, nil
}

// Resolve closes an open discrepancy with a human-supplied resolution note.
func (r *Reconciler) Resolve(ctx context.Context, id, resolution string) (*Discrepancy, error) {
	disc, err := r.store.GetDiscrepancy(ctx, id)
	if err != nil {
		return nil, err
	}
	if disc.Status == DiscrepancyResolved {
		return nil, ErrAlreadyResolved
	}

	now := time.Now()
	disc.Status = DiscrepancyResolved
	disc.Resolution = resolution
	disc.ResolvedAt = &now
	if err := r.store.UpdateDiscrepancy(ctx, disc); err != nil {
		return nil, err
	}

	r.logger.Info("discrepancy resolved",
		"discrepancyId", disc.ID, "providerId", disc.ProviderID, "resolution", resolution)
	return disc, nil
}

// ListDiscrepancies returns discrepancies filtered by status. An empty
// status returns open ones.
func (r *Reconciler) ListDiscrepancies(ctx context.Context, status DiscrepancyStatus, limit int) ([]*Discrepancy, error) {
	if status == "" {
		status = DiscrepancyOpen
	}
	if limit <= 0 {
		limit = 50
	}
	return r.store.ListDiscrepancies(ctx, status, limit)
}

func (r *Reconciler) cached(providerID string) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.cache[providerID]
	if !ok || time.Since(snap.TakenAt) > r.ttl {
		return nil
	}
	return snap
}

func (r *Reconciler) remember(snap *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *snap
	r.cache[snap.ProviderID] = &cp
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
