// Package escrow owns the lifecycle of held order payments.
//
// Flow:
//  1. Order completed → funds held in escrow with a clearing deadline
//  2. Clearing window passes → escrow matures to available
//  3. Provider requests payout → available escrows are claimed, then released
//  4. Payout fails after submission → compensating reopen back to available
//  5. Order refunded before release → escrow refunded to the customer
//
// The ledger is the single writer of escrow state. Callers never touch
// escrow fields directly; every mutation goes through one of the operations
// below so the conservation and monotonicity invariants hold everywhere.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskilo/settlement/internal/idgen"
	"github.com/taskilo/settlement/internal/metrics"
	"github.com/taskilo/settlement/internal/orders"
	"github.com/taskilo/settlement/internal/syncutil"
)

var (
	ErrEscrowNotFound = errors.New("escrow: not found")
	ErrInvalidAmount  = errors.New("escrow: invalid amount")
	ErrEscrowClosed   = errors.New("escrow: already settled for this order")
	ErrAlreadyClaimed = errors.New("escrow: already claimed by another payout")
	ErrNotRefundable  = errors.New("escrow: not refundable from its current status")
	ErrNotReopenable  = errors.New("escrow: only released escrows can be reopened")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusPending   Status = "pending"   // Created, payment not yet confirmed
	StatusHeld      Status = "held"      // Funds held, clearing window running
	StatusAvailable Status = "available" // Cleared, eligible for payout
	StatusReleased  Status = "released"  // Disbursed to the provider
	StatusRefunded  Status = "refunded"  // Returned to the customer
)

// DefaultClearingWindow is the delay between order completion and fund
// availability when no window is configured.
const DefaultClearingWindow = 48 * time.Hour

// Escrow holds one completed order's payment until it clears for payout.
type Escrow struct {
	ID                string     `json:"id"`
	OrderID           string     `json:"orderId"`
	ProviderID        string     `json:"providerId"`
	GrossAmount       int64      `json:"grossAmount"`
	PlatformFeeAmount int64      `json:"platformFeeAmount"`
	ProviderAmount    int64      `json:"providerAmount"`
	Status            Status     `json:"status"`
	ClaimedBy         string     `json:"claimedBy,omitempty"` // PayoutRequest holding the reservation
	RefundReason      string     `json:"refundReason,omitempty"`
	HeldAt            time.Time  `json:"heldAt"`
	ClearingEndsAt    time.Time  `json:"clearingEndsAt"`
	ReleasedAt        *time.Time `json:"releasedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded:
		return true
	}
	return false
}

// Claimable reports whether the escrow can be reserved for a payout.
func (e *Escrow) Claimable() bool {
	return e.Status == StatusAvailable && e.ClaimedBy == ""
}

// Store persists escrow data. Reserve, Unclaim, Release and Reopen act on a
// set of escrows atomically: either every row transitions or none does.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	GetByOrder(ctx context.Context, orderID string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListByProvider(ctx context.Context, providerID string, limit int) ([]*Escrow, error)
	ListMatured(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
	ListAvailable(ctx context.Context, providerID string) ([]*Escrow, error)
	SumAvailable(ctx context.Context, providerID string) (int64, error)
	Reserve(ctx context.Context, escrowIDs []string, claimRef string) error
	Unclaim(ctx context.Context, escrowIDs []string, claimRef string) error
	Release(ctx context.Context, escrowIDs []string, claimRef string, releasedAt time.Time) error
	Reopen(ctx context.Context, escrowIDs []string) error
}

// Ledger implements the escrow lifecycle. It is the only component allowed
// to mutate escrow records.
type Ledger struct {
	store          Store
	orders         orders.Store
	clearingWindow time.Duration
	logger         *slog.Logger
	orderLocks     syncutil.ShardedMutex // serializes mutations per order
}

// NewLedger creates an escrow ledger.
func NewLedger(store Store, orderStore orders.Store, clearingWindow time.Duration, logger *slog.Logger) *Ledger {
	if clearingWindow <= 0 {
		clearingWindow = DefaultClearingWindow
	}
	return &Ledger{
		store:          store,
		orders:         orderStore,
		clearingWindow: clearingWindow,
		logger:         logger,
	}
}

// OpenOrUpdate holds a completed order's payment in escrow. The operation is
// idempotent per order: a second call with the same arguments leaves the
// existing escrow untouched, and amount corrections update the active escrow
// without resetting its status or clearing deadline.
func (l *Ledger) OpenOrUpdate(ctx context.Context, orderID, providerID string, grossAmount, feeAmount int64) (*Escrow, error) {
	if grossAmount < 0 || feeAmount < 0 || feeAmount > grossAmount {
		return nil, ErrInvalidAmount
	}

	unlock := l.orderLocks.Lock(orderID)
	defer unlock()

	existing, err := l.store.GetByOrder(ctx, orderID)
	if err != nil && !errors.Is(err, ErrEscrowNotFound) {
		return nil, err
	}

	now := time.Now()

	if existing != nil {
		if existing.IsTerminal() {
			return nil, ErrEscrowClosed
		}
		if existing.GrossAmount == grossAmount && existing.PlatformFeeAmount == feeAmount {
			// Duplicate completion call; nothing to write.
			return existing, nil
		}
		existing.GrossAmount = grossAmount
		existing.PlatformFeeAmount = feeAmount
		existing.ProviderAmount = grossAmount - feeAmount
		existing.UpdatedAt = now
		if err := l.store.Update(ctx, existing); err != nil {
			return nil, fmt.Errorf("escrow: update amounts for order %s: %w", orderID, err)
		}
		l.logger.Info("escrow amounts corrected",
			"escrowId", existing.ID, "orderId", orderID, "gross", grossAmount, "fee", feeAmount)
		return existing, nil
	}

	esc := &Escrow{
		ID:                idgen.WithPrefix("esc_"),
		OrderID:           orderID,
		ProviderID:        providerID,
		GrossAmount:       grossAmount,
		PlatformFeeAmount: feeAmount,
		ProviderAmount:    grossAmount - feeAmount,
		Status:            StatusHeld,
		HeldAt:            now,
		ClearingEndsAt:    now.Add(l.clearingWindow),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := l.store.Create(ctx, esc); err != nil {
		return nil, fmt.Errorf("escrow: create for order %s: %w", orderID, err)
	}

	metrics.EscrowsOpenedTotal.Inc()
	l.logger.Info("escrow opened",
		"escrowId", esc.ID, "orderId", orderID, "providerId", providerID,
		"gross", grossAmount, "fee", feeAmount, "clearingEndsAt", esc.ClearingEndsAt)
	return esc, nil
}

// MaturePending transitions held escrows whose clearing window has passed to
// available, and bumps the owning order's payout status the first time any
// of its escrows matures. Returns the number of escrows matured.
func (l *Ledger) MaturePending(ctx context.Context) (int, error) {
	now := time.Now()
	matured, err := l.store.ListMatured(ctx, now, 100)
	if err != nil {
		return 0, fmt.Errorf("escrow: list matured: %w", err)
	}

	count := 0
	for _, esc := range matured {
		if err := l.matureOne(ctx, esc, now); err != nil {
			l.logger.Warn("failed to mature escrow",
				"escrowId", esc.ID, "orderId", esc.OrderID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

func (l *Ledger) matureOne(ctx context.Context, esc *Escrow, now time.Time) error {
	unlock := l.orderLocks.Lock(esc.OrderID)
	defer unlock()

	// Re-read under lock; a concurrent refund may have settled it.
	fresh, err := l.store.Get(ctx, esc.ID)
	if err != nil {
		return err
	}
	if fresh.Status != StatusHeld {
		return nil
	}

	fresh.Status = StatusAvailable
	fresh.UpdatedAt = now
	if err := l.store.Update(ctx, fresh); err != nil {
		return err
	}

	metrics.EscrowsMaturedTotal.Inc()
	l.logger.Info("escrow matured",
		"escrowId", fresh.ID, "orderId", fresh.OrderID, "amount", fresh.ProviderAmount)

	// Advancing an already-advanced order is a no-op, so this is safe to
	// repeat for every matured escrow of the same order.
	if err := l.advanceOrderPayout(ctx, fresh.OrderID, orders.PayoutAvailable); err != nil {
		l.logger.Warn("failed to mark order available for payout",
			"orderId", fresh.OrderID, "error", err)
	}
	return nil
}

// ReserveForPayout claims a set of available escrows for the given payout
// request. Fails with ErrAlreadyClaimed if any escrow is not free; on
// failure no escrow is claimed.
func (l *Ledger) ReserveForPayout(ctx context.Context, escrowIDs []string, claimRef string) error {
	if len(escrowIDs) == 0 {
		return ErrEscrowNotFound
	}
	if err := l.store.Reserve(ctx, escrowIDs, claimRef); err != nil {
		return err
	}
	l.logger.Info("escrows reserved for payout", "payoutRequestId", claimRef, "count", len(escrowIDs))
	return nil
}

// Finalize settles a reservation: on success the escrows are released, on
// failure the claim is dropped and the escrows return to available. Only
// the claiming payout request may finalize its own reservation.
func (l *Ledger) Finalize(ctx context.Context, escrowIDs []string, claimRef string, success bool) error {
	if success {
		now := time.Now()
		if err := l.store.Release(ctx, escrowIDs, claimRef, now); err != nil {
			return fmt.Errorf("escrow: release: %w", err)
		}
		l.logger.Info("escrows released", "payoutRequestId", claimRef, "count", len(escrowIDs))
		return nil
	}
	if err := l.store.Unclaim(ctx, escrowIDs, claimRef); err != nil {
		return fmt.Errorf("escrow: unclaim: %w", err)
	}
	l.logger.Info("escrow claims released after failed payout",
		"payoutRequestId", claimRef, "count", len(escrowIDs))
	return nil
}

// Reopen is the compensating transition for payouts the processor reports
// failed after submission: released escrows move back to available. Every
// reopen is logged; money state never changes silently.
func (l *Ledger) Reopen(ctx context.Context, escrowIDs []string, reason string) error {
	if err := l.store.Reopen(ctx, escrowIDs); err != nil {
		return fmt.Errorf("escrow: reopen: %w", err)
	}
	metrics.EscrowsReopenedTotal.Add(float64(len(escrowIDs)))
	l.logger.Warn("escrows reopened by compensating transition",
		"escrowIds", escrowIDs, "reason", reason)
	return nil
}

// Refund returns a held or available escrow to the customer. Claimed
// escrows cannot be refunded until their payout attempt resolves.
func (l *Ledger) Refund(ctx context.Context, escrowID, reason string) (*Escrow, error) {
	esc, err := l.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	unlock := l.orderLocks.Lock(esc.OrderID)
	defer unlock()

	// Re-read under lock to avoid racing a concurrent transition.
	esc, err = l.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	if esc.Status != StatusHeld && esc.Status != StatusAvailable {
		return nil, ErrNotRefundable
	}
	if esc.ClaimedBy != "" {
		return nil, ErrAlreadyClaimed
	}

	wasAvailable := esc.Status == StatusAvailable
	now := time.Now()
	esc.Status = StatusRefunded
	esc.RefundReason = reason
	esc.UpdatedAt = now
	if err := l.store.Update(ctx, esc); err != nil {
		return nil, fmt.Errorf("escrow: refund %s: %w", escrowID, err)
	}

	metrics.EscrowsRefundedTotal.Inc()
	l.logger.Info("escrow refunded",
		"escrowId", esc.ID, "orderId", esc.OrderID, "amount", esc.GrossAmount, "reason", reason)

	// The order no longer has funds travelling toward the provider.
	if wasAvailable {
		if err := l.revertOrderPayout(ctx, esc.OrderID, orders.PayoutNone, "escrow refunded"); err != nil {
			l.logger.Warn("failed to revert order payout status after refund",
				"orderId", esc.OrderID, "error", err)
		}
	}
	return esc, nil
}

// Get returns an escrow by ID.
func (l *Ledger) Get(ctx context.Context, id string) (*Escrow, error) {
	return l.store.Get(ctx, id)
}

// GetByOrder returns the escrow for an order.
func (l *Ledger) GetByOrder(ctx context.Context, orderID string) (*Escrow, error) {
	return l.store.GetByOrder(ctx, orderID)
}

// ListByProvider returns escrows for a provider, newest first.
func (l *Ledger) ListByProvider(ctx context.Context, providerID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListByProvider(ctx, providerID, limit)
}

// AvailableForProvider returns the provider's payable escrows.
func (l *Ledger) AvailableForProvider(ctx context.Context, providerID string) ([]*Escrow, error) {
	return l.store.ListAvailable(ctx, providerID)
}

// SumAvailable returns the provider's total payable amount in minor units.
func (l *Ledger) SumAvailable(ctx context.Context, providerID string) (int64, error) {
	return l.store.SumAvailable(ctx, providerID)
}

func (l *Ledger) advanceOrderPayout(ctx context.Context, orderID string, status orders.PayoutStatus) error {
	order, err := l.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if err := order.AdvancePayoutStatus(status); err != nil {
		return err
	}
	order.UpdatedAt = time.Now()
	return l.orders.Update(ctx, order)
}

func (l *Ledger) revertOrderPayout(ctx context.Context, orderID string, status orders.PayoutStatus, reason string) error {
	order, err := l.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if err := order.RevertPayoutStatus(status); err != nil {
		return err
	}
	order.UpdatedAt = time.Now()
	if err := l.orders.Update(ctx, order); err != nil {
		return err
	}
	l.logger.Warn("order payout status reverted",
		"orderId", orderID, "to", string(status), "reason", reason)
	return nil
}
