// Package orders holds the slice of the order record the settlement core
// reads and writes. The order store itself is owned by the intake side of
// the platform; this package only touches status, payout status and the
// settlement-relevant amounts.
package orders

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOrderNotFound      = errors.New("orders: not found")
	ErrStatusRegression   = errors.New("orders: payout status may not move backward")
	ErrNotCompletable     = errors.New("orders: order cannot be completed from its current status")
	ErrUnknownPayoutState = errors.New("orders: unknown payout status")
)

// Status is the order lifecycle state.
type Status string

const (
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// PayoutStatus tracks how far the order's funds have travelled toward the
// provider. It only ever advances; the single exception is the explicit
// compensating revert after a failed payout.
type PayoutStatus string

const (
	PayoutNone      PayoutStatus = "none"
	PayoutAvailable PayoutStatus = "available_for_payout"
	PayoutRequested PayoutStatus = "payout_requested"
	PayoutPaidOut   PayoutStatus = "paid_out"
)

// payoutRank orders payout statuses along their one-way track.
var payoutRank = map[PayoutStatus]int{
	PayoutNone:      0,
	PayoutAvailable: 1,
	PayoutRequested: 2,
	PayoutPaidOut:   3,
}

// Order is the settlement view of an order record.
type Order struct {
	ID              string       `json:"id"`
	Status          Status       `json:"status"`
	PayoutStatus    PayoutStatus `json:"payoutStatus"`
	TotalAmount     int64        `json:"totalAmount"` // minor units
	ProviderID      string       `json:"providerId"`
	CustomerID      string       `json:"customerId"`
	PaymentIntentID string       `json:"paymentIntentId,omitempty"`
	CompletedAt     *time.Time   `json:"completedAt,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// CanComplete reports whether the order may transition to completed.
// Completing an already-completed order is allowed so the completion
// endpoint stays idempotent under duplicate delivery.
func (o *Order) CanComplete() bool {
	switch o.Status {
	case StatusConfirmed, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// AdvancePayoutStatus moves the payout status forward. Setting the same
// status again is a no-op; moving backward fails.
func (o *Order) AdvancePayoutStatus(next PayoutStatus) error {
	nextRank, ok := payoutRank[next]
	if !ok {
		return ErrUnknownPayoutState
	}
	curRank, ok := payoutRank[o.PayoutStatus]
	if !ok {
		return ErrUnknownPayoutState
	}
	if nextRank < curRank {
		return ErrStatusRegression
	}
	o.PayoutStatus = next
	return nil
}

// RevertPayoutStatus is the explicit compensating transition used when an
// external payout fails after submission. Callers must log the reversal.
func (o *Order) RevertPayoutStatus(to PayoutStatus) error {
	if _, ok := payoutRank[to]; !ok {
		return ErrUnknownPayoutState
	}
	o.PayoutStatus = to
	return nil
}

// Store persists order records.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	ListByProvider(ctx context.Context, providerID string, limit int) ([]*Order, error)
}
