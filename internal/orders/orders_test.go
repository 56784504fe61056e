package orders

import (
	"testing"
)

func TestAdvancePayoutStatus_Forward(t *testing.T) {
	o := &Order{PayoutStatus: PayoutNone}

	for _, next := range []PayoutStatus{PayoutAvailable, PayoutRequested, PayoutPaidOut} {
		if err := o.AdvancePayoutStatus(next); err != nil {
			t.Fatalf("advance to %s failed: %v", next, err)
		}
		if o.PayoutStatus != next {
			t.Fatalf("expected %s, got %s", next, o.PayoutStatus)
		}
	}
}

func TestAdvancePayoutStatus_SameIsNoop(t *testing.T) {
	o := &Order{PayoutStatus: PayoutRequested}
	if err := o.AdvancePayoutStatus(PayoutRequested); err != nil {
		t.Fatalf("re-setting the same status should succeed: %v", err)
	}
}

func TestAdvancePayoutStatus_NoRegression(t *testing.T) {
	o := &Order{PayoutStatus: PayoutRequested}
	if err := o.AdvancePayoutStatus(PayoutAvailable); err != ErrStatusRegression {
		t.Fatalf("expected ErrStatusRegression, got %v", err)
	}
	if o.PayoutStatus != PayoutRequested {
		t.Fatalf("status mutated on failed advance: %s", o.PayoutStatus)
	}
}

func TestAdvancePayoutStatus_Unknown(t *testing.T) {
	o := &Order{PayoutStatus: PayoutNone}
	if err := o.AdvancePayoutStatus(PayoutStatus("frozen")); err != ErrUnknownPayoutState {
		t.Fatalf("expected ErrUnknownPayoutState, got %v", err)
	}
}

func TestRevertPayoutStatus(t *testing.T) {
	o := &Order{PayoutStatus: PayoutRequested}
	if err := o.RevertPayoutStatus(PayoutAvailable); err != nil {
		t.Fatalf("compensating revert failed: %v", err)
	}
	if o.PayoutStatus != PayoutAvailable {
		t.Fatalf("expected available_for_payout, got %s", o.PayoutStatus)
	}

	if err := o.RevertPayoutStatus(PayoutStatus("bogus")); err != ErrUnknownPayoutState {
		t.Fatalf("expected ErrUnknownPayoutState, got %v", err)
	}
}

func TestCanComplete(t *testing.T) {
	for status, want := range map[Status]bool{
		StatusConfirmed:  true,
		StatusInProgress: true,
		StatusCompleted:  true, // idempotent completion
		StatusCancelled:  false,
	} {
		o := &Order{Status: status}
		if got := o.CanComplete(); got != want {
			t.Errorf("CanComplete for %s: got %v, want %v", status, got, want)
		}
	}
}
