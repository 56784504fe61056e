package payouts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/taskilo/settlement/internal/escrow"
	"github.com/taskilo/settlement/internal/fees"
	"github.com/taskilo/settlement/internal/orders"
	"github.com/taskilo/settlement/internal/processor"
)

// mockGateway is a scriptable processor gateway.
type mockGateway struct {
	mu        sync.Mutex
	calls     []string // idempotency keys seen
	metadata  []map[string]string
	submitErr error
	status    string
	balance   *processor.Balance
}

func (m *mockGateway) CreatePayout(ctx context.Context, accountID string, amount int64, currency string, method processor.PayoutMethod, idempotencyKey string, metadata map[string]string) (*processor.PayoutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, idempotencyKey)
	m.metadata = append(m.metadata, metadata)
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	status := m.status
	if status == "" {
		status = "in_transit"
	}
	return &processor.PayoutResult{
		ExternalID: fmt.Sprintf("ext_%d", len(m.calls)),
		Status:     status,
	}, nil
}

func (m *mockGateway) AccountBalance(ctx context.Context, accountID string) (*processor.Balance, error) {
	if m.balance == nil {
		return &processor.Balance{Currency: "usd"}, nil
	}
	return m.balance, nil
}

func (m *mockGateway) VerifyWebhook(payload []byte, signature string) (*processor.Event, error) {
	return nil, processor.ErrBadWebhook
}

type fixture struct {
	service    *Service
	store      *MemoryStore
	ledger     *escrow.Ledger
	orderStore *orders.MemoryStore
	gateway    *mockGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orderStore := orders.NewMemoryStore()
	ledger := escrow.NewLedger(escrow.NewMemoryStore(), orderStore, time.Millisecond, logger)
	calc, err := fees.New(350, 450)
	if err != nil {
		t.Fatalf("calculator: %v", err)
	}
	gateway := &mockGateway{}
	store := NewMemoryStore()
	service := NewService(store, ledger, orderStore, gateway, calc, "usd", logger)
	return &fixture{
		service:    service,
		store:      store,
		ledger:     ledger,
		orderStore: orderStore,
		gateway:    gateway,
	}
}

// seedAvailable creates a completed order whose escrow has cleared.
func (f *fixture) seedAvailable(t *testing.T, orderID, providerID string, gross int64) *escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	o := &orders.Order{
		ID:           orderID,
		Status:       orders.StatusCompleted,
		PayoutStatus: orders.PayoutNone,
		TotalAmount:  gross,
		ProviderID:   providerID,
		CustomerID:   "cust_1",
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := f.orderStore.Create(ctx, o); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	esc, err := f.ledger.OpenOrUpdate(ctx, orderID, providerID, gross, gross*350/10000)
	if err != nil {
		t.Fatalf("open escrow: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := f.ledger.MaturePending(ctx); err != nil {
		t.Fatalf("mature: %v", err)
	}
	return esc
}

func TestQuotePayout(t *testing.T) {
	f := newFixture(t)
	f.seedAvailable(t, "order_1", "prov_1", 10000) // 9650 net of platform fee
	ctx := context.Background()

	standard, err := f.service.QuotePayout(ctx, "prov_1", fees.MethodStandard)
	if err != nil {
		t.Fatalf("standard quote: %v", err)
	}
	if standard.GrossAmount != 9650 || standard.FeeAmount != 0 || standard.NetAmount != 9650 {
		t.Fatalf("standard quote wrong: %+v", standard)
	}

	express, err := f.service.QuotePayout(ctx, "prov_1", fees.MethodExpress)
	if err != nil {
		t.Fatalf("express quote: %v", err)
	}
	// 4.5% of 9650 = 434.25, rounds half-up to 434
	if express.FeeAmount != 434 || express.NetAmount != 9216 {
		t.Fatalf("express quote wrong: fee=%d net=%d", express.FeeAmount, express.NetAmount)
	}

	if _, err := f.service.QuotePayout(ctx, "prov_1", fees.Method("carrier_pigeon")); !errors.Is(err, ErrInvalidMethod) {
		t.Fatalf("expected ErrInvalidMethod, got %v", err)
	}
}

func TestQuoteOptions(t *testing.T) {
	f := newFixture(t)
	f.seedAvailable(t, "order_1", "prov_1", 10000) // 9650 net of platform fee
	before := time.Now()

	set, err := f.service.QuoteOptions(context.Background(), "prov_1")
	if err != nil {
		t.Fatalf("quote options: %v", err)
	}

	if set.GrossAmount != 9650 || set.EscrowCount != 1 {
		t.Fatalf("wrong totals: gross=%d count=%d", set.GrossAmount, set.EscrowCount)
	}
	if len(set.Options) != 2 {
		t.Fatalf("expected a quote per method, got %d", len(set.Options))
	}

	standard, express := set.Options[0], set.Options[1]
	if standard.Method != fees.MethodStandard || express.Method != fees.MethodExpress {
		t.Fatalf("options out of order: %s, %s", standard.Method, express.Method)
	}
	if standard.FeeAmount != 0 || standard.FeePercentage != 0 || standard.NetAmount != 9650 {
		t.Fatalf("standard option wrong: %+v", standard)
	}
	if express.FeeAmount != 434 || express.FeePercentage != 4.5 || express.NetAmount != 9216 {
		t.Fatalf("express option wrong: %+v", express)
	}

	// Express lands within the hour; standard takes business days.
	if express.EstimatedArrival.After(before.Add(time.Hour + time.Minute)) {
		t.Fatalf("express arrival too far out: %s", express.EstimatedArrival)
	}
	if !standard.EstimatedArrival.After(express.EstimatedArrival) {
		t.Fatal("standard payout should not arrive before express")
	}
}

func TestAddBusinessDays(t *testing.T) {
	// Friday 2026-01-02: three business days later is Wednesday.
	friday := time.Date(2026, time.January, 2, 12, 0, 0, 0, time.UTC)
	got := addBusinessDays(friday, 3)
	want := time.Date(2026, time.January, 7, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}

	// Monday plus three business days stays within the week.
	monday := time.Date(2026, time.January, 5, 9, 0, 0, 0, time.UTC)
	if got := addBusinessDays(monday, 3); got.Weekday() != time.Thursday {
		t.Fatalf("expected Thursday, got %s", got.Weekday())
	}
}

func TestRequestPayout_Standard(t *testing.T) {
	f := newFixture(t)
	esc := f.seedAvailable(t, "order_1", "prov_1", 10000)
	ctx := context.Background()

	req, err := f.service.RequestPayout(ctx, "prov_1", "acct_1", fees.MethodStandard)
	if err != nil {
		t.Fatalf("request payout: %v", err)
	}

	if req.Status != StatusInTransit {
		t.Fatalf("expected in_transit, got %s", req.Status)
	}
	if req.NetAmount != 9650 || req.FeeAmount != 0 {
		t.Fatalf("wrong amounts: net=%d fee=%d", req.NetAmount, req.FeeAmount)
	}
	if req.ExternalPayoutID == "" {
		t.Fatal("external payout ID not recorded")
	}
	if req.EstimatedArrival == nil {
		t.Fatal("estimated arrival not recorded on confirmed submission")
	}
	if len(f.gateway.calls) != 1 || f.gateway.calls[0] != "payout_"+req.ID {
		t.Fatalf("idempotency key not derived from request ID: %v", f.gateway.calls)
	}
	if got := f.gateway.metadata[0][processor.MetadataRequestID]; got != req.ID {
		t.Fatalf("request ID not attached as payout metadata: %q", got)
	}

	// Confirmed submission releases the claimed escrow right away.
	released, _ := f.ledger.Get(ctx, esc.ID)
	if released.Status != escrow.StatusReleased {
		t.Fatalf("escrow not released on confirmed submission: %s", released.Status)
	}
	if released.ClaimedBy != req.ID {
		t.Fatalf("escrow claim lost: %q", released.ClaimedBy)
	}

	order, _ := f.orderStore.Get(ctx, "order_1")
	if order.PayoutStatus != orders.PayoutRequested {
		t.Fatalf("order not marked payout_requested: %s", order.PayoutStatus)
	}
}

func TestRequestPayout_NoFunds(t *testing.T) {
	f := newFixture(t)

	if _, err := f.service.RequestPayout(context.Background(), "prov_1", "", fees.MethodStandard); !errors.Is(err, ErrNoFundsAvailable) {
		t.Fatalf("expected ErrNoFundsAvailable, got %v", err)
	}
	if len(f.gateway.calls) != 0 {
		t.Fatal("gateway called with no funds to pay")
	}
}

func TestRequestPayout_SingleInFlight(t *testing.T) {
	f := newFixture(t)
	f.seedAvailable(t, "order_1", "prov_1", 10000)
	ctx := context.Background()

	if _, err := f.service.RequestPayout(ctx, "prov_1", "", fees.MethodStandard); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := f.service.RequestPayout(ctx, "prov_1", "", fees.MethodStandard); !errors.Is(err, ErrPayoutInProgress) {
		t.Fatalf("expected ErrPayoutInProgress, got %v", err)
	}
	if len(f.gateway.calls) != 1 {
		t.Fatalf("expected a single gateway submission, got %d", len(f.gateway.calls))
	}
}

func TestRequestPayout_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	f.seedAvailable(t, "order_1", "prov_1", 10000)

	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.RequestPayout(context.Background(), "prov_1", "", fees.MethodStandard)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, rejected int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrPayoutInProgress), errors.Is(err, ErrNoFundsAvailable), errors.Is(err, escrow.ErrAlreadyClaimed):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one winner, got %d", succeeded)
	}
	if len(f.gateway.calls) != 1 {
		t.Fatalf("funds submitted more than once: %d calls", len(f.gateway.calls))
	}
}

func TestRequestPayout_PermanentRejection(t *testing.T) {
	f := newFixture(t)
	esc := f.seedAvailable(t, "order_1", "prov_1", 10000)
	f.gateway.submitErr = errors.Join(processor.ErrPermanent, errors.New("account disabled"))
	ctx := context.Background()

	_, err := f.service.RequestPayout(ctx, "prov_1", "", fees.MethodStandard)
	if !errors.Is(err, ErrPayoutRejected) {
		t.Fatalf("expected ErrPayoutRejected, got %v", err)
	}

	// Funds return to the pool and the order rolls back.
	fresh, _ := f.ledger.Get(ctx, esc.ID)
	if fresh.Status != escrow.StatusAvailable || fresh.ClaimedBy != "" {
		t.Fatalf("escrow not returned: status=%s claimedBy=%q", fresh.Status, fresh.ClaimedBy)
	}
	order, _ := f.orderStore.Get(ctx, "order_1")
	if order.PayoutStatus != orders.PayoutAvailable {
		t.Fatalf("order not reverted: %s", order.PayoutStatus)
	}

	// A fresh request can now succeed.
	f.gateway.submitErr = nil
	if _, err := f.service.RequestPayout(ctx, "prov_1", "", fees.MethodStandard); err != nil {
		t.Fatalf("retry after rejection: %v", err)
	}
}

func TestRequestPayout_TransientKeepsClaim(t *testing.T) {
	f := newFixture(t)
	esc := f.seedAvailable(t, "order_1", "prov_1", 10000)
	f.gateway.submitErr = errors.Join(processor.ErrTransient, errors.New("gateway timeout"))
	ctx := context.Background()

	req, err := f.service.RequestPayout(ctx, "prov_1", "", fees.MethodStandard)
	if err != nil {
		t.Fatalf("transient submission should not error: %v", err)
	}
	if req.Status != StatusSubmitted {
		t.Fatalf("expected submitted, got %s", req.Status)
	}
	if req.ExternalPayoutID != "" {
		t.Fatal("no external ID should be recorded on an unknown outcome")
	}

	// The claim holds; funds must not be double-spendable while the
	// outcome is unknown.
	claimed, _ := f.ledger.Get(ctx, esc.ID)
	if claimed.ClaimedBy != req.ID {
		t.Fatalf("claim dropped on unknown outcome: %q", claimed.ClaimedBy)
	}
	if _, err := f.service.RequestPayout(ctx, "prov_1", "", fees.MethodStandard); !errors.Is(err, ErrPayoutInProgress) {
		t.Fatalf("second payout allowed during unknown outcome: %v", err)
	}
}

func TestHandleEvent_Paid(t *testing.T) {
	f := newFixture(t)
	esc := f.seedAvailable(t, "order_1", "prov_1", 10000)
	ctx := context.Background()

	req, err := f.service.RequestPayout(ctx, "prov_1", "", fees.MethodStandard)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	event := &processor.Event{
		ID:               "evt_1",
		Type:             "payout.paid",
		ExternalPayoutID: req.ExternalPayoutID,
	}
	if err := f.service.HandleEvent(ctx, event); err != nil {
		t.Fatalf("handle paid: %v", err)
	}

	resolved, _ := f.service.Get(ctx, req.ID)
	if resolved.Status != StatusPaid {
		t.Fatalf("expected paid, got %s", resolved.Status)
	}
	if resolved.ResolvedAt == nil {
		t.Fatal("ResolvedAt not set")
	}

	released, _ := f.ledger.Get(ctx, esc.ID)
	if released.Status != escrow.StatusReleased {
		t.Fatalf("escrow not released: %s", released.Status)
	}
	order, _ := f.orderStore.Get(ctx, "order_1")
	if order.PayoutStatus != orders.PayoutPaidOut {
		t.Fatalf("order not paid_out: %s", order.PayoutStatus)
	}

	// Replay is a no-op.
	if err := f.service.HandleEvent(ctx, event); err != nil {
		t.Fatalf("replayed event errored: %v", err)
	}
}

func TestHandleEvent_FailedBeforePaid(t *testing.T) {
	f := newFixture(t)
	esc := f.seedAvailable(t, "order_1", "prov_1", 10000)
	ctx := context.Background()

	req, _ := f.service.RequestPayout(ctx, "prov_1", "", fees.MethodStandard)

	err := f.service.HandleEvent(ctx, &processor.Event{
		ID:               "evt_1",
		Type:             "payout.failed",
		ExternalPayoutID: req.ExternalPayoutID,
		FailureMessage:   "bank account closed",
	})
	if err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	resolved, _ := f.service.Get(ctx, req.ID)
	if resolved.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", resolved.Status)
	}
	if resolved.FailureReason != "bank account closed" {
		t.Fatalf("failure reason lost: %q", resolved.FailureReason)
	}

	// Claims dropped, funds payable again, order rolled back.
	fresh, _ := f.ledger.Get(ctx, esc.ID)
	if fresh.Status != escrow.StatusAvailable || fresh.ClaimedBy != "" {
		t.Fatalf("escrow not returned: status=%s claimedBy=%q", fresh.Status, fresh.ClaimedBy)
	}
	order, _ := f.orderStore.Get(ctx, "order_1")
	if order.PayoutStatus != orders.PayoutAvailable {
		t.Fatalf("order not reverted: %s", order.PayoutStatus)
	}
}

func TestHandleEvent_FailedAfterPaid(t *testing.T) {
	f := newFixture(t)
	esc := f.seedAvailable(t, "order_1", "prov_1", 10000)
	ctx := context.Background()

	req, _ := f.service.RequestPayout(ctx, "prov_1", "", fees.MethodStandard)
	_ = f.service.HandleEvent(ctx, &processor.Event{
		ID: "evt_1", Type: "payout.paid", ExternalPayoutID: req.ExternalPayoutID,
	})

	// The processor reverses a payout it previously reported paid.
	err := f.service.HandleEvent(ctx, &processor.Event{
		ID:               "evt_2",
		Type:             "payout.failed",
		ExternalPayoutID: req.ExternalPayoutID,
		FailureMessage:   "payout returned",
	})
	if err != nil {
		t.Fatalf("handle reversal: %v", err)
	}

	resolved, _ := f.service.Get(ctx, req.ID)
	if resolved.Status != StatusFailed {
		t.Fatalf("expected failed after reversal, got %s", resolved.Status)
	}

	// Released escrows reopen so the funds are payable again.
	reopened, _ := f.ledger.Get(ctx, esc.ID)
	if reopened.Status != escrow.StatusAvailable {
		t.Fatalf("escrow not reopened: %s", reopened.Status)
	}
}

func TestHandleEvent_UnknownExternalID(t *testing.T) {
	f := newFixture(t)

	err := f.service.HandleEvent(context.Background(), &processor.Event{
		ID: "evt_1", Type: "payout.paid", ExternalPayoutID: "ext_ghost",
	})
	if !errors.Is(err, ErrUnknownExternalID) {
		t.Fatalf("expected ErrUnknownExternalID, got %v", err)
	}
}

func TestHandleEvent_MatchesByRequestID(t *testing.T) {
	f := newFixture(t)
	esc := f.seedAvailable(t, "order_1", "prov_1", 10000)
	f.gateway.submitErr = errors.Join(processor.ErrTransient, errors.New("gateway timeout"))
	ctx := context.Background()

	// The acknowledgement was lost, so the request knows no external ID.
	req, err := f.service.RequestPayout(ctx, "prov_1", "", fees.MethodStandard)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.ExternalPayoutID != "" {
		t.Fatal("external ID recorded despite unknown outcome")
	}

	// The processor did accept the payout; its webhook carries the request
	// ID as metadata alongside the external ID we never saw.
	err = f.service.HandleEvent(ctx, &processor.Event{
		ID:               "evt_1",
		Type:             "payout.paid",
		ExternalPayoutID: "ext_recovered",
		RequestID:        req.ID,
	})
	if err != nil {
		t.Fatalf("handle paid by request ID: %v", err)
	}

	resolved, _ := f.service.Get(ctx, req.ID)
	if resolved.Status != StatusPaid {
		t.Fatalf("expected paid, got %s", resolved.Status)
	}
	if resolved.ExternalPayoutID != "ext_recovered" {
		t.Fatalf("external ID not learned from the webhook: %q", resolved.ExternalPayoutID)
	}

	released, _ := f.ledger.Get(ctx, esc.ID)
	if released.Status != escrow.StatusReleased {
		t.Fatalf("escrow not released: %s", released.Status)
	}
	order, _ := f.orderStore.Get(ctx, "order_1")
	if order.PayoutStatus != orders.PayoutPaidOut {
		t.Fatalf("order not paid_out: %s", order.PayoutStatus)
	}

	// The provider is no longer blocked on the parked request.
	f.gateway.submitErr = nil
	f.seedAvailable(t, "order_2", "prov_1", 5000)
	if _, err := f.service.RequestPayout(ctx, "prov_1", "", fees.MethodStandard); err != nil {
		t.Fatalf("new payout after recovery: %v", err)
	}
}

func TestAdvanceStatus(t *testing.T) {
	r := &Request{Status: StatusPending}
	for _, next := range []Status{StatusSubmitted, StatusInTransit, StatusPaid} {
		if err := r.AdvanceStatus(next); err != nil {
			t.Fatalf("advance to %s: %v", next, err)
		}
	}
	if err := r.AdvanceStatus(StatusFailed); !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("terminal state crossed: %v", err)
	}
	if err := r.AdvanceStatus(StatusPaid); err != nil {
		t.Fatalf("re-setting terminal status should be a no-op: %v", err)
	}

	r2 := &Request{Status: StatusInTransit}
	if err := r2.AdvanceStatus(StatusPending); !errors.Is(err, ErrStatusRegression) {
		t.Fatalf("backward move allowed: %v", err)
	}
}
