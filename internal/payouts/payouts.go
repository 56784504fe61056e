// Package payouts orchestrates provider payouts end to end: quoting the
// payable balance, claiming escrows, submitting the transfer to the payment
// processor and resolving the outcome from processor webhooks.
//
// A payout request's status only moves forward. The compensating path for a
// payout the processor reports failed runs through explicit, logged
// transitions; nothing is corrected silently.
package payouts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskilo/settlement/internal/escrow"
	"github.com/taskilo/settlement/internal/fees"
	"github.com/taskilo/settlement/internal/idgen"
	"github.com/taskilo/settlement/internal/metrics"
	"github.com/taskilo/settlement/internal/orders"
	"github.com/taskilo/settlement/internal/processor"
	"github.com/taskilo/settlement/internal/syncutil"
)

var (
	ErrRequestNotFound   = errors.New("payouts: request not found")
	ErrNoFundsAvailable  = errors.New("payouts: no funds available for payout")
	ErrPayoutInProgress  = errors.New("payouts: a payout is already in flight for this provider")
	ErrPayoutRejected    = errors.New("payouts: processor rejected the payout")
	ErrInvalidMethod     = errors.New("payouts: unknown payout method")
	ErrStatusRegression  = errors.New("payouts: status may not move backward")
	ErrUnknownExternalID = errors.New("payouts: no request matches the external payout")
)

// Status is the payout request lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"    // Created, not yet submitted
	StatusSubmitted Status = "submitted"  // Sent to the processor, outcome unknown
	StatusInTransit Status = "in_transit" // Processor confirmed, funds moving
	StatusPaid      Status = "paid"       // Funds arrived
	StatusFailed    Status = "failed"     // Processor reported failure
	StatusCanceled  Status = "canceled"   // Withdrawn before funds moved
)

// statusRank orders payout statuses along their one-way track. The three
// terminal states share a rank; a request reaches exactly one of them.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSubmitted: 1,
	StatusInTransit: 2,
	StatusPaid:      3,
	StatusFailed:    3,
	StatusCanceled:  3,
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusFailed || s == StatusCanceled
}

// Request is one provider payout attempt.
type Request struct {
	ID               string      `json:"id"`
	ProviderID       string      `json:"providerId"`
	AccountID        string      `json:"accountId"`
	Method           fees.Method `json:"method"`
	GrossAmount      int64       `json:"grossAmount"` // sum of claimed escrow provider amounts
	FeeAmount        int64       `json:"feeAmount"`   // express surcharge, zero for standard
	NetAmount        int64       `json:"netAmount"`   // what the provider receives
	Currency         string      `json:"currency"`
	Status           Status      `json:"status"`
	EscrowIDs        []string    `json:"escrowIds"`
	ExternalPayoutID string      `json:"externalPayoutId,omitempty"`
	FailureReason    string      `json:"failureReason,omitempty"`
	EstimatedArrival *time.Time  `json:"estimatedArrival,omitempty"`
	SubmittedAt      *time.Time  `json:"submittedAt,omitempty"`
	ResolvedAt       *time.Time  `json:"resolvedAt,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// AdvanceStatus moves the request status forward. Setting the same status
// again is a no-op; moving backward or across terminal states fails.
func (r *Request) AdvanceStatus(next Status) error {
	nextRank, ok := statusRank[next]
	if !ok {
		return ErrStatusRegression
	}
	curRank := statusRank[r.Status]
	if r.Status.Terminal() && next != r.Status {
		return ErrStatusRegression
	}
	if nextRank < curRank {
		return ErrStatusRegression
	}
	r.Status = next
	return nil
}

// Quote is the provider's payable balance for one payout method.
type Quote struct {
	ProviderID       string      `json:"providerId"`
	Method           fees.Method `json:"method"`
	GrossAmount      int64       `json:"grossAmount"`
	FeeAmount        int64       `json:"feeAmount"`
	FeePercentage    float64     `json:"feePercentage"`
	NetAmount        int64       `json:"netAmount"`
	Currency         string      `json:"currency"`
	EscrowCount      int         `json:"escrowCount"`
	EstimatedArrival time.Time   `json:"estimatedArrival"`
}

// QuoteSet is the payable balance quoted for every payout method.
type QuoteSet struct {
	ProviderID  string   `json:"providerId"`
	GrossAmount int64    `json:"grossAmount"`
	Currency    string   `json:"currency"`
	EscrowCount int      `json:"escrowCount"`
	Options     []*Quote `json:"options"`
}

// Arrival estimates. Instant payouts typically land within the hour;
// standard bank transfers settle in a few business days.
const (
	expressArrivalDelay         = time.Hour
	standardArrivalBusinessDays = 3
)

func estimatedArrival(method fees.Method, from time.Time) time.Time {
	if method == fees.MethodExpress {
		return from.Add(expressArrivalDelay)
	}
	return addBusinessDays(from, standardArrivalBusinessDays)
}

func addBusinessDays(t time.Time, days int) time.Time {
	for days > 0 {
		t = t.AddDate(0, 0, 1)
		if wd := t.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days--
		}
	}
	return t
}

// Store persists payout requests.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	GetByExternalID(ctx context.Context, externalID string) (*Request, error)
	GetActiveByProvider(ctx context.Context, providerID string) (*Request, error)
	Update(ctx context.Context, r *Request) error
	ListByProvider(ctx context.Context, providerID string, limit int) ([]*Request, error)
}

// Service orchestrates payout requests.
type Service struct {
	store    Store
	ledger   *escrow.Ledger
	orders   orders.Store
	gateway  processor.Gateway
	calc     *fees.Calculator
	currency string
	logger   *slog.Logger
	locks    *syncutil.ContextShardedMutex // serializes payout creation per provider
}

// NewService creates a payout service.
func NewService(store Store, ledger *escrow.Ledger, orderStore orders.Store, gateway processor.Gateway, calc *fees.Calculator, currency string, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		ledger:   ledger,
		orders:   orderStore,
		gateway:  gateway,
		calc:     calc,
		currency: currency,
		logger:   logger,
		locks:    syncutil.NewContextShardedMutex(),
	}
}

// QuotePayout returns what the provider would receive for one method
// without moving any money.
func (s *Service) QuotePayout(ctx context.Context, providerID string, method fees.Method) (*Quote, error) {
	if !method.Valid() {
		return nil, ErrInvalidMethod
	}

	available, err := s.ledger.AvailableForProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}

	var gross int64
	for _, e := range available {
		gross += e.ProviderAmount
	}
	return s.quoteFor(providerID, method, gross, len(available))
}

// QuoteOptions returns the provider's payable balance quoted for every
// payout method, so callers can compare fees and arrival times.
func (s *Service) QuoteOptions(ctx context.Context, providerID string) (*QuoteSet, error) {
	available, err := s.ledger.AvailableForProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}

	var gross int64
	for _, e := range available {
		gross += e.ProviderAmount
	}

	set := &QuoteSet{
		ProviderID:  providerID,
		GrossAmount: gross,
		Currency:    s.currency,
		EscrowCount: len(available),
	}
	for _, method := range []fees.Method{fees.MethodStandard, fees.MethodExpress} {
		q, err := s.quoteFor(providerID, method, gross, len(available))
		if err != nil {
			return nil, err
		}
		set.Options = append(set.Options, q)
	}
	return set, nil
}

// FeePercentage returns the payout fee rate for the method in percent.
func (s *Service) FeePercentage(method fees.Method) float64 {
	if method == fees.MethodExpress {
		return float64(s.calc.ExpressFeeBPS()) / 100
	}
	return 0
}

func (s *Service) quoteFor(providerID string, method fees.Method, gross int64, count int) (*Quote, error) {
	fee, err := s.calc.PayoutFee(gross, method)
	if err != nil {
		return nil, err
	}
	net, err := s.calc.FinalAmount(gross, fee)
	if err != nil {
		return nil, err
	}

	return &Quote{
		ProviderID:       providerID,
		Method:           method,
		GrossAmount:      gross,
		FeeAmount:        fee,
		FeePercentage:    s.FeePercentage(method),
		NetAmount:        net,
		Currency:         s.currency,
		EscrowCount:      count,
		EstimatedArrival: estimatedArrival(method, time.Now()),
	}, nil
}

// RequestPayout claims every available escrow for the provider and submits
// one payout for the total to the processor. At most one payout per
// provider is in flight at a time.
func (s *Service) RequestPayout(ctx context.Context, providerID, accountID string, method fees.Method) (*Request, error) {
	if !method.Valid() {
		return nil, ErrInvalidMethod
	}
	if accountID == "" {
		accountID = providerID
	}

	unlock, err := s.locks.LockContext(ctx, providerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if active, err := s.store.GetActiveByProvider(ctx, providerID); err == nil && active != nil {
		return nil, fmt.Errorf("%w: request %s is %s", ErrPayoutInProgress, active.ID, active.Status)
	} else if err != nil && !errors.Is(err, ErrRequestNotFound) {
		return nil, err
	}

	available, err := s.ledger.AvailableForProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if len(available) == 0 {
		return nil, ErrNoFundsAvailable
	}

	var gross int64
	escrowIDs := make([]string, 0, len(available))
	orderIDs := make([]string, 0, len(available))
	for _, e := range available {
		gross += e.ProviderAmount
		escrowIDs = append(escrowIDs, e.ID)
		orderIDs = append(orderIDs, e.OrderID)
	}

	fee, err := s.calc.PayoutFee(gross, method)
	if err != nil {
		return nil, err
	}
	net, err := s.calc.FinalAmount(gross, fee)
	if err != nil {
		return nil, err
	}
	if net <= 0 {
		return nil, ErrNoFundsAvailable
	}

	now := time.Now()
	req := &Request{
		ID:          idgen.WithPrefix("po_"),
		ProviderID:  providerID,
		AccountID:   accountID,
		Method:      method,
		GrossAmount: gross,
		FeeAmount:   fee,
		NetAmount:   net,
		Currency:    s.currency,
		Status:      StatusPending,
		EscrowIDs:   escrowIDs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("payouts: create request: %w", err)
	}

	if err := s.ledger.ReserveForPayout(ctx, escrowIDs, req.ID); err != nil {
		// Another path grabbed an escrow between the listing and the claim.
		s.failRequest(ctx, req, "escrow claim lost: "+err.Error())
		return nil, err
	}

	for _, orderID := range orderIDs {
		if err := s.advanceOrderPayout(ctx, orderID, orders.PayoutRequested); err != nil {
			s.logger.Warn("failed to mark order payout_requested",
				"orderId", orderID, "payoutRequestId", req.ID, "error", err)
		}
	}

	return s.submit(ctx, req, orderIDs)
}

// submit sends the payout to the processor and records the outcome. The
// idempotency key is derived from the request ID so a retried submission
// cannot double-pay, and the request ID rides along as metadata so
// webhooks can be matched even if this acknowledgement is lost.
func (s *Service) submit(ctx context.Context, req *Request, orderIDs []string) (*Request, error) {
	payoutMethod := processor.PayoutStandard
	if req.Method == fees.MethodExpress {
		payoutMethod = processor.PayoutInstant
	}

	result, err := s.gateway.CreatePayout(ctx, req.AccountID, req.NetAmount, req.Currency,
		payoutMethod, "payout_"+req.ID,
		map[string]string{processor.MetadataRequestID: req.ID})

	now := time.Now()
	switch {
	case err == nil:
		arrival := estimatedArrival(req.Method, now)
		req.ExternalPayoutID = result.ExternalID
		req.EstimatedArrival = &arrival
		req.SubmittedAt = &now
		req.UpdatedAt = now
		_ = req.AdvanceStatus(StatusSubmitted)
		_ = req.AdvanceStatus(StatusInTransit)
		if uerr := s.store.Update(ctx, req); uerr != nil {
			return nil, fmt.Errorf("payouts: record submission: %w", uerr)
		}
		// The processor confirmed the submission; funds are on their way,
		// so the claimed escrows release now. A later failure webhook runs
		// the compensating reopen.
		if ferr := s.ledger.Finalize(ctx, req.EscrowIDs, req.ID, true); ferr != nil {
			return nil, fmt.Errorf("payouts: release escrows for %s: %w", req.ID, ferr)
		}
		metrics.PayoutsTotal.WithLabelValues("submitted").Inc()
		s.logger.Info("payout submitted",
			"payoutRequestId", req.ID, "providerId", req.ProviderID,
			"externalPayoutId", req.ExternalPayoutID, "net", req.NetAmount,
			"method", string(req.Method))
		return req, nil

	case processor.IsTransient(err):
		// The processor may have accepted the payout; the idempotency key
		// protects the retry, and the webhook settles the real outcome.
		req.SubmittedAt = &now
		req.UpdatedAt = now
		_ = req.AdvanceStatus(StatusSubmitted)
		if uerr := s.store.Update(ctx, req); uerr != nil {
			return nil, fmt.Errorf("payouts: record unknown submission: %w", uerr)
		}
		metrics.PayoutsTotal.WithLabelValues("unknown").Inc()
		s.logger.Warn("payout submission outcome unknown",
			"payoutRequestId", req.ID, "providerId", req.ProviderID, "error", err)
		return req, nil

	default:
		// Permanent rejection. Drop the claims and roll the orders back.
		s.failRequest(ctx, req, err.Error())
		for _, orderID := range orderIDs {
			s.revertOrderPayout(ctx, orderID, orders.PayoutAvailable, "payout rejected")
		}
		metrics.PayoutsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %v", ErrPayoutRejected, err)
	}
}

// HandleEvent applies a verified processor webhook to the matching payout
// request. Replayed events are no-ops.
func (s *Service) HandleEvent(ctx context.Context, event *processor.Event) error {
	if event.ExternalPayoutID == "" && event.RequestID == "" {
		metrics.WebhookEventsTotal.WithLabelValues("ignored").Inc()
		return nil
	}

	req, err := s.lookupRequest(ctx, event)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			metrics.WebhookEventsTotal.WithLabelValues("unmatched").Inc()
			s.logger.Warn("webhook for unknown payout",
				"externalPayoutId", event.ExternalPayoutID,
				"payoutRequestId", event.RequestID, "type", event.Type)
			return ErrUnknownExternalID
		}
		return err
	}

	unlock, err := s.locks.LockContext(ctx, req.ProviderID)
	if err != nil {
		return err
	}
	defer unlock()

	// Re-read under lock; a concurrent event may have resolved the request.
	req, err = s.store.Get(ctx, req.ID)
	if err != nil {
		return err
	}

	// A request parked on an unknown submission outcome never learned its
	// external ID; the webhook supplies it.
	if req.ExternalPayoutID == "" && event.ExternalPayoutID != "" {
		req.ExternalPayoutID = event.ExternalPayoutID
		req.UpdatedAt = time.Now()
		if err := s.store.Update(ctx, req); err != nil {
			return err
		}
		s.logger.Info("external payout id recovered from webhook",
			"payoutRequestId", req.ID, "externalPayoutId", req.ExternalPayoutID)
	}

	switch event.Type {
	case "payout.paid":
		return s.markPaid(ctx, req)
	case "payout.failed", "payout.canceled":
		return s.markFailed(ctx, req, event)
	case "payout.in_transit", "payout.updated":
		return s.markInTransit(ctx, req)
	default:
		metrics.WebhookEventsTotal.WithLabelValues("ignored").Inc()
		return nil
	}
}

// lookupRequest matches a webhook to a payout request: by external payout
// ID when known, otherwise by the request ID the submission attached as
// metadata (the external ID was lost with the acknowledgement).
func (s *Service) lookupRequest(ctx context.Context, event *processor.Event) (*Request, error) {
	if event.ExternalPayoutID != "" {
		req, err := s.store.GetByExternalID(ctx, event.ExternalPayoutID)
		if err == nil {
			return req, nil
		}
		if !errors.Is(err, ErrRequestNotFound) {
			return nil, err
		}
	}
	if event.RequestID != "" {
		req, err := s.store.Get(ctx, event.RequestID)
		if err == nil {
			return req, nil
		}
		if !errors.Is(err, ErrRequestNotFound) {
			return nil, err
		}
	}
	return nil, ErrRequestNotFound
}

func (s *Service) markPaid(ctx context.Context, req *Request) error {
	if req.Status == StatusPaid {
		metrics.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}
	prev := req.Status
	if err := req.AdvanceStatus(StatusPaid); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("out_of_order").Inc()
		s.logger.Warn("ignoring paid event for resolved payout",
			"payoutRequestId", req.ID, "status", string(req.Status))
		return nil
	}

	now := time.Now()
	req.ResolvedAt = &now
	req.UpdatedAt = now
	if err := s.store.Update(ctx, req); err != nil {
		return err
	}

	// A confirmed submission released its escrows already; a request that
	// was parked on an unknown outcome still holds its claims.
	if prev == StatusPending || prev == StatusSubmitted {
		if err := s.ledger.Finalize(ctx, req.EscrowIDs, req.ID, true); err != nil {
			return fmt.Errorf("payouts: release escrows for %s: %w", req.ID, err)
		}
	}
	for _, orderID := range s.orderIDsFor(ctx, req) {
		if err := s.advanceOrderPayout(ctx, orderID, orders.PayoutPaidOut); err != nil {
			s.logger.Warn("failed to mark order paid_out",
				"orderId", orderID, "payoutRequestId", req.ID, "error", err)
		}
	}

	metrics.PayoutsTotal.WithLabelValues("paid").Inc()
	metrics.PayoutAmount.Observe(float64(req.NetAmount))
	metrics.WebhookEventsTotal.WithLabelValues("applied").Inc()
	s.logger.Info("payout paid",
		"payoutRequestId", req.ID, "providerId", req.ProviderID, "net", req.NetAmount)
	return nil
}

func (s *Service) markFailed(ctx context.Context, req *Request, event *processor.Event) error {
	if req.Status == StatusFailed || req.Status == StatusCanceled {
		metrics.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	// Escrows release at confirmed submission, so in_transit and paid
	// requests hold released escrows; pending and submitted still hold
	// claims.
	wasReleased := req.Status == StatusInTransit || req.Status == StatusPaid
	target := StatusFailed
	if event.Type == "payout.canceled" {
		target = StatusCanceled
	}

	now := time.Now()
	req.Status = target // terminal flip, including the paid-then-failed correction
	req.FailureReason = event.FailureMessage
	req.ResolvedAt = &now
	req.UpdatedAt = now
	if err := s.store.Update(ctx, req); err != nil {
		return err
	}

	// Put the money back where a future payout can find it.
	if wasReleased {
		if err := s.ledger.Reopen(ctx, req.EscrowIDs, "processor reported payout "+req.ID+" "+string(target)); err != nil {
			return fmt.Errorf("payouts: reopen escrows for %s: %w", req.ID, err)
		}
	} else {
		if err := s.ledger.Finalize(ctx, req.EscrowIDs, req.ID, false); err != nil {
			return fmt.Errorf("payouts: unclaim escrows for %s: %w", req.ID, err)
		}
	}
	for _, orderID := range s.orderIDsFor(ctx, req) {
		s.revertOrderPayout(ctx, orderID, orders.PayoutAvailable, "payout "+string(target))
	}

	metrics.PayoutsTotal.WithLabelValues(string(target)).Inc()
	metrics.WebhookEventsTotal.WithLabelValues("applied").Inc()
	s.logger.Warn("payout did not complete",
		"payoutRequestId", req.ID, "providerId", req.ProviderID,
		"status", string(target), "reason", req.FailureReason)
	return nil
}

func (s *Service) markInTransit(ctx context.Context, req *Request) error {
	if err := req.AdvanceStatus(StatusInTransit); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("out_of_order").Inc()
		return nil
	}
	req.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, req); err != nil {
		return err
	}
	metrics.WebhookEventsTotal.WithLabelValues("applied").Inc()
	return nil
}

// Get returns a payout request by ID.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.store.Get(ctx, id)
}

// ListByProvider returns a provider's payout requests, newest first.
func (s *Service) ListByProvider(ctx context.Context, providerID string, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByProvider(ctx, providerID, limit)
}

func (s *Service) failRequest(ctx context.Context, req *Request, reason string) {
	now := time.Now()
	req.Status = StatusFailed
	req.FailureReason = reason
	req.ResolvedAt = &now
	req.UpdatedAt = now
	if err := s.store.Update(ctx, req); err != nil {
		s.logger.Error("failed to record payout failure",
			"payoutRequestId", req.ID, "error", err)
	}
	// ErrAlreadyClaimed here means the claim was never won; there is
	// nothing to give back.
	if err := s.ledger.Finalize(ctx, req.EscrowIDs, req.ID, false); err != nil && !errors.Is(err, escrow.ErrAlreadyClaimed) {
		s.logger.Error("failed to unclaim escrows after payout failure",
			"payoutRequestId", req.ID, "error", err)
	}
}

func (s *Service) orderIDsFor(ctx context.Context, req *Request) []string {
	seen := make(map[string]struct{}, len(req.EscrowIDs))
	ids := make([]string, 0, len(req.EscrowIDs))
	for _, escrowID := range req.EscrowIDs {
		e, err := s.ledger.Get(ctx, escrowID)
		if err != nil {
			s.logger.Warn("escrow missing while resolving payout orders",
				"escrowId", escrowID, "payoutRequestId", req.ID, "error", err)
			continue
		}
		if _, ok := seen[e.OrderID]; ok {
			continue
		}
		seen[e.OrderID] = struct{}{}
		ids = append(ids, e.OrderID)
	}
	return ids
}

func (s *Service) advanceOrderPayout(ctx context.Context, orderID string, status orders.PayoutStatus) error {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if err := order.AdvancePayoutStatus(status); err != nil {
		return err
	}
	order.UpdatedAt = time.Now()
	return s.orders.Update(ctx, order)
}

func (s *Service) revertOrderPayout(ctx context.Context, orderID string, status orders.PayoutStatus, reason string) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		s.logger.Warn("order missing during payout revert", "orderId", orderID, "error", err)
		return
	}
	if err := order.RevertPayoutStatus(status); err != nil {
		s.logger.Warn("order payout revert rejected", "orderId", orderID, "error", err)
		return
	}
	order.UpdatedAt = time.Now()
	if err := s.orders.Update(ctx, order); err != nil {
		s.logger.Warn("order payout revert not persisted", "orderId", orderID, "error", err)
		return
	}
	s.logger.Warn("order payout status reverted",
		"orderId", orderID, "to", string(status), "reason", reason)
}
