// Package processor wraps the external payment processor behind a small
// gateway interface. Everything the settlement core needs from the
// processor is here: submitting payouts, reading the remote balance and
// verifying webhook signatures. Callers never import the processor SDK
// directly.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
)

var (
	ErrPermanent  = errors.New("processor: request rejected")
	ErrTransient  = errors.New("processor: transient failure")
	ErrBadWebhook = errors.New("processor: webhook verification failed")
)

// PayoutMethod selects the transfer speed at the processor.
type PayoutMethod string

const (
	PayoutStandard PayoutMethod = "standard"
	PayoutInstant  PayoutMethod = "instant"
)

// PayoutResult is the processor's acknowledgement of a submitted payout.
type PayoutResult struct {
	ExternalID string
	Status     string // processor-side status at submission time
}

// Balance is the provider's balance as the processor sees it, in minor units.
type Balance struct {
	Available int64
	Pending   int64
	Currency  string
}

// MetadataRequestID is the metadata key carrying the internal payout
// request ID on every submitted payout. Webhooks echo it back, so a
// request whose submission acknowledgement was lost can still be matched.
const MetadataRequestID = "payout_request_id"

// Event is a verified webhook notification.
type Event struct {
	ID               string
	Type             string // e.g. "payout.paid", "payout.failed"
	ExternalPayoutID string
	RequestID        string // internal request ID from payout metadata, if set
	FailureMessage   string
}

// Gateway is the settlement core's view of the payment processor.
type Gateway interface {
	// CreatePayout submits a payout for the provider's connected account.
	// idempotencyKey makes retried submissions safe; metadata travels with
	// the payout and comes back on webhook events.
	CreatePayout(ctx context.Context, accountID string, amount int64, currency string, method PayoutMethod, idempotencyKey string, metadata map[string]string) (*PayoutResult, error)
	// AccountBalance reads the provider's live balance at the processor.
	AccountBalance(ctx context.Context, accountID string) (*Balance, error)
	// VerifyWebhook checks the payload signature and parses the event.
	VerifyWebhook(payload []byte, signature string) (*Event, error)
}

// Stripe implements Gateway against the Stripe API.
type Stripe struct {
	api           *client.API
	webhookSecret string
}

// NewStripe creates a Stripe-backed gateway.
func NewStripe(apiKey, webhookSecret string) *Stripe {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &Stripe{api: api, webhookSecret: webhookSecret}
}

func (s *Stripe) CreatePayout(ctx context.Context, accountID string, amount int64, currency string, method PayoutMethod, idempotencyKey string, metadata map[string]string) (*PayoutResult, error) {
	params := &stripe.PayoutParams{
		Params: stripe.Params{
			Context:       ctx,
			StripeAccount: stripe.String(accountID),
		},
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
		Method:   stripe.String(string(method)),
	}
	params.SetIdempotencyKey(idempotencyKey)
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	payout, err := s.api.Payouts.New(params)
	if err != nil {
		return nil, classify(err)
	}
	return &PayoutResult{
		ExternalID: payout.ID,
		Status:     string(payout.Status),
	}, nil
}

func (s *Stripe) AccountBalance(ctx context.Context, accountID string) (*Balance, error) {
	params := &stripe.BalanceParams{
		Params: stripe.Params{
			Context:       ctx,
			StripeAccount: stripe.String(accountID),
		},
	}
	bal, err := s.api.Balance.Get(params)
	if err != nil {
		return nil, classify(err)
	}
	return sumBalance(bal), nil
}

// sumBalance folds the per-currency amounts into one Balance. The platform
// is single-currency, so summing across entries is safe.
func sumBalance(bal *stripe.Balance) *Balance {
	result := &Balance{}
	for _, a := range bal.Available {
		result.Available += a.Amount
		result.Currency = string(a.Currency)
	}
	for _, p := range bal.Pending {
		result.Pending += p.Amount
	}
	return result
}

func (s *Stripe) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	var event stripe.Event
	if s.webhookSecret == "" {
		// No signing secret configured (local development): accept unsigned JSON.
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, ErrBadWebhook
		}
	} else {
		verified, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
		if err != nil {
			return nil, ErrBadWebhook
		}
		event = verified
	}

	var payout stripe.Payout
	if err := json.Unmarshal(event.Data.Raw, &payout); err != nil {
		return nil, ErrBadWebhook
	}

	return &Event{
		ID:               event.ID,
		Type:             string(event.Type),
		ExternalPayoutID: payout.ID,
		RequestID:        payout.Metadata[MetadataRequestID],
		FailureMessage:   payout.FailureMessage,
	}, nil
}

// classify maps SDK errors onto the transient/permanent split the
// orchestrator cares about. Transient means the submission outcome is
// unknown or retryable; permanent means the processor said no.
func classify(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.HTTPStatusCode >= 500,
			stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
			stripeErr.Type == stripe.ErrorTypeAPI:
			return errors.Join(ErrTransient, err)
		default:
			return errors.Join(ErrPermanent, err)
		}
	}
	// Network-level failures: the request may or may not have landed.
	return errors.Join(ErrTransient, err)
}

// IsTransient reports whether the payout outcome is unknown and the
// request may be retried with the same idempotency key.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

var _ Gateway = (*Stripe)(nil)
