package payouts

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/taskilo/settlement/internal/escrow"
	"github.com/taskilo/settlement/internal/fees"
	"github.com/taskilo/settlement/internal/metrics"
	"github.com/taskilo/settlement/internal/processor"
	"github.com/taskilo/settlement/internal/traces"
	"github.com/taskilo/settlement/internal/validation"
)

// maxWebhookBody caps webhook payloads well above anything the processor sends.
const maxWebhookBody = 256 * 1024

// Handler provides HTTP endpoints for payout operations.
type Handler struct {
	service *Service
	gateway processor.Gateway
}

// NewHandler creates a new payout handler.
func NewHandler(service *Service, gateway processor.Gateway) *Handler {
	return &Handler{service: service, gateway: gateway}
}

// RegisterRoutes sets up payout routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/providers/:id/payout", h.QuotePayout)
	r.POST("/providers/:id/payout", h.RequestPayout)
	r.POST("/providers/:id/payout/webhook", h.Webhook)
	r.GET("/providers/:id/payouts", h.ListPayouts)
	r.GET("/payouts/:id", h.GetPayout)
}

// QuotePayout handles GET /v1/providers/:id/payout
//
// Returns what the provider would receive for each payout method, with fees
// and estimated arrival, without moving any money.
func (h *Handler) QuotePayout(c *gin.Context) {
	providerID := c.Param("id")

	quote, err := h.service.QuoteOptions(c.Request.Context(), providerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"quote": quote})
}

// RequestPayout handles POST /v1/providers/:id/payout
func (h *Handler) RequestPayout(c *gin.Context) {
	providerID := c.Param("id")

	var req struct {
		Method    string `json:"method"`
		AccountID string `json:"accountId"`
	}
	// Body is optional; defaults to a standard payout.
	_ = c.ShouldBindJSON(&req)
	if req.Method == "" {
		req.Method = string(fees.MethodStandard)
	}

	if errs := validation.Validate(
		validation.ValidID("id", providerID),
		validation.OneOf("method", req.Method, string(fees.MethodStandard), string(fees.MethodExpress)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "payouts.RequestPayout",
		traces.ProviderID(providerID))
	defer span.End()

	request, err := h.service.RequestPayout(ctx, providerID, req.AccountID, fees.Method(req.Method))
	if err != nil {
		switch {
		case errors.Is(err, ErrNoFundsAvailable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "no_funds_available",
				"message": "Provider has no cleared funds to pay out",
			})
		case errors.Is(err, ErrPayoutInProgress):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "payout_in_progress",
				"message": "A payout for this provider is already in flight",
			})
		case errors.Is(err, ErrPayoutRejected):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "payout_rejected",
				"message": "Payment processor rejected the payout",
			})
		case errors.Is(err, escrow.ErrAlreadyClaimed):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "escrow_claim_conflict",
				"message": "Another payout claimed the funds first",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"payout":               request,
		"estimatedArrival":     request.EstimatedArrival,
		"expressFeePercentage": h.service.FeePercentage(fees.MethodExpress),
	})
}

// Webhook handles POST /v1/providers/:id/payout/webhook
//
// The processor signs every delivery; unverifiable payloads are rejected
// before any state is read.
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Could not read webhook body",
		})
		return
	}

	event, err := h.gateway.VerifyWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "payouts.Webhook",
		traces.ProviderID(c.Param("id")))
	defer span.End()

	if err := h.service.HandleEvent(ctx, event); err != nil {
		if errors.Is(err, ErrUnknownExternalID) {
			// Acknowledge so the processor stops retrying; the mismatch is
			// already logged and counted.
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// ListPayouts handles GET /v1/providers/:id/payouts
func (h *Handler) ListPayouts(c *gin.Context) {
	providerID := c.Param("id")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	requests, err := h.service.ListByProvider(c.Request.Context(), providerID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if requests == nil {
		requests = []*Request{}
	}

	c.JSON(http.StatusOK, gin.H{
		"payouts": requests,
		"count":   len(requests),
	})
}

// GetPayout handles GET /v1/payouts/:id
func (h *Handler) GetPayout(c *gin.Context) {
	request, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payout request not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payout": request})
}
