package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskilo/settlement/internal/fees"
	"github.com/taskilo/settlement/internal/orders"
	"github.com/taskilo/settlement/internal/traces"
	"github.com/taskilo/settlement/internal/validation"
)

// Handler provides HTTP endpoints for order completion and escrow reads.
type Handler struct {
	ledger *Ledger
	orders orders.Store
	calc   *fees.Calculator
}

// NewHandler creates a new escrow handler.
func NewHandler(ledger *Ledger, orderStore orders.Store, calc *fees.Calculator) *Handler {
	return &Handler{ledger: ledger, orders: orderStore, calc: calc}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:orderId/complete", h.CompleteOrder)
	r.POST("/orders/:orderId/refund", h.RefundOrder)
	r.GET("/orders/:orderId/escrow", h.GetOrderEscrow)
	r.GET("/providers/:id/escrows", h.ListProviderEscrows)
}

// CompleteOrder handles POST /v1/orders/:orderId/complete
//
// Marks the order completed, computes the platform fee split and holds the
// provider's share in escrow. Safe to call more than once for the same order.
func (h *Handler) CompleteOrder(c *gin.Context) {
	orderID := c.Param("orderId")
	if errs := validation.Validate(
		validation.ValidID("orderId", orderID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "escrow.CompleteOrder",
		traces.OrderID(orderID))
	defer span.End()

	order, err := h.orders.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, orders.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "order_not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	if !order.CanComplete() {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "order_not_completable",
			"message": "Order cannot be completed from status " + string(order.Status),
		})
		return
	}

	_, platformFee, err := h.calc.Split(order.TotalAmount)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
		return
	}

	esc, err := h.ledger.OpenOrUpdate(ctx, order.ID, order.ProviderID, order.TotalAmount, platformFee)
	if err != nil {
		switch {
		case errors.Is(err, ErrEscrowClosed):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "escrow_settled",
				"message": "Escrow for this order has already settled",
			})
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "invalid_amount",
				"message": "Order amount is not escrowable",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	if order.Status != orders.StatusCompleted {
		now := time.Now()
		order.Status = orders.StatusCompleted
		order.CompletedAt = &now
		order.UpdatedAt = now
		if err := h.orders.Update(ctx, order); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"order":             order,
		"escrow":            esc,
		"payoutAmount":      esc.ProviderAmount,
		"platformFeeAmount": esc.PlatformFeeAmount,
		"payoutStatus":      order.PayoutStatus,
	})
}

// RefundOrder handles POST /v1/orders/:orderId/refund
func (h *Handler) RefundOrder(c *gin.Context) {
	orderID := c.Param("orderId")

	var req struct {
		Reason string `json:"reason"`
	}
	// Body is optional; a missing body means no reason given.
	_ = c.ShouldBindJSON(&req)
	req.Reason = validation.SanitizeString(req.Reason, 500)

	ctx, span := traces.StartSpan(c.Request.Context(), "escrow.RefundOrder",
		traces.OrderID(orderID))
	defer span.End()

	esc, err := h.ledger.GetByOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "escrow_not_found",
				"message": "No escrow exists for this order",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	refunded, err := h.ledger.Refund(ctx, esc.ID, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotRefundable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_refundable",
				"message": "Escrow is not refundable from status " + string(esc.Status),
			})
		case errors.Is(err, ErrAlreadyClaimed):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "payout_in_progress",
				"message": "Escrow is claimed by a pending payout",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": refunded})
}

// GetOrderEscrow handles GET /v1/orders/:orderId/escrow
func (h *Handler) GetOrderEscrow(c *gin.Context) {
	esc, err := h.ledger.GetByOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "escrow_not_found",
				"message": "No escrow exists for this order",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": esc})
}

// ListProviderEscrows handles GET /v1/providers/:id/escrows
func (h *Handler) ListProviderEscrows(c *gin.Context) {
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

	escrows, err := h.ledger.ListByProvider(c.Request.Context(), providerID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if escrows == nil {
		escrows = []*Escrow{}
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}
