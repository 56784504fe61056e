package reconcile

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/taskilo/settlement/internal/traces"
	"github.com/taskilo/settlement/internal/validation"
)

// Handler provides HTTP endpoints for balances and reconciliation.
type Handler struct {
	reconciler *Reconciler
}

// NewHandler creates a new reconciliation handler.
func NewHandler(reconciler *Reconciler) *Handler {
	return &Handler{reconciler: reconciler}
}

// RegisterRoutes sets up reconciliation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/providers/:id/balance", h.GetBalance)
	r.POST("/providers/:id/reconcile", h.ReconcileProvider)
	r.GET("/discrepancies", h.ListDiscrepancies)
	r.POST("/discrepancies/:id/resolve", h.ResolveDiscrepancy)
}

// GetBalance handles GET /v1/providers/:id/balance
//
// ?refresh=true bypasses the processor-side cache.
func (h *Handler) GetBalance(c *gin.Context) {
	providerID := c.Param("id")
	force := c.Query("refresh") == "true"

	snap, err := h.reconciler.Balance(c.Request.Context(), providerID, force)
	if err != nil {
		if errors.Is(err, ErrSnapshotUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "balance_unavailable",
				"message": "Processor balance is unavailable and no snapshot exists",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": snap})
}

// ReconcileProvider handles POST /v1/providers/:id/reconcile
func (h *Handler) ReconcileProvider(c *gin.Context) {
	providerID := c.Param("id")
	if errs := validation.Validate(
		validation.ValidID("id", providerID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "reconcile.Provider",
		traces.ProviderID(providerID))
	defer span.End()

	snap, disc, err := h.reconciler.Reconcile(ctx, providerID)
	if err != nil {
		if errors.Is(err, ErrSnapshotUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "balance_unavailable",
				"message": "Processor balance is unavailable",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	resp := gin.H{
		"balance": snap,
		"clean":   disc == nil,
	}
	if disc != nil {
		resp["discrepancy"] = disc
	}
	c.JSON(http.StatusOK, resp)
}

// ListDiscrepancies handles GET /v1/discrepancies
func (h *Handler) ListDiscrepancies(c *gin.Context) {
	status := DiscrepancyStatus(c.DefaultQuery("status", string(DiscrepancyOpen)))
	if status != DiscrepancyOpen && status != DiscrepancyResolved {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": "Status must be open or resolved",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	discrepancies, err := h.reconciler.ListDiscrepancies(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if discrepancies == nil {
		discrepancies = []*Discrepancy{}
	}

	c.JSON(http.StatusOK, gin.H{
		"discrepancies": discrepancies,
		"count":         len(discrepancies),
	})
}

// ResolveDiscrepancy handles POST /v1/discrepancies/:id/resolve
func (h *Handler) ResolveDiscrepancy(c *gin.Context) {
	var req struct {
		Resolution string `json:"resolution"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Resolution == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A resolution note is required",
		})
		return
	}
	req.Resolution = validation.SanitizeString(req.Resolution, 1000)

	disc, err := h.reconciler.Resolve(c.Request.Context(), c.Param("id"), req.Resolution)
	if err != nil {
		switch {
		case errors.Is(err, ErrDiscrepancyNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Discrepancy not found",
			})
		case errors.Is(err, ErrAlreadyResolved):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_resolved",
				"message": "Discrepancy is already resolved",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"discrepancy": disc})
}
