package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bookmart/bookmart/internal/metrics"
)

// Handler exposes escrow endpoints over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates an escrow HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// GetEscrow handles GET /v1/escrows/:id.
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	e, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// ListEscrows handles GET /v1/escrows for the calling user.
func (h *Handler) ListEscrows(c *gin.Context) {
	caller := callerID(c)
	if caller == 0 {
		unauthorized(c)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	escrows, err := h.service.ListByUser(c.Request.Context(), caller, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// Release handles POST /v1/escrows/:id/release. The buyer confirms delivery
// and releases the held funds to the seller before the hold elapses.
func (h *Handler) Release(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	caller := callerID(c)
	if caller == 0 {
		unauthorized(c)
		return
	}

	e, err := h.service.Release(c.Request.Context(), id, caller)
	if err != nil {
		metrics.EscrowReleasesTotal.WithLabelValues("failed").Inc()
		respondError(c, err)
		return
	}

	metrics.EscrowReleasesTotal.WithLabelValues("manual").Inc()
	c.JSON(http.StatusOK, e)
}

type disputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Dispute handles POST /v1/escrows/:id/dispute.
func (h *Handler) Dispute(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	caller := callerID(c)
	if caller == 0 {
		unauthorized(c)
		return
	}

	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "dispute reason is required",
		})
		return
	}

	e, err := h.service.Dispute(c.Request.Context(), id, caller, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	metrics.EscrowDisputedTotal.Inc()
	c.JSON(http.StatusOK, e)
}

type refundRequest struct {
	Reason string `json:"reason"`
}

// Refund handles POST /v1/escrows/:id/refund. The seller voluntarily
// returns held funds to the buyer.
func (h *Handler) Refund(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	caller := callerID(c)
	if caller == 0 {
		unauthorized(c)
		return
	}

	var req refundRequest
	_ = c.ShouldBindJSON(&req)

	e, err := h.service.Refund(c.Request.Context(), id, caller, req.Reason)
	if err != nil {
		metrics.EscrowRefundsTotal.WithLabelValues("failed").Inc()
		respondError(c, err)
		return
	}

	metrics.EscrowRefundsTotal.WithLabelValues("manual").Inc()
	c.JSON(http.StatusOK, e)
}

type resolveRequest struct {
	Resolution string `json:"resolution" binding:"required,oneof=release refund"`
	Reason     string `json:"reason"`
}

// Resolve handles POST /v1/escrows/:id/resolve. Admin-only dispute
// resolution, releasing to the seller or refunding the buyer.
func (h *Handler) Resolve(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution must be release or refund",
		})
		return
	}

	e, err := h.service.ResolveDispute(c.Request.Context(), id, req.Resolution, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrStatusConflict):
		status, code = http.StatusConflict, "already_resolved"
	case errors.Is(err, ErrDisputed):
		status, code = http.StatusConflict, "disputed"
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusUnprocessableEntity, "invalid_status"
	}

	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrow ID must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func callerID(c *gin.Context) int64 {
	v, ok := c.Get("userID")
	if !ok {
		return 0
	}
	id, _ := v.(int64)
	return id
}

func unauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, gin.H{
		"error":   "unauthorized",
		"message": "X-User-ID header is required",
	})
}
