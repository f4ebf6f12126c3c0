package order

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bookmart/bookmart/internal/metrics"
	"github.com/bookmart/bookmart/internal/validation"
)

// Handler exposes order endpoints over HTTP.
type Handler struct {
	service *Service
}

// NewHandler creates an order HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createOrderRequest struct {
	ListingID       int64  `json:"listingId" binding:"required"`
	Quantity        int    `json:"quantity" binding:"required,min=1"`
	DeliveryMethod  string `json:"deliveryMethod"`
	DeliveryAddress string `json:"deliveryAddress"`
	BuyerNotes      string `json:"buyerNotes"`
}

// CreateOrder handles POST /v1/orders.
func (h *Handler) CreateOrder(c *gin.Context) {
	caller := callerID(c)
	if caller == 0 {
		unauthorized(c)
		return
	}

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	o, err := h.service.Create(c.Request.Context(), CreateParams{
		BuyerID:         caller,
		ListingID:       req.ListingID,
		Quantity:        req.Quantity,
		DeliveryMethod:  validation.SanitizeString(req.DeliveryMethod, 50),
		DeliveryAddress: validation.SanitizeString(req.DeliveryAddress, validation.MaxReasonLength),
		BuyerNotes:      validation.SanitizeString(req.BuyerNotes, validation.MaxReasonLength),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

// GetOrder handles GET /v1/orders/:id.
func (h *Handler) GetOrder(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	caller := callerID(c)
	if caller == 0 {
		unauthorized(c)
		return
	}

	o, err := h.service.Get(c.Request.Context(), id, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// ListOrders handles GET /v1/orders for the calling user.
func (h *Handler) ListOrders(c *gin.Context) {
	caller := callerID(c)
	if caller == 0 {
		unauthorized(c)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	orders, err := h.service.ListByUser(c.Request.Context(), caller, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

// Pay handles POST /v1/orders/:id/pay.
func (h *Handler) Pay(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	caller := callerID(c)
	if caller == 0 {
		unauthorized(c)
		return
	}

	o, err := h.service.ProcessPayment(c.Request.Context(), id, caller)
	if err != nil {
		metrics.PaymentsTotal.WithLabelValues(paymentOutcome(err)).Inc()
		respondError(c, err)
		return
	}

	metrics.PaymentsTotal.WithLabelValues("success").Inc()
	metrics.EscrowCreatedTotal.Inc()
	c.JSON(http.StatusOK, o)
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=confirmed delivered"`
}

// UpdateStatus handles POST /v1/orders/:id/status.
func (h *Handler) UpdateStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	caller := callerID(c)
	if caller == 0 {
		unauthorized(c)
		return
	}

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "status must be confirmed or delivered",
		})
		return
	}

	o, err := h.service.UpdateStatus(c.Request.Context(), id, caller, Status(req.Status))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// Cancel handles POST /v1/orders/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	caller := callerID(c)
	if caller == 0 {
		unauthorized(c)
		return
	}

	o, err := h.service.Cancel(c.Request.Context(), id, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func paymentOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrAlreadyPaid):
		return "duplicate"
	case errors.Is(err, ErrListingUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrAlreadyPaid), errors.Is(err, ErrStatusConflict):
		status, code = http.StatusConflict, "already_processed"
	case errors.Is(err, ErrInsufficientFunds):
		status, code = http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, ErrInvalidOrder), errors.Is(err, ErrListingUnavailable):
		status, code = http.StatusBadRequest, "invalid_order"
	case errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusUnprocessableEntity, "invalid_transition"
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
			"message": "order ID must be a positive integer",
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
