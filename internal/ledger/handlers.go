package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bookmart/bookmart/internal/validation"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new wallet handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	w := r.Group("/wallets/:userId", validation.UserIDParamMiddleware())
	w.GET("/balance", h.GetBalance)
	w.GET("/transactions", h.ListTransactions)
	w.POST("/topup", h.TopUp)
	w.POST("/withdraw", h.Withdraw)
}

// AmountRequest is the request body for top-up and withdrawal.
type AmountRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// GetBalance handles GET /v1/wallets/:userId/balance
func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := pathUserID(c)
	if !ok {
		return
	}

	balance, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_failed",
			"message": "Failed to fetch balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":  userID,
		"balance": balance,
	})
}

// ListTransactions handles GET /v1/wallets/:userId/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := pathUserID(c)
	if !ok {
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	txs, err := h.ledger.History(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "history_failed",
			"message": "Failed to fetch transactions",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":       userID,
		"transactions": txs,
		"count":        len(txs),
	})
}

// TopUp handles POST /v1/wallets/:userId/topup
func (h *Handler) TopUp(c *gin.Context) {
	userID, ok := pathUserID(c)
	if !ok {
		return
	}

	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	tx, err := h.ledger.TopUp(c.Request.Context(), userID, req.Amount)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be positive",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "topup_failed",
			"message": "Failed to top up wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Withdraw handles POST /v1/wallets/:userId/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	userID, ok := pathUserID(c)
	if !ok {
		return
	}

	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	tx, err := h.ledger.Withdraw(c.Request.Context(), userID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be positive",
			})
		case errors.Is(err, ErrInsufficientBalance):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "insufficient_balance",
				"message": "Wallet balance is too low for this withdrawal",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "withdraw_failed",
				"message": "Failed to withdraw from wallet",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// pathUserID parses the :userId path parameter, writing the error response
// itself when the value is malformed.
func pathUserID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user_id",
			"message": "User ID must be a positive integer",
		})
		return 0, false
	}
	return id, true
}
