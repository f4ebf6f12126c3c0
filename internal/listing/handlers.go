package listing

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bookmart/bookmart/internal/money"
	"github.com/bookmart/bookmart/internal/validation"
)

// Handler exposes listing endpoints over HTTP.
type Handler struct {
	catalog *Catalog
}

// NewHandler creates a listing HTTP handler.
func NewHandler(catalog *Catalog) *Handler {
	return &Handler{catalog: catalog}
}

type createListingRequest struct {
	Title    string `json:"title"`
	Author   string `json:"author"`
	Price    string `json:"price"`
	Quantity int    `json:"quantity" binding:"required,min=1"`
}

// CreateListing handles POST /v1/listings.
func (h *Handler) CreateListing(c *gin.Context) {
	sellerID := callerID(c)
	if sellerID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "X-User-ID header is required",
		})
		return
	}

	var req createListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	req.Title = validation.SanitizeString(req.Title, validation.MaxTitleLength)
	req.Author = validation.SanitizeString(req.Author, validation.MaxTitleLength)

	if errs := validation.Validate(
		validation.Required("title", req.Title),
		validation.Required("price", req.Price),
		validation.ValidAmount("price", req.Price),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	price, ok := money.Parse(req.Price)
	if !ok || price <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "price must be a positive decimal amount",
		})
		return
	}

	l := &Listing{
		SellerID:          sellerID,
		Title:             req.Title,
		Author:            req.Author,
		Price:             price,
		QuantityAvailable: req.Quantity,
	}
	if err := h.catalog.CreateListing(c.Request.Context(), l); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidListing) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"error":   "create_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, l)
}

// GetListing handles GET /v1/listings/:id.
func (h *Handler) GetListing(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "listing ID must be a positive integer",
		})
		return
	}

	l, err := h.catalog.GetListing(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, l)
}

// ListListings handles GET /v1/listings with optional sellerId and limit.
func (h *Handler) ListListings(c *gin.Context) {
	sellerID, _ := strconv.ParseInt(c.Query("sellerId"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	listings, err := h.catalog.ListBySeller(c.Request.Context(), sellerID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"listings": listings,
		"count":    len(listings),
	})
}

// callerID reads the authenticated user ID set by the identity middleware.
func callerID(c *gin.Context) int64 {
	v, ok := c.Get("userID")
	if !ok {
		return 0
	}
	id, _ := v.(int64)
	return id
}
