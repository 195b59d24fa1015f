package listing

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/landtrust/internal/auth"
	"github.com/mbd888/landtrust/internal/logging"
)

// Handler provides HTTP endpoints for the listing catalogue.
type Handler struct {
	svc *Service
}

// NewHandler creates a new listing handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up public read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings", h.ListListings)
	r.GET("/listings/:id", h.GetListing)
}

// RegisterProtectedRoutes sets up auth-required routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/listings", auth.RequireRole(auth.RoleSeller), h.CreateListing)
	r.POST("/listings/:id/withdraw", h.WithdrawListing)
	r.POST("/listings/:id/publish", h.RepublishListing)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": err.Error()})
	case errors.Is(err, ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("listing request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}

// CreateListing handles POST /v1/listings
func (h *Handler) CreateListing(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: " + err.Error(),
		})
		return
	}
	l, err := h.svc.Create(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"listing": l})
}

// GetListing handles GET /v1/listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	l, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}

// ListListings handles GET /v1/listings?seller=&status=&cursor=&limit=
func (h *Handler) ListListings(c *gin.Context) {
	f := Filter{SellerID: c.Query("seller"), Status: Status(c.DefaultQuery("status", string(StatusActive)))}
	if c.Query("status") == "all" {
		f.Status = ""
	}
	if l, err := strconv.Atoi(c.Query("limit")); err == nil {
		f.Limit = l
	}
	page, err := h.svc.List(c.Request.Context(), f, c.Query("cursor"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// WithdrawListing handles POST /v1/listings/:id/withdraw
func (h *Handler) WithdrawListing(c *gin.Context) {
	h.ownerAction(c, h.svc.Withdraw)
}

// RepublishListing handles POST /v1/listings/:id/publish
func (h *Handler) RepublishListing(c *gin.Context) {
	h.ownerAction(c, h.svc.Republish)
}

func (h *Handler) ownerAction(c *gin.Context, fn func(context.Context, string, bool, string) (*Listing, error)) {
	var admin bool
	if claims, ok := auth.GetClaims(c); ok {
		admin = claims.HasRole(auth.RoleAdmin)
	}
	l, err := fn(c.Request.Context(), auth.UserID(c), admin, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}
