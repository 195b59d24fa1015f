package notify

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/landtrust/internal/auth"
)

// Handler exposes undelivered notifications to admins.
type Handler struct {
	failures FailureStore
}

// NewHandler creates a notification admin handler.
func NewHandler(failures FailureStore) *Handler {
	return &Handler{failures: failures}
}

// RegisterAdminRoutes mounts admin-only routes on r.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/notifications/failures", auth.RequireRole(auth.RoleAdmin), h.ListFailures)
}

// ListFailures handles GET /admin/notifications/failures
func (h *Handler) ListFailures(c *gin.Context) {
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 200 {
		limit = l
	}
	failures, err := h.failures.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list notification failures",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"failures": failures, "count": len(failures)})
}
