// Package admin exposes operator endpoints for running background jobs on
// demand and inspecting live subsystems.
package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/landtrust/internal/auth"
	"github.com/mbd888/landtrust/internal/circuitbreaker"
	"github.com/mbd888/landtrust/internal/logging"
	"github.com/mbd888/landtrust/internal/realtime"
)

// OfferSweeper expires SENT offers past their deadline.
type OfferSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// VerificationSweeper moves transactions whose verification period ended
// to READY_TO_RELEASE.
type VerificationSweeper interface {
	AdvanceDue(ctx context.Context) (int, error)
}

// StatsProvider reports live counters, such as the realtime hub.
type StatsProvider interface {
	Stats() realtime.Stats
}

// CircuitReporter lists the circuit state of each notification sink.
type CircuitReporter interface {
	Snapshot() map[string]circuitbreaker.State
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	offers       OfferSweeper
	verification VerificationSweeper
	realtime     StatsProvider
	circuits     CircuitReporter
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithOfferSweeper enables the on-demand offer expiry sweep.
func (h *Handler) WithOfferSweeper(s OfferSweeper) *Handler {
	h.offers = s
	return h
}

// WithVerificationSweeper enables the on-demand verification sweep.
func (h *Handler) WithVerificationSweeper(s VerificationSweeper) *Handler {
	h.verification = s
	return h
}

// WithRealtimeStats exposes realtime hub counters.
func (h *Handler) WithRealtimeStats(p StatsProvider) *Handler {
	h.realtime = p
	return h
}

// WithCircuits exposes notification sink circuit states.
func (h *Handler) WithCircuits(r CircuitReporter) *Handler {
	h.circuits = r
	return h
}

// RegisterRoutes sets up admin routes. Every route requires the ADMIN role.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	g.POST("/sweeps/offers", h.sweepOffers)
	g.POST("/sweeps/verification", h.sweepVerification)
	g.GET("/realtime/stats", h.realtimeStats)
	g.GET("/notifications/circuits", h.listCircuits)
}

func notConfigured(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":   "not_configured",
		"message": what + " is not configured",
	})
}

func (h *Handler) runSweep(c *gin.Context, name string, fn func(context.Context) (int, error)) {
	n, err := fn(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("manual sweep failed", "sweep", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep_failed", "message": err.Error()})
		return
	}
	logging.L(c.Request.Context()).Info("manual sweep", "sweep", name, "count", n)
	c.JSON(http.StatusOK, gin.H{"sweep": name, "count": n})
}

// sweepOffers handles POST /v1/admin/sweeps/offers
func (h *Handler) sweepOffers(c *gin.Context) {
	if h.offers == nil {
		notConfigured(c, "offer sweep")
		return
	}
	h.runSweep(c, "offers", h.offers.SweepExpired)
}

// sweepVerification handles POST /v1/admin/sweeps/verification
func (h *Handler) sweepVerification(c *gin.Context) {
	if h.verification == nil {
		notConfigured(c, "verification sweep")
		return
	}
	h.runSweep(c, "verification", h.verification.AdvanceDue)
}

func (h *Handler) realtimeStats(c *gin.Context) {
	if h.realtime == nil {
		notConfigured(c, "realtime hub")
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": h.realtime.Stats()})
}

func (h *Handler) listCircuits(c *gin.Context) {
	if h.circuits == nil {
		notConfigured(c, "circuit breaker")
		return
	}
	c.JSON(http.StatusOK, gin.H{"circuits": h.circuits.Snapshot()})
}
