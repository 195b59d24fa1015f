package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/landtrust/internal/escrow"
	"github.com/mbd888/landtrust/internal/metrics"
)

const maxBodyBytes = 64 << 10

// Handler exposes the gateway callback endpoints.
type Handler struct {
	reporter     Reporter
	secret       string
	stripeSecret string
	tolerance    time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewHandler creates a gateway handler. secret signs generic callbacks;
// stripeSecret is the Stripe endpoint secret. An empty secret disables the
// corresponding endpoint.
func NewHandler(reporter Reporter, secret, stripeSecret string, logger *slog.Logger) *Handler {
	return &Handler{
		reporter:     reporter,
		secret:       secret,
		stripeSecret: stripeSecret,
		tolerance:    DefaultTolerance,
		logger:       logger,
		now:          time.Now,
	}
}

// RegisterRoutes mounts the callback endpoints. They authenticate by
// signature, not by bearer token.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	if h.secret != "" {
		r.POST("/gateway/callbacks", h.HandleCallback)
	}
	if h.stripeSecret != "" {
		r.POST("/gateway/stripe", h.HandleStripe)
	}
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "invalid_request",
			"message": "Callback body too large or unreadable",
		})
		return nil, false
	}
	return body, true
}

// HandleCallback handles POST /v1/gateway/callbacks
func (h *Handler) HandleCallback(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	err := VerifySignature(body, h.secret, c.GetHeader(HeaderTimestamp), c.GetHeader(HeaderSignature), h.now(), h.tolerance)
	if err != nil {
		metrics.GatewayCallbacksTotal.WithLabelValues("signed", "bad_signature").Inc()
		h.logger.Warn("rejected gateway callback", "error", err, "remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": err.Error()})
		return
	}

	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		metrics.GatewayCallbacksTotal.WithLabelValues("signed", "invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid callback body: " + err.Error(),
		})
		return
	}
	h.apply(c, "signed", cb)
}

// HandleStripe handles POST /v1/gateway/stripe
func (h *Handler) HandleStripe(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	event, err := webhook.ConstructEventWithOptions(body, c.GetHeader("Stripe-Signature"), h.stripeSecret,
		webhook.ConstructEventOptions{Tolerance: h.tolerance, IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.GatewayCallbacksTotal.WithLabelValues("stripe", "bad_signature").Inc()
		h.logger.Warn("rejected stripe webhook", "error", err, "remote", c.ClientIP())
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "Stripe signature verification failed"})
		return
	}

	cb, ok, err := fromStripe(event)
	if err != nil {
		metrics.GatewayCallbacksTotal.WithLabelValues("stripe", "invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !ok {
		metrics.GatewayCallbacksTotal.WithLabelValues("stripe", "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "type": event.Type})
		return
	}
	h.apply(c, "stripe", cb)
}

func (h *Handler) apply(c *gin.Context, source string, cb Callback) {
	logger := h.logger.With("source", source, "kind", cb.Kind, "transactionId", cb.TransactionID, "providerRef", cb.ProviderRef)
	tx, err := Apply(c.Request.Context(), h.reporter, cb)
	if err != nil {
		status, code := errorStatus(err)
		metrics.GatewayCallbacksTotal.WithLabelValues(source, code).Inc()
		if status == http.StatusInternalServerError {
			logger.Error("gateway callback failed", "error", err)
			c.JSON(status, gin.H{"error": code, "message": "Internal server error"})
			return
		}
		logger.Warn("gateway callback rejected", "error", err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	metrics.GatewayCallbacksTotal.WithLabelValues(source, "accepted").Inc()
	logger.Info("gateway callback applied", "status", tx.Status)
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// errorStatus maps engine errors for the provider. Anything but 2xx makes a
// provider redeliver, which is only useful for transient failures.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, escrow.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, escrow.ErrPaymentMismatch):
		return http.StatusUnprocessableEntity, "payment_mismatch"
	case errors.Is(err, escrow.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, escrow.ErrConflict):
		return http.StatusConflict, "conflict"
	}
	return http.StatusInternalServerError, "internal_error"
}
