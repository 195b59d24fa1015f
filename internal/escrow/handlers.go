package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/landtrust/internal/auth"
	"github.com/mbd888/landtrust/internal/logging"
)

// Handler provides HTTP endpoints for offers, transactions and disputes.
type Handler struct {
	offers   *OfferLedger
	engine   *Engine
	disputes *DisputeService
}

// NewHandler creates a new marketplace handler.
func NewHandler(offers *OfferLedger, engine *Engine, disputes *DisputeService) *Handler {
	return &Handler{offers: offers, engine: engine, disputes: disputes}
}

// RegisterProtectedRoutes sets up auth-required routes. Every route acts on
// behalf of the caller identified by the auth middleware.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/listings/:id/offers", h.SubmitOffer)
	r.GET("/listings/:id/offers", h.ListOffers)
	r.GET("/offers/:id", h.GetOffer)
	r.POST("/offers/:id/respond", h.RespondToOffer)
	r.GET("/me/offers", h.ListMyOffers)

	r.GET("/me/transactions", h.ListMyTransactions)
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/transactions/:id/history", h.GetHistory)
	r.GET("/transactions/:id/payments", h.GetPayments)
	r.POST("/transactions/:id/escrow", h.RequestEscrow)
	r.POST("/transactions/:id/verification", h.StartVerification)
	r.POST("/transactions/:id/close", h.CloseTransaction)

	r.POST("/transactions/:id/disputes", h.OpenDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/disputes/:id/messages", h.ListMessages)
	r.POST("/disputes/:id/messages", h.AppendMessage)
	r.POST("/disputes/:id/review", h.ReviewDispute)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
	r.POST("/disputes/:id/close", h.CloseDispute)

	r.GET("/admin/payments/review", h.ListPaymentsForReview)
}

// actorFrom builds the core actor from the verified token.
func actorFrom(c *gin.Context) Actor {
	roles := auth.Roles(c)
	actor := Actor{ID: auth.UserID(c), Roles: make([]Role, 0, len(roles))}
	for _, r := range roles {
		actor.Roles = append(actor.Roles, Role(r))
	}
	return actor
}

func limitParam(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}

// errorStatus maps a core error to its HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrPaymentMismatch):
		return http.StatusUnprocessableEntity, "payment_mismatch"
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		msg = "Internal server error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}

func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: " + err.Error(),
		})
		return false
	}
	return true
}

// SubmitOffer handles POST /v1/listings/:id/offers
func (h *Handler) SubmitOffer(c *gin.Context) {
	var req SubmitOfferRequest
	if !bindJSON(c, &req) {
		return
	}
	offer, err := h.offers.SubmitOffer(c.Request.Context(), actorFrom(c), c.Param("id"), req.AmountMinor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

// ListOffers handles GET /v1/listings/:id/offers
func (h *Handler) ListOffers(c *gin.Context) {
	offers, err := h.offers.ListOffers(c.Request.Context(), actorFrom(c), c.Param("id"), limitParam(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	offer, err := h.offers.GetOffer(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// RespondToOffer handles POST /v1/offers/:id/respond
func (h *Handler) RespondToOffer(c *gin.Context) {
	var req RespondRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.offers.RespondToOffer(c.Request.Context(), actorFrom(c), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	body := gin.H{"offer": res.Offer}
	if res.Transaction != nil {
		body["transaction"] = res.Transaction
	}
	c.JSON(http.StatusOK, body)
}

// ListMyOffers handles GET /v1/me/offers
func (h *Handler) ListMyOffers(c *gin.Context) {
	offers, err := h.offers.ListMine(c.Request.Context(), actorFrom(c), limitParam(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

// ListMyTransactions handles GET /v1/me/transactions
func (h *Handler) ListMyTransactions(c *gin.Context) {
	txs, err := h.engine.ListForParty(c.Request.Context(), actorFrom(c), limitParam(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	t, err := h.engine.Get(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// GetHistory handles GET /v1/transactions/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	events, err := h.engine.History(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetPayments handles GET /v1/transactions/:id/payments
func (h *Handler) GetPayments(c *gin.Context) {
	payments, err := h.engine.Payments(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

// RequestEscrow handles POST /v1/transactions/:id/escrow
func (h *Handler) RequestEscrow(c *gin.Context) {
	t, err := h.engine.RequestEscrow(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// StartVerification handles POST /v1/transactions/:id/verification
func (h *Handler) StartVerification(c *gin.Context) {
	t, err := h.engine.StartVerification(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// CloseTransaction handles POST /v1/transactions/:id/close
func (h *Handler) CloseTransaction(c *gin.Context) {
	t, err := h.engine.Close(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// OpenDispute handles POST /v1/transactions/:id/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenDisputeRequest
	if !bindJSON(c, &req) {
		return
	}
	d, err := h.disputes.Open(c.Request.Context(), actorFrom(c), c.Param("id"), req.Summary)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.disputes.Get(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListMessages handles GET /v1/disputes/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.disputes.Messages(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

// AppendMessage handles POST /v1/disputes/:id/messages
func (h *Handler) AppendMessage(c *gin.Context) {
	var req MessageRequest
	if !bindJSON(c, &req) {
		return
	}
	msg, err := h.disputes.AppendMessage(c.Request.Context(), actorFrom(c), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// ReviewDispute handles POST /v1/disputes/:id/review
func (h *Handler) ReviewDispute(c *gin.Context) {
	d, err := h.disputes.StartReview(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if !bindJSON(c, &req) {
		return
	}
	d, err := h.disputes.Resolve(c.Request.Context(), actorFrom(c), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// CloseDispute handles POST /v1/disputes/:id/close
func (h *Handler) CloseDispute(c *gin.Context) {
	d, err := h.disputes.Close(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListPaymentsForReview handles GET /v1/admin/payments/review
func (h *Handler) ListPaymentsForReview(c *gin.Context) {
	payments, err := h.engine.PaymentsForReview(c.Request.Context(), actorFrom(c), limitParam(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}
