package reconciliation

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/freightbay/freightbay/internal/gateway"
	"github.com/freightbay/freightbay/internal/logging"
	"github.com/freightbay/freightbay/internal/settlement"
)

// MaxPayloadSize bounds an inbound webhook body.
const MaxPayloadSize = 64 << 10

// SignatureHeader carries the payment network's event signature.
const SignatureHeader = "Stripe-Signature"

// Handler receives payment network webhooks.
type Handler struct {
	gateway    gateway.Gateway
	reconciler *Reconciler
}

// NewHandler creates a new webhook handler.
func NewHandler(gw gateway.Gateway, reconciler *Reconciler) *Handler {
	return &Handler{gateway: gw, reconciler: reconciler}
}

// RegisterRoutes sets up the unauthenticated webhook route. Requests are
// authenticated by their signature instead.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhooks/stripe", h.HandleEvent)
}

// HandleEvent handles POST /webhooks/stripe
func (h *Handler) HandleEvent(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxPayloadSize+1))
	if err != nil || len(payload) > MaxPayloadSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Unreadable or oversized payload",
		})
		return
	}

	evt, err := h.gateway.ParseEvent(payload, c.GetHeader(SignatureHeader))
	if err != nil {
		logging.L(c.Request.Context()).Warn("rejected webhook", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Event signature verification failed",
		})
		return
	}

	res, err := h.reconciler.Handle(c.Request.Context(), evt)
	switch {
	case errors.Is(err, settlement.ErrNotReady):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "not_ready",
			"message": err.Error(),
		})
		return
	case err != nil:
		logging.L(c.Request.Context()).Error("webhook handling failed",
			"eventId", evt.ID, "kind", string(evt.Kind), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Event could not be applied",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "result": res})
}
