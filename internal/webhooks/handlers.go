package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/freightbay/freightbay/internal/auth"
	"github.com/freightbay/freightbay/internal/idgen"
	"github.com/freightbay/freightbay/internal/security"
	"github.com/freightbay/freightbay/internal/validation"
)

// MaxSubscriptionsPerUser caps how many webhooks one user may register.
const MaxSubscriptionsPerUser = 10

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store    Store
	checkURL func(string) error
}

// NewHandler creates a new webhook handler
func NewHandler(store Store) *Handler {
	return &Handler{
		store:    store,
		checkURL: security.ValidateEndpointURL,
	}
}

// WithURLCheck replaces the endpoint check applied on registration.
func (h *Handler) WithURLCheck(fn func(string) error) *Handler {
	h.checkURL = fn
	return h
}

// RegisterProtectedRoutes sets up webhook routes for the authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/me/webhooks", h.CreateWebhook)
	r.GET("/me/webhooks", h.ListWebhooks)
	r.DELETE("/me/webhooks/:id", validation.IDParamMiddleware(), h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /v1/me/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	userID := auth.GetAuthenticatedUser(c)

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(validation.MaxLength("url", req.URL, 2048)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if err := h.checkURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events, err := ParseEvents(req.Events)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_event",
			"message": err.Error(),
			"allowed": AllEvents,
		})
		return
	}

	existing, err := h.store.ListByUser(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}
	if len(existing) >= MaxSubscriptionsPerUser {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "limit_reached",
			"message": "Webhook limit reached",
		})
		return
	}

	secret, err := generateSecret()
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		UserID:    userID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once!
		"usage": gin.H{
			"signature": "hex HMAC-SHA256(secret, timestamp + \".\" + body)",
			"header":    HeaderSignature,
			"timestamp": HeaderTimestamp,
		},
	})
}

// ListWebhooks handles GET /v1/me/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByUser(c.Request.Context(), auth.GetAuthenticatedUser(c))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
	})
}

// DeleteWebhook handles DELETE /v1/me/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedUser(c))
	if errors.Is(err, ErrSubscriptionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(b), nil
}
