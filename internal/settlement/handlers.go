package settlement

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/freightbay/freightbay/internal/auth"
	"github.com/freightbay/freightbay/internal/contracts"
	"github.com/freightbay/freightbay/internal/payouts"
	"github.com/freightbay/freightbay/internal/validation"
)

// Handler provides HTTP endpoints for contract settlement.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up settlement routes. Every route requires
// an authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/contracts", h.AwardContract)

	c := r.Group("/contracts/:id", validation.IDParamMiddleware())
	c.POST("/complete", h.CompleteContract)
	c.POST("/start", h.StartContract)
	c.POST("/resell", h.ResellContract)
	c.GET("/payouts", h.ContractPayouts)

	r.GET("/me/payouts", h.MyPayouts)
	r.GET("/me/wallet", h.MyWallet)
	r.POST("/me/payout-account", h.LinkPayoutAccount)
	r.POST("/me/payouts/transfer-pending", h.TransferPending)
}

// AwardContract handles POST /v1/contracts
func (h *Handler) AwardContract(c *gin.Context) {
	var req AwardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidID("jobId", req.JobID),
		validation.ValidID("hiredUserId", req.HiredUserID),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidAmount("escrowAmount", req.EscrowAmount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	contract, esc, err := h.service.Award(c.Request.Context(), auth.GetAuthenticatedUser(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"contract": contract, "escrow": esc})
}

// CompleteContract handles POST /v1/contracts/:id/complete
func (h *Handler) CompleteContract(c *gin.Context) {
	res, err := h.service.CompleteContract(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// StartContract handles POST /v1/contracts/:id/start
func (h *Handler) StartContract(c *gin.Context) {
	contract, err := h.service.Start(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// ResellContract handles POST /v1/contracts/:id/resell
func (h *Handler) ResellContract(c *gin.Context) {
	var req ResellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidID("hiredUserId", req.HiredUserID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	child, sub, err := h.service.Resell(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedUser(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"contract": child, "subContract": sub})
}

// ContractPayouts handles GET /v1/contracts/:id/payouts
func (h *Handler) ContractPayouts(c *gin.Context) {
	list, err := h.service.ContractPayouts(c.Request.Context(), c.Param("id"), auth.GetAuthenticatedUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": list, "count": len(list)})
}

// MyPayouts handles GET /v1/me/payouts
func (h *Handler) MyPayouts(c *gin.Context) {
	status := payouts.Status(c.Query("status"))
	switch status {
	case "", payouts.StatusPending, payouts.StatusTransferring, payouts.StatusTransferred, payouts.StatusFailed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": "status must be pending, transferring, transferred or failed",
		})
		return
	}

	list, err := h.service.UserPayouts(c.Request.Context(), auth.GetAuthenticatedUser(c), status, queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": list, "count": len(list)})
}

// MyWallet handles GET /v1/me/wallet
func (h *Handler) MyWallet(c *gin.Context) {
	w, txs, err := h.service.Wallet(c.Request.Context(), auth.GetAuthenticatedUser(c), queryLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w, "transactions": txs})
}

// LinkPayoutAccount handles POST /v1/me/payout-account
func (h *Handler) LinkPayoutAccount(c *gin.Context) {
	link, err := h.service.LinkPayoutAccount(c.Request.Context(), auth.GetAuthenticatedUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": link})
}

// TransferPending handles POST /v1/me/payouts/transfer-pending
func (h *Handler) TransferPending(c *gin.Context) {
	res, err := h.service.TransferPendingPayoutsForUser(c.Request.Context(), auth.GetAuthenticatedUser(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func queryLimit(c *gin.Context) int {
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

// writeError maps service errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrNotRoot):
		status, code = http.StatusForbidden, "not_root_contract"
	case errors.Is(err, ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrAlreadyCompleted):
		status, code = http.StatusConflict, "already_completed"
	case errors.Is(err, ErrNotReady):
		status, code = http.StatusUnprocessableEntity, "not_ready"
	case errors.Is(err, contracts.ErrSplitExceeds):
		status, code = http.StatusUnprocessableEntity, "split_exceeds_amount"
	case errors.Is(err, contracts.ErrCycle):
		status, code = http.StatusUnprocessableEntity, "resale_cycle"
	case errors.Is(err, contracts.ErrInvalidAmount), errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrFundingMismatch):
		status, code = http.StatusUnprocessableEntity, "invalid_request"
	case errors.Is(err, ErrConservation):
		code = "conservation_violation"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal error"
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
