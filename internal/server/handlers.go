package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paycore-io/paycore/internal/cashout"
	"github.com/paycore-io/paycore/internal/escrow"
	"github.com/paycore-io/paycore/internal/ledger"
	"github.com/paycore-io/paycore/internal/logging"
	"github.com/paycore-io/paycore/internal/providers"
	"github.com/paycore-io/paycore/internal/queue"
	"github.com/paycore-io/paycore/internal/validation"
)

// -----------------------------------------------------------------------------
// Event ingestion
// -----------------------------------------------------------------------------

// ingestEvent handles POST /v1/events: a pre-normalized payment delivery
// from an internal caller. It is accepted into the queue, never settled
// inline, so a slow database cannot back up the caller.
func (s *Server) ingestEvent(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Provider   string          `json:"provider" binding:"required"`
		Endpoint   string          `json:"endpoint"`
		Priority   string          `json:"priority"`
		MaxRetries int             `json:"maxRetries"`
		Payload    json.RawMessage `json:"payload" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if req.Endpoint == "" {
		req.Endpoint = "settle"
	}
	if req.Priority == "" {
		req.Priority = queue.PriorityNormal
	}
	if req.MaxRetries <= 0 {
		req.MaxRetries = s.cfg.MaxRetries
	}

	ev := queue.NewEvent(req.Provider, req.Endpoint, req.Payload, c.ClientIP(), req.Priority, req.MaxRetries)
	if err := s.queueBackend.Enqueue(ctx, ev); err != nil {
		logging.L(ctx).Error("failed to enqueue event", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "queue_unavailable",
			"message": "Event could not be accepted",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"eventId": ev.ID,
		"status":  ev.Status,
	})
}

// stripeWebhook handles POST /v1/providers/stripe/webhook. The signature is
// verified synchronously; settlement happens through the queue.
func (s *Server) stripeWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	req, err := s.stripeAdapter.VerifyAndParse(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, providers.ErrIgnoredEvent) {
			// Acknowledge so Stripe stops redelivering event types we
			// do not handle.
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		logging.L(ctx).Warn("stripe webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "verification_failed",
			"message": "Webhook could not be verified",
		})
		return
	}

	body, err := json.Marshal(req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	ev := queue.NewEvent("stripe", "settle", body, c.ClientIP(), queue.PriorityHigh, s.cfg.MaxRetries)
	if err := s.queueBackend.Enqueue(ctx, ev); err != nil {
		// Non-2xx makes Stripe redeliver later, which suits us fine.
		logging.L(ctx).Error("failed to enqueue stripe event", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue_unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "eventId": ev.ID})
}

// -----------------------------------------------------------------------------
// Balances and holds
// -----------------------------------------------------------------------------

func (s *Server) getBalance(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("userId")
	currency := c.DefaultQuery("currency", "USD")

	acct, err := s.ledger.Account(ctx, userID, currency)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			// A user nobody has paid yet simply has nothing.
			c.JSON(http.StatusOK, gin.H{
				"userId":    userID,
				"currency":  currency,
				"available": "0.000000",
				"frozen":    "0.000000",
			})
			return
		}
		logging.L(ctx).Error("failed to get account", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":    userID,
		"currency":  currency,
		"available": acct.Available,
		"frozen":    acct.Frozen,
	})
}

func (s *Server) getHistory(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("userId")
	currency := c.DefaultQuery("currency", "USD")

	entries, err := s.ledger.History(ctx, userID, currency, 100)
	if err != nil {
		logging.L(ctx).Error("failed to get history", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":  userID,
		"entries": entries,
	})
}

type holdRequest struct {
	UserID      string `json:"userId" binding:"required"`
	Currency    string `json:"currency"`
	AmountUSD   string `json:"amountUsd" binding:"required"`
	HoldType    string `json:"holdType" binding:"required"`
	ReferenceID string `json:"referenceId" binding:"required"`
}

func (s *Server) createHold(c *gin.Context) {
	ctx := c.Request.Context()

	var req holdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	err := s.ledger.CreateHold(ctx, req.UserID, req.Currency, req.AmountUSD, req.HoldType, req.ReferenceID)
	if err != nil {
		s.ledgerError(c, err, "failed to create hold")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"held": req.AmountUSD})
}

func (s *Server) releaseHold(c *gin.Context) {
	ctx := c.Request.Context()

	var req holdRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	err := s.ledger.ReleaseHold(ctx, req.UserID, req.Currency, req.AmountUSD, req.HoldType, req.ReferenceID)
	if err != nil {
		s.ledgerError(c, err, "failed to release hold")
		return
	}

	c.JSON(http.StatusOK, gin.H{"released": req.AmountUSD})
}

// ledgerError maps ledger errors to HTTP responses.
func (s *Server) ledgerError(c *gin.Context, err error, logMsg string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal",
		})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "insufficient_funds",
			"message": "Available balance is too low",
		})
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "account_not_found",
			"message": "No account for this user and currency",
		})
	case errors.Is(err, ledger.ErrFrozenUnderflow):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "frozen_underflow",
			"message": "Release exceeds frozen funds",
		})
	default:
		logging.L(c.Request.Context()).Error(logMsg, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

// -----------------------------------------------------------------------------
// Escrow
// -----------------------------------------------------------------------------

func (s *Server) createEscrow(c *gin.Context) {
	ctx := c.Request.Context()

	var req escrow.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	req.BuyerID = validation.SanitizeString(req.BuyerID, 200)
	req.SellerID = validation.SanitizeString(req.SellerID, 200)

	esc, err := s.escrowService.Create(ctx, req)
	if err != nil {
		s.escrowError(c, err, "failed to create escrow")
		return
	}
	c.JSON(http.StatusCreated, esc)
}

func (s *Server) getEscrow(c *gin.Context) {
	esc, err := s.escrowService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.escrowError(c, err, "failed to get escrow")
		return
	}
	c.JSON(http.StatusOK, esc)
}

func (s *Server) listEscrows(c *gin.Context) {
	escrows, err := s.escrowService.ListByUser(c.Request.Context(), c.Param("userId"), 100)
	if err != nil {
		s.escrowError(c, err, "failed to list escrows")
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows})
}

func (s *Server) fundEscrow(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		ReceivedUSD string `json:"receivedUsd" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := s.escrowService.Fund(ctx, c.Param("id"), req.ReceivedUSD)
	if err != nil {
		s.escrowError(c, err, "failed to fund escrow")
		return
	}
	c.JSON(http.StatusOK, result)
}

// callerRequest identifies who is acting on the escrow. Party checks happen
// in the service.
type callerRequest struct {
	CallerID string `json:"callerId" binding:"required"`
}

func (s *Server) deliverEscrow(c *gin.Context) {
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	esc, err := s.escrowService.MarkDelivered(c.Request.Context(), c.Param("id"), req.CallerID)
	if err != nil {
		s.escrowError(c, err, "failed to mark delivered")
		return
	}
	c.JSON(http.StatusOK, esc)
}

func (s *Server) confirmEscrow(c *gin.Context) {
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	esc, err := s.escrowService.Confirm(c.Request.Context(), c.Param("id"), req.CallerID)
	if err != nil {
		s.escrowError(c, err, "failed to confirm escrow")
		return
	}
	c.JSON(http.StatusOK, esc)
}

func (s *Server) disputeEscrow(c *gin.Context) {
	var req struct {
		CallerID string `json:"callerId" binding:"required"`
		Reason   string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxStringLength)

	esc, err := s.escrowService.Dispute(c.Request.Context(), c.Param("id"), req.CallerID, req.Reason)
	if err != nil {
		s.escrowError(c, err, "failed to dispute escrow")
		return
	}
	c.JSON(http.StatusOK, esc)
}

func (s *Server) resolveEscrow(c *gin.Context) {
	var split escrow.DisputeSplit
	if err := c.ShouldBindJSON(&split); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	esc, err := s.escrowService.ResolveDispute(c.Request.Context(), c.Param("id"), split)
	if err != nil {
		s.escrowError(c, err, "failed to resolve dispute")
		return
	}
	c.JSON(http.StatusOK, esc)
}

func (s *Server) cancelEscrow(c *gin.Context) {
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	esc, err := s.escrowService.Cancel(c.Request.Context(), c.Param("id"), req.CallerID)
	if err != nil {
		s.escrowError(c, err, "failed to cancel escrow")
		return
	}
	c.JSON(http.StatusOK, esc)
}

func (s *Server) escrowError(c *gin.Context, err error, logMsg string) {
	switch {
	case errors.Is(err, escrow.ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "escrow_not_found",
			"message": "No escrow with this ID",
		})
	case errors.Is(err, escrow.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal",
		})
	case errors.Is(err, escrow.ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_status",
			"message": "Escrow is not in a state that allows this operation",
		})
	case errors.Is(err, escrow.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_authorized",
			"message": "Caller is not a party to this operation",
		})
	case errors.Is(err, escrow.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_resolved",
			"message": "Escrow has already been resolved",
		})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "insufficient_funds",
			"message": "Available balance is too low",
		})
	default:
		logging.L(c.Request.Context()).Error(logMsg, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

// -----------------------------------------------------------------------------
// Cashouts
// -----------------------------------------------------------------------------

func (s *Server) initiateCashout(c *gin.Context) {
	ctx := c.Request.Context()

	var req cashout.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	req.Destination = validation.SanitizeString(req.Destination, 500)

	co, err := s.cashoutService.Initiate(ctx, req)
	if err != nil {
		s.cashoutError(c, err, "failed to initiate cashout")
		return
	}
	c.JSON(http.StatusCreated, co)
}

func (s *Server) getCashout(c *gin.Context) {
	co, err := s.cashoutService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.cashoutError(c, err, "failed to get cashout")
		return
	}
	c.JSON(http.StatusOK, co)
}

func (s *Server) listCashouts(c *gin.Context) {
	cashouts, err := s.cashoutService.ListByUser(c.Request.Context(), c.Param("userId"), 100)
	if err != nil {
		s.cashoutError(c, err, "failed to list cashouts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"cashouts": cashouts})
}

func (s *Server) completeCashout(c *gin.Context) {
	co, err := s.cashoutService.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.cashoutError(c, err, "failed to complete cashout")
		return
	}
	c.JSON(http.StatusOK, co)
}

func (s *Server) cancelCashout(c *gin.Context) {
	co, err := s.cashoutService.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.cashoutError(c, err, "failed to cancel cashout")
		return
	}
	c.JSON(http.StatusOK, co)
}

func (s *Server) cashoutError(c *gin.Context, err error, logMsg string) {
	switch {
	case errors.Is(err, cashout.ErrCashoutNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "cashout_not_found",
			"message": "No cashout with this ID",
		})
	case errors.Is(err, cashout.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal",
		})
	case errors.Is(err, cashout.ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_status",
			"message": "Cashout is not in a state that allows this operation",
		})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "insufficient_funds",
			"message": "Available balance is too low",
		})
	default:
		logging.L(c.Request.Context()).Error(logMsg, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
