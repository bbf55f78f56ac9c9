package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/novacoinotc/otc-desk-engine/internal/db"
	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

// handleListPendingPayments returns the unmatched third-party queue.
// GET /api/pending-payments?limit=N
func (h *APIHandler) handleListPendingPayments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	payments, err := h.dbStore.ListPendingPayments(c.Request.Context(), merchantContext(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch pending payments", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payments, "count": len(payments)})
}

// handleManualMatch links a pending payment to an order by operator
// decision. POST /api/pending-payments {transactionId, orderNumber, resolvedBy}
func (h *APIHandler) handleManualMatch(c *gin.Context) {
	var req struct {
		TransactionID string `json:"transactionId" binding:"required"`
		OrderNumber   string `json:"orderNumber" binding:"required"`
		ResolvedBy    string `json:"resolvedBy" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected: {transactionId, orderNumber, resolvedBy}"})
		return
	}

	err := h.matcher.ManualMatch(c.Request.Context(), merchantContext(c), req.TransactionID, req.OrderNumber, req.ResolvedBy)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "matched", "transactionId": req.TransactionID, "orderNumber": req.OrderNumber})
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, db.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// handleDiscardPayment marks a pending payment as a third-party deposit.
// PATCH /api/pending-payments {transactionId, resolvedBy, reason}
func (h *APIHandler) handleDiscardPayment(c *gin.Context) {
	var req struct {
		TransactionID string `json:"transactionId" binding:"required"`
		ResolvedBy    string `json:"resolvedBy" binding:"required"`
		Reason        string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected: {transactionId, resolvedBy, reason}"})
		return
	}

	err := h.matcher.Discard(c.Request.Context(), merchantContext(c), req.TransactionID, req.ResolvedBy, req.Reason)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "discarded", "transactionId": req.TransactionID})
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Payment not found"})
	case errors.Is(err, db.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Payment is not pending"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// handleBulkDiscard discards a set of payments.
// DELETE /api/pending-payments {transactionIds, resolvedBy, reason}
func (h *APIHandler) handleBulkDiscard(c *gin.Context) {
	var req struct {
		TransactionIDs []string `json:"transactionIds" binding:"required"`
		ResolvedBy     string   `json:"resolvedBy" binding:"required"`
		Reason         string   `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.TransactionIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected: {transactionIds[], resolvedBy, reason}"})
		return
	}

	discarded, failed := h.matcher.BulkDiscard(c.Request.Context(), merchantContext(c), req.TransactionIDs, req.ResolvedBy, req.Reason)
	c.JSON(http.StatusOK, gin.H{"discarded": discarded, "failed": failed})
}

// handleCandidateOrders lists orders near an amount for manual linking.
// GET /api/pending-payments/orders?amount=N&tolerance=P
func (h *APIHandler) handleCandidateOrders(c *gin.Context) {
	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive number"})
		return
	}
	tolerance, err := strconv.ParseFloat(c.DefaultQuery("tolerance", "1"), 64)
	if err != nil || tolerance < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tolerance must be a non-negative percentage"})
		return
	}

	orders, err := h.dbStore.FindOrdersNearAmount(c.Request.Context(), merchantContext(c), amount, tolerance)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch candidate orders", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": orders, "count": len(orders)})
}

// handleGetTimeline returns an order's verification timeline.
// GET /api/orders/:orderNumber/timeline
func (h *APIHandler) handleGetTimeline(c *gin.Context) {
	mctx := merchantContext(c)
	order, err := h.dbStore.GetOrderByNumber(c.Request.Context(), mctx, c.Param("orderNumber"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	steps, err := h.dbStore.GetVerificationTimeline(c.Request.Context(), mctx, order.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order, "timeline": steps})
}

// handleReleaseOrder performs the operator release action: guarded by the
// release kill switch and the READY_TO_RELEASE recommendation. The engines
// never call this path on their own.
// POST /api/orders/release {orderNumber, twoFactorCode, resolvedBy}
func (h *APIHandler) handleReleaseOrder(c *gin.Context) {
	var req struct {
		OrderNumber   string `json:"orderNumber" binding:"required"`
		TwoFactorCode string `json:"twoFactorCode"`
		ResolvedBy    string `json:"resolvedBy" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expected: {orderNumber, twoFactorCode, resolvedBy}"})
		return
	}
	if h.exClient == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Exchange not connected"})
		return
	}

	mctx := merchantContext(c)
	cfg, err := h.dbStore.GetBotConfig(c.Request.Context(), mctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Config unavailable", "details": err.Error()})
		return
	}
	if !cfg.ReleaseEnabled {
		c.JSON(http.StatusForbidden, gin.H{"error": "Release is disabled for this merchant (kill switch)"})
		return
	}

	order, err := h.dbStore.GetOrderByNumber(c.Request.Context(), mctx, req.OrderNumber)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}
	if order.VerificationStatus != models.StepReadyToRelease {
		c.JSON(http.StatusConflict, gin.H{
			"error":              "Order is not recommended for release",
			"verificationStatus": order.VerificationStatus,
		})
		return
	}

	if err := h.exClient.ReleaseCoin(c.Request.Context(), order.OrderNumber, req.TwoFactorCode); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Venue rejected the release", "details": err.Error()})
		return
	}
	if err := h.dbStore.MarkOrderReleased(c.Request.Context(), mctx, order.ID, req.ResolvedBy); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Released on venue but local update failed", "details": err.Error()})
		return
	}
	_ = h.dbStore.AppendAudit(c.Request.Context(), mctx, "order.release", req.ResolvedBy, map[string]any{
		"orderNumber": req.OrderNumber,
	})

	c.JSON(http.StatusOK, gin.H{"status": "released", "orderNumber": req.OrderNumber})
}
