package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/novacoinotc/otc-desk-engine/internal/db"
	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

// handleListTrustedBuyers lists the allowlist.
// GET /api/trusted-buyers?includeInactive=bool
func (h *APIHandler) handleListTrustedBuyers(c *gin.Context) {
	includeInactive := c.DefaultQuery("includeInactive", "false") == "true"

	buyers, err := h.dbStore.ListTrustedBuyers(c.Request.Context(), merchantContext(c), includeInactive)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch trusted buyers", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": buyers, "count": len(buyers)})
}

// handleAddTrustedBuyer creates or reactivates an allowlist entry. The
// counterparty user number is mandatory; nicknames are mutable on the venue
// and never sufficient as a key.
// POST /api/trusted-buyers {counterPartNickName, buyerUserNo, realName?, notes?}
func (h *APIHandler) handleAddTrustedBuyer(c *gin.Context) {
	var req struct {
		NickName    string `json:"counterPartNickName"`
		BuyerUserNo string `json:"buyerUserNo" binding:"required"`
		RealName    string `json:"realName"`
		Notes       string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "buyerUserNo is required"})
		return
	}

	mctx := merchantContext(c)
	tb, err := h.dbStore.AddTrustedBuyer(c.Request.Context(), mctx, models.TrustedBuyer{
		BuyerUserNo: req.BuyerUserNo,
		NickName:    req.NickName,
		RealName:    req.RealName,
		Notes:       req.Notes,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save trusted buyer", "details": err.Error()})
		return
	}
	_ = h.dbStore.AppendAudit(c.Request.Context(), mctx, "trusted_buyer.add", c.GetHeader("X-Operator"), map[string]any{
		"buyerUserNo": req.BuyerUserNo,
	})
	c.JSON(http.StatusOK, gin.H{"data": tb})
}

// handleUpdateTrustedBuyer updates descriptive fields.
// PATCH /api/trusted-buyers {buyerUserNo, realName?, notes?}
func (h *APIHandler) handleUpdateTrustedBuyer(c *gin.Context) {
	var req struct {
		BuyerUserNo string `json:"buyerUserNo" binding:"required"`
		RealName    string `json:"realName"`
		Notes       string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "buyerUserNo is required"})
		return
	}

	tb, err := h.dbStore.UpdateTrustedBuyer(c.Request.Context(), merchantContext(c), req.BuyerUserNo, req.RealName, req.Notes)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Trusted buyer not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tb})
}

// handleDeactivateTrustedBuyer soft-deletes an entry.
// DELETE /api/trusted-buyers {buyerUserNo}
func (h *APIHandler) handleDeactivateTrustedBuyer(c *gin.Context) {
	var req struct {
		BuyerUserNo string `json:"buyerUserNo" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "buyerUserNo is required"})
		return
	}

	mctx := merchantContext(c)
	if err := h.dbStore.DeactivateTrustedBuyer(c.Request.Context(), mctx, req.BuyerUserNo); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Trusted buyer not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	_ = h.dbStore.AppendAudit(c.Request.Context(), mctx, "trusted_buyer.deactivate", c.GetHeader("X-Operator"), map[string]any{
		"buyerUserNo": req.BuyerUserNo,
	})
	c.JSON(http.StatusOK, gin.H{"status": "deactivated", "buyerUserNo": req.BuyerUserNo})
}

// handleGetBotConfig returns the merchant's engine configuration.
// GET /api/bot-config
func (h *APIHandler) handleGetBotConfig(c *gin.Context) {
	cfg, err := h.dbStore.GetBotConfig(c.Request.Context(), merchantContext(c))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No config for merchant"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cfg})
}

// handleSaveBotConfig persists a dashboard config write. The engines pick
// the change up on their next tick.
// PUT /api/bot-config
func (h *APIHandler) handleSaveBotConfig(c *gin.Context) {
	var cfg models.BotConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid config body", "details": err.Error()})
		return
	}
	if cfg.UndercutCents < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "undercutCents must be >= 0"})
		return
	}
	if cfg.PositioningMode != models.ModeSmart && cfg.PositioningMode != models.ModeFollow {
		c.JSON(http.StatusBadRequest, gin.H{"error": "positioningMode must be smart or follow"})
		return
	}

	mctx := merchantContext(c)
	if err := h.dbStore.SaveBotConfig(c.Request.Context(), mctx, cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save config", "details": err.Error()})
		return
	}
	_ = h.dbStore.AppendAudit(c.Request.Context(), mctx, "bot_config.update", c.GetHeader("X-Operator"), map[string]any{
		"positioningEnabled": cfg.PositioningEnabled,
		"releaseEnabled":     cfg.ReleaseEnabled,
		"positioningMode":    cfg.PositioningMode,
	})
	c.JSON(http.StatusOK, gin.H{"status": "saved"})
}
