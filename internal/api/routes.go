package api

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/novacoinotc/otc-desk-engine/internal/db"
	"github.com/novacoinotc/otc-desk-engine/internal/exchange"
	"github.com/novacoinotc/otc-desk-engine/internal/verification"
)

type APIHandler struct {
	dbStore  *db.PostgresStore
	exClient *exchange.Client
	wsHub    *Hub
	matcher  *verification.Matcher
}

func SetupRouter(dbStore *db.PostgresStore, exClient *exchange.Client, wsHub *Hub, matcher *verification.Matcher) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://desk.example.com
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Merchant-Id, X-Admin, X-Admin-View-All")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		dbStore:  dbStore,
		exClient: exClient,
		wsHub:    wsHub,
		matcher:  matcher,
	}

	// ── Public endpoints (no auth) ─────────────────────────────
	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
	}

	// ── Operator endpoints (bearer token if API_AUTH_TOKEN set) ──
	op := r.Group("/api")
	op.Use(AuthMiddleware())
	op.Use(MerchantContextMiddleware())
	op.Use(NewRateLimiter(60, 10).Middleware())
	{
		payments := op.Group("/pending-payments")
		{
			payments.GET("", handler.handleListPendingPayments)
			payments.POST("", handler.handleManualMatch)
			payments.PATCH("", handler.handleDiscardPayment)
			payments.DELETE("", handler.handleBulkDiscard)
			payments.GET("/orders", handler.handleCandidateOrders)
		}

		trusted := op.Group("/trusted-buyers")
		{
			trusted.GET("", handler.handleListTrustedBuyers)
			trusted.POST("", handler.handleAddTrustedBuyer)
			trusted.PATCH("", handler.handleUpdateTrustedBuyer)
			trusted.DELETE("", handler.handleDeactivateTrustedBuyer)
		}

		op.GET("/bot-config", handler.handleGetBotConfig)
		op.PUT("/bot-config", handler.handleSaveBotConfig)

		op.GET("/orders/:orderNumber/timeline", handler.handleGetTimeline)
		op.POST("/orders/release", handler.handleReleaseOrder)
	}

	return r
}

// handleHealth returns engine status and connectivity for service discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	dbConnected := h.dbStore != nil
	if dbConnected {
		dbConnected = h.dbStore.GetPool().Ping(c.Request.Context()) == nil
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            "operational",
		"engine":            "OTC Desk Engine v1.0",
		"dbConnected":       dbConnected,
		"exchangeConnected": h.exClient != nil,
		"capabilities": gin.H{
			"positioning":         true,
			"payment_matching":    true,
			"order_orchestration": true,
			"trusted_buyers":      true,
		},
	})
}
