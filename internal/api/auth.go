package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/novacoinotc/otc-desk-engine/internal/db"
)

// ──────────────────────────────────────────────────────────────────
// Bearer Token Authentication Middleware
//
// Reads API_AUTH_TOKEN from environment. If set, all operator routes
// require: Authorization: Bearer <token>
//
// Public endpoints (health, WebSocket stream) are excluded.
// ──────────────────────────────────────────────────────────────────

// AuthMiddleware returns a Gin middleware that validates bearer tokens.
// If API_AUTH_TOKEN is not set, all requests are allowed (dev mode).
// WARNING: In GIN_MODE=release, leaving API_AUTH_TOKEN unset exposes all
// operator routes to the public internet. Always set a strong token in prod.
func AuthMiddleware() gin.HandlerFunc {
	token := os.Getenv("API_AUTH_TOKEN")

	if token == "" && os.Getenv("GIN_MODE") == "release" {
		log.Println("[SECURITY WARNING] API_AUTH_TOKEN is not set in release mode. " +
			"All operator endpoints are publicly accessible. " +
			"Set API_AUTH_TOKEN in your environment to enforce authentication.")
	}

	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Missing Authorization header",
				"hint":  "Use: Authorization: Bearer <API_AUTH_TOKEN>",
			})
			c.Abort()
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid Authorization header format"})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// MerchantContextMiddleware resolves the tenant for each operator call.
// Session handling lives in the dashboard layer; the core receives the
// already-authenticated merchant id in the X-Merchant-Id header and an
// optional X-Admin-View-All for admins inspecting every tenant.
func MerchantContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		merchantID := c.GetHeader("X-Merchant-Id")
		admin := c.GetHeader("X-Admin") == "true"
		viewAll := admin && c.GetHeader("X-Admin-View-All") == "true"

		if merchantID == "" && !viewAll {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing X-Merchant-Id header"})
			c.Abort()
			return
		}

		c.Set("merchantContext", db.MerchantContext{
			MerchantID: merchantID,
			Admin:      admin,
			ViewAll:    viewAll,
		})
		c.Next()
	}
}

func merchantContext(c *gin.Context) db.MerchantContext {
	if v, ok := c.Get("merchantContext"); ok {
		if mctx, ok := v.(db.MerchantContext); ok {
			return mctx
		}
	}
	return db.MerchantContext{}
}
