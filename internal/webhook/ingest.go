package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/novacoinotc/otc-desk-engine/internal/db"
	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

const (
	dedupTTL       = 5 * time.Minute
	replayWindow   = 5 * time.Minute
	maxBodyBytes   = 1 << 20
)

// Store is the persistence slice the ingest endpoint needs.
type Store interface {
	SavePayment(ctx context.Context, mctx db.MerchantContext, p models.Payment) (models.Payment, bool, error)
	FindMerchantByClabe(ctx context.Context, clabe string) (models.Merchant, error)
}

// Matcher receives completed deposits for asynchronous reconciliation.
type Matcher interface {
	HandlePaymentReceived(ctx context.Context, mctx db.MerchantContext, p models.Payment)
}

type Config struct {
	// Secret is the shared secret accepted both as a bearer token and as
	// the HMAC signing key.
	Secret string
	// AllowedIPs, when non-empty, admits unauthenticated requests from
	// these addresses.
	AllowedIPs []string
	// DefaultMerchantID receives deposits whose receiver account resolves
	// to no merchant. Empty means unresolvable deposits are rejected.
	DefaultMerchantID string
}

// Handler accepts bank deposit notifications: authenticate, deduplicate,
// persist, acknowledge fast, and hand completed deposits to the matcher in
// the background.
type Handler struct {
	store   Store
	matcher Matcher
	cfg     Config
	dedup   *dedupSet
}

func NewHandler(store Store, matcher Matcher, cfg Config) *Handler {
	return &Handler{
		store:   store,
		matcher: matcher,
		cfg:     cfg,
		dedup:   newDedupSet(dedupTTL),
	}
}

// Register mounts the payment endpoint and its legacy alias, and starts the
// dedup sweep.
func (h *Handler) Register(ctx context.Context, r *gin.Engine) {
	go h.dedup.cleanupLoop(ctx)
	r.POST("/webhook/payment", h.handleDeposit)
	r.POST("/webhook/bank", h.handleDeposit)
}

func (h *Handler) handleDeposit(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable request body"})
		return
	}

	if code, msg := h.authenticate(c, body); code != http.StatusOK {
		c.JSON(code, gin.H{"error": msg})
		return
	}

	payment, bankStatus, err := parsePayment(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload", "details": err.Error()})
		return
	}

	if !h.dedup.remember(payment.TransactionID) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "acknowledged",
			"transactionId": payment.TransactionID,
			"duplicate":     true,
		})
		return
	}

	mctx, err := h.resolveMerchant(c.Request.Context(), payment)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown receiver account"})
		return
	}

	saved, created, err := h.store.SavePayment(c.Request.Context(), mctx, payment)
	if err != nil {
		log.Printf("[Webhook] Failed to persist payment %s: %v", payment.TransactionID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Persistence failed"})
		return
	}

	// Acknowledge before matching; reconciliation is fire-and-forget.
	if created && bankStatus == bankStatusCompleted {
		go h.matcher.HandlePaymentReceived(context.Background(), mctx, saved)
	} else if created {
		log.Printf("[Webhook] Payment %s stored with bank status %q; awaiting review", saved.TransactionID, bankStatus)
	}

	resp := gin.H{"status": "acknowledged", "transactionId": saved.TransactionID}
	if !created {
		resp["duplicate"] = true
	}
	c.JSON(http.StatusOK, resp)
}

// authenticate admits the request through one of: bearer token, HMAC
// signature over "{timestamp}.{rawBody}", or IP allowlist. A presented
// Authorization header is the only mechanism tried for that request, and so
// is a presented signature when no Authorization header is sent; if it fails
// the request gets 401 and the allowlist is not consulted. The allowlist
// decides only requests that carry neither.
func (h *Handler) authenticate(c *gin.Context, body []byte) (int, string) {
	if h.cfg.Secret != "" {
		if auth := c.GetHeader("Authorization"); auth != "" {
			parts := strings.SplitN(auth, " ", 2)
			if len(parts) == 2 && parts[0] == "Bearer" &&
				subtle.ConstantTimeCompare([]byte(parts[1]), []byte(h.cfg.Secret)) == 1 {
				return http.StatusOK, ""
			}
			return http.StatusUnauthorized, "Invalid bearer token"
		}

		if sig := c.GetHeader("X-Webhook-Signature"); sig != "" {
			if h.verifySignature(sig, c.GetHeader("X-Webhook-Timestamp"), body) {
				return http.StatusOK, ""
			}
			return http.StatusUnauthorized, "Invalid signature"
		}
	}

	if len(h.cfg.AllowedIPs) > 0 {
		ip := c.ClientIP()
		for _, allowed := range h.cfg.AllowedIPs {
			if strings.TrimSpace(allowed) == ip {
				return http.StatusOK, ""
			}
		}
		return http.StatusForbidden, "IP not allowed"
	}

	return http.StatusUnauthorized, "Missing authentication"
}

func (h *Handler) verifySignature(sigHex, timestamp string, body []byte) bool {
	if timestamp == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	drift := time.Since(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > replayWindow {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.cfg.Secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(sigHex)), []byte(expected))
}

// resolveMerchant maps the deposit's receiver account to a tenant, falling
// back to the configured default.
func (h *Handler) resolveMerchant(ctx context.Context, p models.Payment) (db.MerchantContext, error) {
	if p.ReceiverAccount != "" {
		if m, err := h.store.FindMerchantByClabe(ctx, p.ReceiverAccount); err == nil {
			return db.MerchantContext{MerchantID: m.ID}, nil
		} else if !errors.Is(err, db.ErrNotFound) {
			return db.MerchantContext{}, err
		}
	}
	if h.cfg.DefaultMerchantID != "" {
		return db.MerchantContext{MerchantID: h.cfg.DefaultMerchantID}, nil
	}
	return db.MerchantContext{}, db.ErrNotFound
}
