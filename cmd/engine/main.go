package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/novacoinotc/otc-desk-engine/internal/api"
	"github.com/novacoinotc/otc-desk-engine/internal/db"
	"github.com/novacoinotc/otc-desk-engine/internal/exchange"
	"github.com/novacoinotc/otc-desk-engine/internal/orders"
	"github.com/novacoinotc/otc-desk-engine/internal/positioning"
	"github.com/novacoinotc/otc-desk-engine/internal/verification"
	"github.com/novacoinotc/otc-desk-engine/internal/webhook"
)

// Exit codes: 0 normal, 1 configuration error, 2 database connectivity,
// 3 exchange unreachable on boot.
const (
	exitConfig   = 1
	exitDatabase = 2
	exitExchange = 3
)

func main() {
	log.Println("Starting OTC Desk Engine (positioning + payment matching + order orchestration)...")

	// Local development reads a .env file; production sets real env vars.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	dbUrl := requireEnv("DATABASE_URL")

	dbConn, err := db.Connect(dbUrl)
	if err != nil {
		log.Printf("FATAL: Failed to connect to PostgreSQL: %v", err)
		os.Exit(exitDatabase)
	}
	defer dbConn.Close()
	if err := dbConn.InitSchema(); err != nil {
		log.Printf("Warning: DB schema init failed: %v", err)
	}

	exCfg := exchange.Config{
		Host:      getEnvOrDefault("EXCHANGE_HOST", "https://api.venue.example"),
		APIKey:    requireEnv("EXCHANGE_API_KEY"),
		APISecret: requireEnv("EXCHANGE_API_SECRET"),
	}
	exClient, err := exchange.NewClient(exCfg)
	if err != nil {
		log.Printf("FATAL: Exchange unreachable on boot: %v", err)
		os.Exit(exitExchange)
	}

	// WebSocket hub feeding the dashboards.
	wsHub := api.NewHub()
	go wsHub.Run()
	events := api.NewEventPublisher(wsHub)

	matcher := verification.NewMatcher(dbConn, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One positioning loop and one orchestrator per active merchant.
	merchants, err := dbConn.ListActiveMerchants(ctx)
	if err != nil {
		log.Printf("FATAL: Failed to enumerate merchants: %v", err)
		os.Exit(exitDatabase)
	}
	if len(merchants) == 0 {
		log.Println("WARNING: No active merchants configured; engines idle until one is created")
	}

	posTick := envDuration("POSITIONING_TICK_MS", positioning.DefaultTick)
	orcTick := envDuration("ORCHESTRATOR_TICK_MS", orders.DefaultTick)

	for _, merchant := range merchants {
		mctx := db.MerchantContext{MerchantID: merchant.ID}
		if err := dbConn.EnsureBotConfig(ctx, mctx); err != nil {
			log.Printf("Warning: Failed to ensure bot config for %s: %v", merchant.Name, err)
		}

		manager := positioning.NewMultiAdManager(merchant, exClient, dbConn, events, posTick)
		go manager.Run(ctx)

		orchestrator := orders.NewOrchestrator(merchant, exClient, dbConn, matcher, orcTick)
		go orchestrator.Run(ctx)
	}

	// HTTP surface: operator API + webhook receiver on one engine.
	r := api.SetupRouter(dbConn, exClient, wsHub, matcher)

	hook := webhook.NewHandler(dbConn, matcher, webhook.Config{
		Secret:            os.Getenv("WEBHOOK_SECRET"),
		AllowedIPs:        splitList(os.Getenv("WEBHOOK_ALLOWED_IPS")),
		DefaultMerchantID: os.Getenv("WEBHOOK_DEFAULT_MERCHANT_ID"),
	})
	hook.Register(ctx, r)

	port := getEnvOrDefault("PORT", "5340")
	server := &http.Server{Addr: ":" + port, Handler: r}

	go func() {
		log.Printf("Engine running on :%s (%d merchant loops)\n", port, len(merchants))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Graceful shutdown: stop issuing new venue calls, drain HTTP for 5s.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutdown signal received; draining...")

	cancel()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	if err := server.Shutdown(drainCtx); err != nil {
		log.Printf("HTTP drain incomplete: %v", err)
	}
	log.Println("OTC Desk Engine stopped")
}

// requireEnv reads a required environment variable and exits if it is not
// set. This prevents the binary from starting with missing critical
// configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Printf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
		os.Exit(exitConfig)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret
// settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// envDuration reads a millisecond tick override.
func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		log.Printf("FATAL: %s must be a positive integer of milliseconds, got %q", key, raw)
		os.Exit(exitConfig)
	}
	return time.Duration(ms) * time.Millisecond
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
