package positioning

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novacoinotc/otc-desk-engine/internal/db"
	"github.com/novacoinotc/otc-desk-engine/internal/pricing"
	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

// Exchange is the adapter slice the positioning loop drives.
type Exchange interface {
	pricing.CompetitorSource
	ListOwnAds(ctx context.Context) ([]models.Advertisement, error)
	UpdateAdPrice(ctx context.Context, adID string, price decimal.Decimal) error
}

// Store supplies the live config and records engine activity.
type Store interface {
	GetBotConfig(ctx context.Context, mctx db.MerchantContext) (models.BotConfig, error)
	TouchPositioningActivity(ctx context.Context, mctx db.MerchantContext) error
}

// Events receives price_update notifications for the dashboard stream. May
// be nil.
type Events interface {
	Publish(eventType string, payload any)
}

const (
	// DefaultTick is the positioning cycle interval.
	DefaultTick = 5 * time.Second
	// interAdDelay spaces venue calls inside one tick.
	interAdDelay = 100 * time.Millisecond
	// minUpdateInterval skips ads updated too recently.
	minUpdateInterval = 3 * time.Second
	// priceEpsilon is the one-cent drift threshold below which prices are
	// considered equal.
	priceEpsilon = "0.01"
)

// managedAd is the in-memory working state for one advertisement. Owned by
// this merchant's loop; no cross-loop access.
type managedAd struct {
	ad           models.Advertisement
	lastUpdateAt time.Time
	updateCount  int
	errorCount   int
}

// MultiAdManager owns one positioning loop for one merchant: every tick it
// reloads the config, refreshes the ad set, and repositions each online ad
// against its competitor sample.
type MultiAdManager struct {
	merchant models.Merchant
	exchange Exchange
	store    Store
	sampler  *pricing.Sampler
	events   Events
	tick     time.Duration

	// managed is owned by this merchant's loop; the mutex guards it against
	// concurrent reads through Snapshot.
	mu      sync.Mutex
	managed map[string]*managedAd
	epsilon decimal.Decimal
}

func NewMultiAdManager(merchant models.Merchant, exchange Exchange, store Store, events Events, tick time.Duration) *MultiAdManager {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &MultiAdManager{
		merchant: merchant,
		exchange: exchange,
		store:    store,
		sampler:  pricing.NewSampler(exchange),
		events:   events,
		tick:     tick,
		managed:  make(map[string]*managedAd),
		epsilon:  decimal.RequireFromString(priceEpsilon),
	}
}

// Run drives the loop until the context is cancelled.
func (m *MultiAdManager) Run(ctx context.Context) {
	log.Printf("[MultiAdManager] Starting positioning loop for merchant %s (tick %s)", m.merchant.Name, m.tick)

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[MultiAdManager] Stopping positioning loop for merchant %s", m.merchant.Name)
			return
		case <-ticker.C:
			m.runTick(ctx)
		}
	}
}

// runTick executes one positioning cycle. Any single failure is logged and
// the cycle continues; a failed tick never kills the loop.
func (m *MultiAdManager) runTick(ctx context.Context) {
	mctx := db.MerchantContext{MerchantID: m.merchant.ID}

	cfg, err := m.store.GetBotConfig(ctx, mctx)
	if err != nil {
		log.Printf("[MultiAdManager] Config reload failed for %s: %v", m.merchant.Name, err)
		return
	}

	ads, err := m.exchange.ListOwnAds(ctx)
	if err != nil {
		log.Printf("[MultiAdManager] Ad discovery failed for %s: %v", m.merchant.Name, err)
		return
	}
	m.syncManagedSet(ads)

	m.mu.Lock()
	states := make([]*managedAd, 0, len(m.managed))
	for _, state := range m.managed {
		states = append(states, state)
	}
	m.mu.Unlock()

	for _, state := range states {
		if !state.ad.Online {
			continue
		}
		m.repositionAd(ctx, mctx, cfg, state)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interAdDelay):
		}
	}

	if err := m.store.TouchPositioningActivity(ctx, mctx); err != nil {
		log.Printf("[MultiAdManager] Activity stamp failed for %s: %v", m.merchant.Name, err)
	}
}

// syncManagedSet intersects the venue's ad list with the known set: new ads
// are inserted, vanished ads dropped, and the venue's price/online state is
// taken as truth for every ad still listed.
func (m *MultiAdManager) syncManagedSet(ads []models.Advertisement) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := make(map[string]bool, len(ads))
	for _, ad := range ads {
		current[ad.AdID] = true
		if state, ok := m.managed[ad.AdID]; ok {
			state.ad = ad
			continue
		}
		m.managed[ad.AdID] = &managedAd{ad: ad}
		log.Printf("[MultiAdManager] Managing new ad %s (%s %s/%s @ %s)",
			ad.AdID, ad.Side, ad.Asset, ad.Fiat, ad.Price.StringFixed(2))
	}
	for id := range m.managed {
		if !current[id] {
			delete(m.managed, id)
		}
	}
}

func (m *MultiAdManager) repositionAd(ctx context.Context, mctx db.MerchantContext, cfg models.BotConfig, state *managedAd) {
	if time.Since(state.lastUpdateAt) < minUpdateInterval {
		return
	}
	ad := state.ad

	mode, followTarget, undercutCents, matchPrice := cfg.PositioningFor(ad.Side, ad.Asset)

	qualified, all, err := m.sampler.Sample(ctx, ad.Asset, ad.Fiat, ad.Side, cfg,
		m.merchant.Name, m.merchant.MerchantNo)
	if err != nil {
		m.recordError(state, err)
		return
	}

	// The ad's current price anchors the safety clamp: a poisoned or empty
	// book cannot drag the target further than the configured margins.
	reference := ad.Price

	var analysis *models.PricingAnalysis
	if mode == models.ModeFollow && followTarget != "" {
		analysis = pricing.FollowRecommend(followTarget, "", all, reference, ad.Side, cfg, undercutCents, matchPrice)
	}
	if analysis == nil {
		analysis = pricing.SmartRecommend(qualified, reference, ad.Side, cfg, undercutCents, matchPrice)
	}
	if analysis == nil {
		return // nothing qualified this tick
	}

	priceDiff := ad.Price.Sub(analysis.Target).Abs()
	if priceDiff.LessThan(m.epsilon) {
		return // within one cent, treated as no change
	}

	if !cfg.PositioningEnabled {
		// Kill switch: keep discovery and analysis fresh, emit no updates.
		return
	}

	if err := m.exchange.UpdateAdPrice(ctx, ad.AdID, analysis.Target); err != nil {
		m.recordError(state, err)
		return
	}

	m.mu.Lock()
	state.ad.Price = analysis.Target
	state.lastUpdateAt = time.Now()
	state.updateCount++
	m.mu.Unlock()

	log.Printf("[MultiAdManager] %s ad %s repriced %s -> %s (%s, best %s)",
		m.merchant.Name, ad.AdID, ad.Price.StringFixed(2),
		analysis.Target.StringFixed(2), analysis.Mode, analysis.Best.StringFixed(2))

	if m.events != nil {
		m.events.Publish("price_update", map[string]any{
			"adId":     ad.AdID,
			"side":     ad.Side,
			"asset":    ad.Asset,
			"fiat":     ad.Fiat,
			"from":     ad.Price.StringFixed(2),
			"to":       analysis.Target.StringFixed(2),
			"analysis": analysis,
		})
	}
}

// recordError bumps the per-ad error counter, logging every tenth failure
// to keep a rate-limited venue from flooding the log.
func (m *MultiAdManager) recordError(state *managedAd, err error) {
	m.mu.Lock()
	state.errorCount++
	count := state.errorCount
	m.mu.Unlock()
	if count%10 == 1 {
		log.Printf("[MultiAdManager] Ad %s error #%d: %v", state.ad.AdID, count, err)
	}
}

// Snapshot returns per-ad update and error counters.
func (m *MultiAdManager) Snapshot() map[string]map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]map[string]int, len(m.managed))
	for id, state := range m.managed {
		out[id] = map[string]int{
			"updates": state.updateCount,
			"errors":  state.errorCount,
		}
	}
	return out
}
