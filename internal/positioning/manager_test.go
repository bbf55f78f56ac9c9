package positioning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novacoinotc/otc-desk-engine/internal/db"
	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeExchange struct {
	mu          sync.Mutex
	ads         []models.Advertisement
	competitors []models.CompetitorAd
	updates     []struct {
		adID  string
		price decimal.Decimal
	}
	updateErr error
}

func (f *fakeExchange) ListOwnAds(context.Context) ([]models.Advertisement, error) {
	return f.ads, nil
}

func (f *fakeExchange) SearchCompetitorAds(context.Context, string, string, string, int) ([]models.CompetitorAd, error) {
	return f.competitors, nil
}

func (f *fakeExchange) UpdateAdPrice(_ context.Context, adID string, price decimal.Decimal) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, struct {
		adID  string
		price decimal.Decimal
	}{adID, price})
	return nil
}

type fakeConfigStore struct {
	cfg models.BotConfig
}

func (f *fakeConfigStore) GetBotConfig(context.Context, db.MerchantContext) (models.BotConfig, error) {
	return f.cfg, nil
}

func (f *fakeConfigStore) TouchPositioningActivity(context.Context, db.MerchantContext) error {
	return nil
}

type captureEvents struct {
	mu     sync.Mutex
	events []map[string]any
}

func (c *captureEvents) Publish(eventType string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := payload.(map[string]any); ok {
		m["type"] = eventType
		c.events = append(c.events, m)
	}
}

func qualifyingCompetitor(nick, price string) models.CompetitorAd {
	return models.CompetitorAd{
		Nickname:        nick,
		UserNo:          "user-" + nick,
		Price:           dec(price),
		SurplusAmount:   dec("10000"),
		MonthOrderCount: 100,
		MonthFinishRate: 0.99,
		PositiveRate:    0.99,
		UserGrade:       3,
		IsOnline:        true,
	}
}

func enabledConfig() models.BotConfig {
	return models.BotConfig{
		PositioningEnabled:   true,
		PositioningMode:      models.ModeSmart,
		UndercutCents:        1,
		SmartMinOrderCount:   20,
		SmartMinFinishRate:   0.90,
		SmartMinPositiveRate: 0.95,
		SmartMinUserGrade:    2,
		SmartRequireOnline:   true,
		SmartMinSurplus:      dec("100"),
		MinMarginPercent:     -5.0,
		MaxMarginPercent:     10.0,
	}
}

func sellAd(id, price string) models.Advertisement {
	return models.Advertisement{
		AdID: id, Side: models.SideSell, Asset: "USDT", Fiat: "MXN",
		Price: dec(price), Online: true, Surplus: dec("5000"),
	}
}

func newTestManager(ex *fakeExchange, cfg models.BotConfig, events Events) *MultiAdManager {
	merchant := models.Merchant{ID: "m1", Name: "Desk", MerchantNo: "no-1"}
	return NewMultiAdManager(merchant, ex, &fakeConfigStore{cfg: cfg}, events, time.Second)
}

// Smart SELL, one qualifying competitor at 20.40, undercut one cent.
func TestTickRepricesSellAd(t *testing.T) {
	ex := &fakeExchange{
		ads:         []models.Advertisement{sellAd("ad1", "20.50")},
		competitors: []models.CompetitorAd{qualifyingCompetitor("rival", "20.40")},
	}
	m := newTestManager(ex, enabledConfig(), nil)

	m.runTick(context.Background())

	if len(ex.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(ex.updates))
	}
	if ex.updates[0].adID != "ad1" || !ex.updates[0].price.Equal(dec("20.39")) {
		t.Errorf("update = %s@%s, want ad1@20.39", ex.updates[0].adID, ex.updates[0].price)
	}
	if !m.managed["ad1"].ad.Price.Equal(dec("20.39")) {
		t.Errorf("local price = %s, want 20.39", m.managed["ad1"].ad.Price)
	}
}

func TestTickKillSwitchSuppressesUpdates(t *testing.T) {
	ex := &fakeExchange{
		ads:         []models.Advertisement{sellAd("ad1", "20.50")},
		competitors: []models.CompetitorAd{qualifyingCompetitor("rival", "20.40")},
	}
	cfg := enabledConfig()
	cfg.PositioningEnabled = false
	m := newTestManager(ex, cfg, nil)

	m.runTick(context.Background())

	if len(ex.updates) != 0 {
		t.Fatalf("updates = %d, want 0 with positioning disabled", len(ex.updates))
	}
	// Discovery still ran.
	if len(m.managed) != 1 {
		t.Fatalf("managed = %d ads, want 1", len(m.managed))
	}
}

func TestTickSkipsSubCentDrift(t *testing.T) {
	ex := &fakeExchange{
		ads:         []models.Advertisement{sellAd("ad1", "20.40")},
		competitors: []models.CompetitorAd{qualifyingCompetitor("rival", "20.40")},
	}
	cfg := enabledConfig()
	cfg.MatchPrice = true // target equals current price exactly
	m := newTestManager(ex, cfg, nil)

	m.runTick(context.Background())

	if len(ex.updates) != 0 {
		t.Fatalf("updates = %d, want 0 for zero drift", len(ex.updates))
	}
}

func TestTickThrottlesRecentlyUpdatedAd(t *testing.T) {
	ex := &fakeExchange{
		ads:         []models.Advertisement{sellAd("ad1", "20.50")},
		competitors: []models.CompetitorAd{qualifyingCompetitor("rival", "20.40")},
	}
	m := newTestManager(ex, enabledConfig(), nil)

	m.runTick(context.Background())
	// Move the market so a second update would be due immediately.
	ex.competitors = []models.CompetitorAd{qualifyingCompetitor("rival", "20.00")}
	m.runTick(context.Background())

	if len(ex.updates) != 1 {
		t.Fatalf("updates = %d, want 1 (3s per-ad throttle)", len(ex.updates))
	}
}

// Follow mode, target absent from the scan: falls back to Smart and tags the
// analysis accordingly.
func TestTickFollowFallsBackToSmart(t *testing.T) {
	competitors := make([]models.CompetitorAd, 0, 20)
	for i := 0; i < 20; i++ {
		competitors = append(competitors, qualifyingCompetitor("other", "20.40"))
	}
	ex := &fakeExchange{
		ads:         []models.Advertisement{sellAd("ad1", "20.50")},
		competitors: competitors,
	}
	cfg := enabledConfig()
	cfg.PositioningMode = models.ModeFollow
	cfg.FollowTarget = "AliceTrader"
	events := &captureEvents{}
	m := newTestManager(ex, cfg, events)

	m.runTick(context.Background())

	if len(ex.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(ex.updates))
	}
	if len(events.events) != 1 {
		t.Fatalf("events = %d, want 1", len(events.events))
	}
	analysis, ok := events.events[0]["analysis"].(*models.PricingAnalysis)
	if !ok {
		t.Fatalf("analysis payload missing: %v", events.events[0])
	}
	if analysis.Mode != models.ModeSmart {
		t.Errorf("analysis mode = %s, want smart after follow fallback", analysis.Mode)
	}
}

func TestTickFollowTracksNamedCompetitor(t *testing.T) {
	// The follow target fails the quality filter on purpose: follow must
	// search the unfiltered set.
	target := qualifyingCompetitor("AliceTrader", "20.30")
	target.MonthOrderCount = 1

	ex := &fakeExchange{
		ads:         []models.Advertisement{sellAd("ad1", "20.50")},
		competitors: []models.CompetitorAd{target, qualifyingCompetitor("other", "20.45")},
	}
	cfg := enabledConfig()
	cfg.PositioningMode = models.ModeFollow
	cfg.FollowTarget = "AliceTrader"
	m := newTestManager(ex, cfg, nil)

	m.runTick(context.Background())

	if len(ex.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(ex.updates))
	}
	if !ex.updates[0].price.Equal(dec("20.29")) {
		t.Errorf("price = %s, want 20.29 (one cent under the followed target)", ex.updates[0].price)
	}
}

func TestSyncManagedSetDropsVanishedAds(t *testing.T) {
	ex := &fakeExchange{ads: []models.Advertisement{sellAd("ad1", "20.50"), sellAd("ad2", "21.00")}}
	m := newTestManager(ex, enabledConfig(), nil)

	m.syncManagedSet(ex.ads)
	if len(m.managed) != 2 {
		t.Fatalf("managed = %d, want 2", len(m.managed))
	}

	m.syncManagedSet([]models.Advertisement{sellAd("ad2", "21.00")})
	if len(m.managed) != 1 {
		t.Fatalf("managed = %d after drop, want 1", len(m.managed))
	}
	if _, ok := m.managed["ad2"]; !ok {
		t.Fatal("surviving ad should be ad2")
	}
}
