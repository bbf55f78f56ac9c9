package pricing

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func wideConfig() models.BotConfig {
	return models.BotConfig{
		MinMarginPercent: -5.0,
		MaxMarginPercent: 10.0,
	}
}

func competitorAt(price string) models.CompetitorAd {
	return models.CompetitorAd{Nickname: "rival", Price: dec(price)}
}

func TestSmartRecommend(t *testing.T) {
	tests := []struct {
		name          string
		qualified     []models.CompetitorAd
		reference     string
		side          string
		undercutCents int
		matchPrice    bool
		wantTarget    string
	}{
		{
			// One qualifying SELL competitor at 20.40, undercut one cent.
			name:          "Sell Undercut One Cent",
			qualified:     []models.CompetitorAd{competitorAt("20.40")},
			reference:     "20.50",
			side:          models.SideSell,
			undercutCents: 1,
			wantTarget:    "20.39",
		},
		{
			name:          "Sell Match Price",
			qualified:     []models.CompetitorAd{competitorAt("20.40")},
			reference:     "20.50",
			side:          models.SideSell,
			undercutCents: 1,
			matchPrice:    true,
			wantTarget:    "20.40",
		},
		{
			name:          "Buy Overcut One Cent",
			qualified:     []models.CompetitorAd{competitorAt("19.80")},
			reference:     "20.00",
			side:          models.SideBuy,
			undercutCents: 1,
			wantTarget:    "19.81",
		},
		{
			name:          "Sell Clamped At Lower Margin",
			qualified:     []models.CompetitorAd{competitorAt("15.00")},
			reference:     "20.00",
			side:          models.SideSell,
			undercutCents: 1,
			wantTarget:    "19.00", // 20.00 * 0.95
		},
		{
			name:          "Sell Clamped At Upper Margin",
			qualified:     []models.CompetitorAd{competitorAt("30.00")},
			reference:     "20.00",
			side:          models.SideSell,
			undercutCents: 1,
			wantTarget:    "22.00", // 20.00 * 1.10
		},
		{
			name:          "Buy Clamped At Upper Bound",
			qualified:     []models.CompetitorAd{competitorAt("30.00")},
			reference:     "20.00",
			side:          models.SideBuy,
			undercutCents: 1,
			wantTarget:    "21.00", // 20.00 * (1 + 5%)
		},
		{
			name:          "Zero Undercut Behaves Like Match",
			qualified:     []models.CompetitorAd{competitorAt("20.40")},
			reference:     "20.50",
			side:          models.SideSell,
			undercutCents: 0,
			wantTarget:    "20.40",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SmartRecommend(tt.qualified, dec(tt.reference), tt.side, wideConfig(), tt.undercutCents, tt.matchPrice)
			if got == nil {
				t.Fatal("expected an analysis, got nil")
			}
			if !got.Target.Equal(dec(tt.wantTarget)) {
				t.Errorf("target = %s, want %s", got.Target, tt.wantTarget)
			}
			if got.Mode != models.ModeSmart {
				t.Errorf("mode = %s, want smart", got.Mode)
			}
			if got.QualifiedCount != len(tt.qualified) {
				t.Errorf("qualifiedCount = %d, want %d", got.QualifiedCount, len(tt.qualified))
			}
		})
	}
}

func TestSmartRecommendEmptySet(t *testing.T) {
	if got := SmartRecommend(nil, dec("20.00"), models.SideSell, wideConfig(), 1, false); got != nil {
		t.Errorf("expected nil for empty qualified set, got %+v", got)
	}
}

func TestSmartRecommendIsPure(t *testing.T) {
	qualified := []models.CompetitorAd{competitorAt("20.40"), competitorAt("20.45")}
	ref := dec("20.50")

	first := SmartRecommend(qualified, ref, models.SideSell, wideConfig(), 1, false)
	for i := 0; i < 10; i++ {
		again := SmartRecommend(qualified, ref, models.SideSell, wideConfig(), 1, false)
		if !again.Target.Equal(first.Target) || again.QualifiedCount != first.QualifiedCount {
			t.Fatalf("run %d produced %+v, first run produced %+v", i, again, first)
		}
	}
}

func TestRoundingIsHalfEven(t *testing.T) {
	// 20.385 rounds to 20.38 under half-even, not 20.39.
	got := dec("20.385").RoundBank(2)
	if !got.Equal(dec("20.38")) {
		t.Errorf("RoundBank(20.385) = %s, want 20.38", got)
	}
	got = dec("20.375").RoundBank(2)
	if !got.Equal(dec("20.38")) {
		t.Errorf("RoundBank(20.375) = %s, want 20.38", got)
	}
}
