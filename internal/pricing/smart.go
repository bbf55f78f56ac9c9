package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

var cents = decimal.New(1, -2) // 0.01

// SmartRecommend computes a target price from the qualified competitor set.
// Pure: same inputs always produce the same analysis. Returns nil when the
// qualified set is empty.
func SmartRecommend(qualified []models.CompetitorAd, reference decimal.Decimal, side string, cfg models.BotConfig, undercutCents int, matchPrice bool) *models.PricingAnalysis {
	if len(qualified) == 0 {
		return nil
	}

	best := qualified[0].Price
	target := applyStrategy(best, side, undercutCents, matchPrice)
	target = clamp(target, reference, side, cfg.MinMarginPercent, cfg.MaxMarginPercent)
	target = target.RoundBank(2)

	return &models.PricingAnalysis{
		Mode:           models.ModeSmart,
		Best:           best,
		Target:         target,
		MarginPercent:  marginPercent(target, reference),
		QualifiedCount: len(qualified),
	}
}

// applyStrategy moves undercutCents cents past the best competitor, or
// matches it. Undercut means below on SELL and above on BUY.
func applyStrategy(best decimal.Decimal, side string, undercutCents int, matchPrice bool) decimal.Decimal {
	if matchPrice || undercutCents == 0 {
		return best
	}
	step := cents.Mul(decimal.NewFromInt(int64(undercutCents)))
	if side == models.SideSell {
		return best.Sub(step)
	}
	return best.Add(step)
}

// clamp bounds the target around the reference price so a stale reference or
// a poisoned competitor set cannot drive the price away. Margins are signed
// percentages; the BUY window mirrors the SELL window.
func clamp(target, reference decimal.Decimal, side string, minMarginPct, maxMarginPct float64) decimal.Decimal {
	if reference.IsZero() {
		return target
	}

	onePct := decimal.NewFromFloat(0.01)
	var lo, hi decimal.Decimal
	if side == models.SideSell {
		lo = reference.Mul(decimal.NewFromFloat(1).Add(decimal.NewFromFloat(minMarginPct).Mul(onePct)))
		hi = reference.Mul(decimal.NewFromFloat(1).Add(decimal.NewFromFloat(maxMarginPct).Mul(onePct)))
	} else {
		lo = reference.Mul(decimal.NewFromFloat(1).Sub(decimal.NewFromFloat(maxMarginPct).Mul(onePct)))
		hi = reference.Mul(decimal.NewFromFloat(1).Sub(decimal.NewFromFloat(minMarginPct).Mul(onePct)))
	}

	if target.LessThan(lo) {
		return lo.RoundBank(2)
	}
	if target.GreaterThan(hi) {
		return hi.RoundBank(2)
	}
	return target
}

func marginPercent(target, reference decimal.Decimal) float64 {
	if reference.IsZero() {
		return 0
	}
	pct, _ := target.Div(reference).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100)).Round(4).Float64()
	return pct
}
