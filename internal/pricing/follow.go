package pricing

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

// FollowRecommend tracks a named competitor's price. The search runs over
// the un-filtered competitor set; the operator chose whom to follow, so the
// quality predicate does not apply. Returns nil when the target cannot be
// located; the caller decides whether to fall back to Smart.
func FollowRecommend(targetNick, targetUserNo string, competitors []models.CompetitorAd, reference decimal.Decimal, side string, cfg models.BotConfig, undercutCents int, matchPrice bool) *models.PricingAnalysis {
	target, found := locateTarget(targetNick, targetUserNo, competitors)
	if !found {
		return nil
	}

	price := applyStrategy(target.Price, side, undercutCents, matchPrice)
	price = clamp(price, reference, side, cfg.MinMarginPercent, cfg.MaxMarginPercent)
	price = price.RoundBank(2)

	return &models.PricingAnalysis{
		Mode:           models.ModeFollow,
		Best:           target.Price,
		Target:         price,
		MarginPercent:  marginPercent(price, reference),
		QualifiedCount: len(competitors),
		TargetFound:    true,
	}
}

// locateTarget finds the followed advertiser: by stable user identifier
// first, then case-insensitive exact nickname, then substring in either
// direction (nicknames get decorated with emoji and status tags on the
// venue).
func locateTarget(nick, userNo string, competitors []models.CompetitorAd) (models.CompetitorAd, bool) {
	if userNo != "" {
		for _, ad := range competitors {
			if ad.UserNo == userNo {
				return ad, true
			}
		}
	}
	if nick == "" {
		return models.CompetitorAd{}, false
	}
	for _, ad := range competitors {
		if strings.EqualFold(ad.Nickname, nick) {
			return ad, true
		}
	}
	lowered := strings.ToLower(nick)
	for _, ad := range competitors {
		adNick := strings.ToLower(ad.Nickname)
		if adNick == "" {
			continue
		}
		if strings.Contains(adNick, lowered) || strings.Contains(lowered, adNick) {
			return ad, true
		}
	}
	return models.CompetitorAd{}, false
}
