package pricing

import (
	"context"
	"sort"
	"strings"

	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

// CompetitorSource is the slice of the exchange adapter the sampler needs.
type CompetitorSource interface {
	SearchCompetitorAds(ctx context.Context, asset, fiat, ownSide string, rows int) ([]models.CompetitorAd, error)
}

// Sampler fetches and filters competitor ads for one (asset, fiat, side) key.
type Sampler struct {
	source CompetitorSource
	rows   int
}

func NewSampler(source CompetitorSource) *Sampler {
	return &Sampler{source: source, rows: 20}
}

// Sample returns the full competitor set (own listings and ignored
// advertisers excluded) and the subset passing the Smart quality predicate.
// Both are sorted best-first for the given side: ascending for SELL (we must
// go below to win), descending for BUY (we must go above).
func (s *Sampler) Sample(ctx context.Context, asset, fiat, ownSide string, cfg models.BotConfig, ownNick, ownUserNo string) (qualified, all []models.CompetitorAd, err error) {
	raw, err := s.source.SearchCompetitorAds(ctx, asset, fiat, ownSide, s.rows)
	if err != nil {
		return nil, nil, err
	}

	ignored := make(map[string]bool, len(cfg.IgnoredAdvertisers))
	for _, userNo := range cfg.IgnoredAdvertisers {
		ignored[userNo] = true
	}

	all = make([]models.CompetitorAd, 0, len(raw))
	for _, ad := range raw {
		if isOwn(ad, ownNick, ownUserNo) || ignored[ad.UserNo] {
			continue
		}
		all = append(all, ad)
	}
	sortBySide(all, ownSide)

	qualified = make([]models.CompetitorAd, 0, len(all))
	for _, ad := range all {
		if qualifies(ad, cfg) {
			qualified = append(qualified, ad)
		}
	}
	return qualified, all, nil
}

func isOwn(ad models.CompetitorAd, ownNick, ownUserNo string) bool {
	if ownUserNo != "" && ad.UserNo == ownUserNo {
		return true
	}
	return ownNick != "" && strings.EqualFold(ad.Nickname, ownNick)
}

// qualifies applies the merchant's Smart-mode quality predicate.
func qualifies(ad models.CompetitorAd, cfg models.BotConfig) bool {
	if ad.MonthOrderCount < cfg.SmartMinOrderCount {
		return false
	}
	if ad.MonthFinishRate < cfg.SmartMinFinishRate {
		return false
	}
	if ad.PositiveRate < cfg.SmartMinPositiveRate {
		return false
	}
	if ad.UserGrade < cfg.SmartMinUserGrade {
		return false
	}
	if cfg.SmartRequireOnline && !ad.IsOnline {
		return false
	}
	// Remaining fiat value of the ad.
	if ad.Price.Mul(ad.SurplusAmount).LessThan(cfg.SmartMinSurplus) {
		return false
	}
	return true
}

func sortBySide(ads []models.CompetitorAd, ownSide string) {
	if ownSide == models.SideSell {
		sort.SliceStable(ads, func(i, j int) bool { return ads[i].Price.LessThan(ads[j].Price) })
	} else {
		sort.SliceStable(ads, func(i, j int) bool { return ads[i].Price.GreaterThan(ads[j].Price) })
	}
}
