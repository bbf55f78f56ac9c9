package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Merchant is the tenant principal. Never hard-deleted; deactivated instead.
type Merchant struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	MerchantNo   string    `json:"merchantNo"`   // exchange-side identifier
	ClabeAccount string    `json:"clabeAccount"` // 18-digit bank account
	IsAdmin      bool      `json:"isAdmin"`
	IsActive     bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Advertisement is the merchant's public listing on the venue. Not persisted
// locally; the exchange is the source of truth and MultiAdManager keeps a
// working copy per tick.
type Advertisement struct {
	AdID     string          `json:"adId"`
	Side     string          `json:"side"`
	Asset    string          `json:"asset"`
	Fiat     string          `json:"fiat"`
	Price    decimal.Decimal `json:"price"`
	Online   bool            `json:"online"`
	Surplus  decimal.Decimal `json:"surplusAmount"` // remaining quantity
}

// CompetitorAd is one row of the venue's competitor search, including the
// advertiser reputation stats the Smart filter runs on.
type CompetitorAd struct {
	AdID            string          `json:"adId"`
	Nickname        string          `json:"nickName"`
	UserNo          string          `json:"userNo"`
	Price           decimal.Decimal `json:"price"`
	SurplusAmount   decimal.Decimal `json:"surplusAmount"`
	MonthOrderCount int             `json:"monthOrderCount"`
	MonthFinishRate float64         `json:"monthFinishRate"`
	PositiveRate    float64         `json:"positiveRate"`
	UserGrade       int             `json:"userGrade"`
	IsOnline        bool            `json:"isOnline"`
}

// Order mirrors an exchange-side trade locally.
type Order struct {
	ID                 string          `json:"id"`
	OrderNumber        string          `json:"orderNumber"` // exchange order id
	Side               string          `json:"side"`
	Asset              string          `json:"asset"`
	Fiat               string          `json:"fiat"`
	UnitPrice          decimal.Decimal `json:"unitPrice"`
	TotalPrice         decimal.Decimal `json:"totalPrice"` // authoritative for matching
	BuyerNickName      string          `json:"buyerNickName"`
	BuyerRealName      string          `json:"buyerRealName"` // KYC name from order detail
	BuyerUserNo        string          `json:"buyerUserNo"`
	Status             string          `json:"status"`
	VerificationStatus string          `json:"verificationStatus"`
	MerchantID         string          `json:"merchantId"`
	CreatedAt          time.Time       `json:"createdAt"`
	PaidAt             *time.Time      `json:"paidAt,omitempty"`
	ReleasedAt         *time.Time      `json:"releasedAt,omitempty"`
}

// VerificationStep is one append-only entry of an order's timeline.
type VerificationStep struct {
	ID        string            `json:"id"`
	OrderID   string            `json:"orderId"`
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	Details   map[string]any    `json:"details,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Payment is a bank deposit notification.
type Payment struct {
	ID              string          `json:"id"`
	TransactionID   string          `json:"transactionId"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	SenderName      string          `json:"senderName"`
	SenderAccount   string          `json:"senderAccount"`
	ReceiverAccount string          `json:"receiverAccount"`
	Concept         string          `json:"concept"`
	BankTimestamp   time.Time       `json:"timestamp"`
	BankReference   string          `json:"bankReference"`
	Status          string          `json:"status"`
	MatchedOrderID  *string         `json:"matchedOrderId,omitempty"`
	MatchedAt       *time.Time      `json:"matchedAt,omitempty"`
	VerifyMethod    string          `json:"verificationMethod"`
	MerchantID      string          `json:"merchantId"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// TrustedBuyer is a merchant-scoped allowlist entry. BuyerUserNo is the key;
// nicknames are mutable on the venue and never sufficient on their own.
type TrustedBuyer struct {
	ID                  string          `json:"id"`
	BuyerUserNo         string          `json:"buyerUserNo"`
	NickName            string          `json:"counterPartNickName"`
	RealName            string          `json:"realName,omitempty"`
	Notes               string          `json:"notes,omitempty"`
	IsActive            bool            `json:"isActive"`
	OrdersAutoReleased  int             `json:"ordersAutoReleased"`
	TotalAmountReleased decimal.Decimal `json:"totalAmountReleased"`
	MerchantID          string          `json:"merchantId"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// PositioningConfig is the per-(side,asset) override block inside BotConfig.
type PositioningConfig struct {
	Mode         string `json:"mode,omitempty"`
	FollowTarget string `json:"followTarget,omitempty"`
	UndercutCents int   `json:"undercutCents,omitempty"`
	MatchPrice   *bool  `json:"matchPrice,omitempty"`
}

// BotConfig is one row per merchant; read every engine cycle, so both kill
// switches take effect within one tick.
type BotConfig struct {
	MerchantID         string                       `json:"merchantId"`
	ReleaseEnabled     bool                         `json:"releaseEnabled"`
	PositioningEnabled bool                         `json:"positioningEnabled"`
	PositioningMode    string                       `json:"positioningMode"`
	FollowTarget       string                       `json:"followTarget,omitempty"`
	UndercutCents      int                          `json:"undercutCents"`
	MatchPrice         bool                         `json:"matchPrice"`
	SmartMinOrderCount int                          `json:"smartMinOrderCount"`
	SmartMinFinishRate float64                      `json:"smartMinFinishRate"`
	SmartMinPositiveRate float64                    `json:"smartMinPositiveRate"`
	SmartMinUserGrade  int                          `json:"smartMinUserGrade"`
	SmartRequireOnline bool                         `json:"smartRequireOnline"`
	SmartMinSurplus    decimal.Decimal              `json:"smartMinSurplus"`
	MinMarginPercent   float64                      `json:"minMarginPercent"`
	MaxMarginPercent   float64                      `json:"maxMarginPercent"`
	IgnoredAdvertisers []string                     `json:"ignoredAdvertisers,omitempty"`
	PositioningConfigs map[string]PositioningConfig `json:"positioningConfigs,omitempty"`
	LastPositioningAt  *time.Time                   `json:"lastPositioningAt,omitempty"`
	LastOrderSyncAt    *time.Time                   `json:"lastOrderSyncAt,omitempty"`
	UpdatedAt          time.Time                    `json:"updatedAt"`
}

// PositioningFor resolves the effective positioning settings for one ad,
// applying the per-(side,asset) override on top of the merchant defaults.
func (c BotConfig) PositioningFor(side, asset string) (mode, followTarget string, undercutCents int, matchPrice bool) {
	mode = c.PositioningMode
	followTarget = c.FollowTarget
	undercutCents = c.UndercutCents
	matchPrice = c.MatchPrice

	if override, ok := c.PositioningConfigs[side+":"+asset]; ok {
		if override.Mode != "" {
			mode = override.Mode
		}
		if override.FollowTarget != "" {
			followTarget = override.FollowTarget
		}
		if override.UndercutCents > 0 {
			undercutCents = override.UndercutCents
		}
		if override.MatchPrice != nil {
			matchPrice = *override.MatchPrice
		}
	}
	return mode, followTarget, undercutCents, matchPrice
}

// AuditEntry is one append-only record of a merchant-scoped operator action.
type AuditEntry struct {
	ID         string         `json:"id"`
	MerchantID string         `json:"merchantId"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// PricingAnalysis is the output of one pricer run for one ad.
type PricingAnalysis struct {
	Mode           string          `json:"mode"`
	Best           decimal.Decimal `json:"best"`
	Target         decimal.Decimal `json:"target"`
	MarginPercent  float64         `json:"marginPercent"`
	QualifiedCount int             `json:"qualifiedCount"`
	TargetFound    bool            `json:"targetFound"` // follow mode only
}
