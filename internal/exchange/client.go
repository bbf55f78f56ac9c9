package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

// Client is a one-shot caller against the trading venue's REST API. Every
// private call carries a millisecond timestamp and an HMAC-SHA256 signature
// over the query string, appended as the final parameter.
type Client struct {
	Config     Config
	httpClient *http.Client

	// Offset between the venue's clock and ours, in milliseconds. Probed
	// once on construction; signatures use venue time.
	timeOffsetMs int64
}

type Config struct {
	Host       string // e.g. https://api.venue.example
	APIKey     string
	APISecret  string
	MerchantNo string // merchant identifier on the venue side
	Timeout    time.Duration
}

const (
	retryBase   = 500 * time.Millisecond
	retryCap    = 8 * time.Second
	maxAttempts = 3
)

// Venue response envelope. code 0 means success; everything else maps onto
// the adapter's error taxonomy.
type venueEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Venue error codes observed in the wild.
const (
	codeOK               = 0
	codeInvalidAPIKey    = 176
	codeKeyExpired       = 177
	codeRateLimited      = 183
	codeNoRecord         = 2
	codeSignatureInvalid = 10003
	codeAuthFailed       = 10007
	codePriceOutOfBand   = 49
)

func NewClient(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		Config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}

	log.Printf("Connecting to exchange at %s...", cfg.Host)
	if err := c.syncServerTime(context.Background()); err != nil {
		return nil, fmt.Errorf("server time probe failed: %w", err)
	}
	log.Printf("Connected to exchange. Clock offset: %dms", c.timeOffsetMs)
	return c, nil
}

// syncServerTime calls the public time endpoint and caches the clock offset
// applied to every signed timestamp.
func (c *Client) syncServerTime(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Config.Host+"/api/v1/time", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var payload struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decoding time response: %w", err)
	}
	if payload.ServerTime > 0 {
		c.timeOffsetMs = payload.ServerTime - time.Now().UnixMilli()
	}
	return nil
}

func (c *Client) venueNow() int64 {
	return time.Now().UnixMilli() + c.timeOffsetMs
}

// sign computes the hex HMAC-SHA256 of the encoded query string.
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.Config.APISecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// doSigned executes one signed call with retry. Transport errors and 5xx
// retry with exponential backoff; rate limits retry at double interval; auth
// failures surface immediately.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, out any) error {
	var lastErr error
	delay := retryBase

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.doOnce(ctx, method, path, params, out)
		if err == nil {
			return nil
		}
		lastErr = err

		switch {
		case errors.Is(err, ErrAuth), errors.Is(err, ErrNotFound), errors.Is(err, ErrRejected):
			return err
		case errors.Is(err, ErrRateLimited):
			delay *= 2
		}
		if attempt == maxAttempts {
			break
		}
		if delay > retryCap {
			delay = retryCap
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("apiKey", c.Config.APIKey)
	params.Set("timestamp", strconv.FormatInt(c.venueNow(), 10))

	// The signature must be the last query parameter, so encode first and
	// append the signature to the encoded string by hand.
	encoded := params.Encode()
	signed := encoded + "&signature=" + c.sign(encoded)

	reqURL := c.Config.Host + path + "?" + signed
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: http %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("transport: venue returned http %d", resp.StatusCode)
	}

	var env venueEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Code != codeOK {
		return venueError(env)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decoding data: %w", err)
		}
	}
	return nil
}

func venueError(env venueEnvelope) error {
	switch env.Code {
	case codeInvalidAPIKey, codeKeyExpired, codeSignatureInvalid, codeAuthFailed:
		return fmt.Errorf("%w: code %d %s", ErrAuth, env.Code, env.Msg)
	case codeRateLimited:
		return ErrRateLimited
	case codeNoRecord:
		return ErrNotFound
	case codePriceOutOfBand:
		return fmt.Errorf("%w: code %d %s", ErrRejected, env.Code, env.Msg)
	}
	return fmt.Errorf("%w: code %d %s", ErrRejected, env.Code, env.Msg)
}

// ── Wire shapes ─────────────────────────────────────────────────────

type wireAd struct {
	AdID          string          `json:"advNo"`
	Side          string          `json:"tradeType"`
	Asset         string          `json:"asset"`
	Fiat          string          `json:"fiatUnit"`
	Price         decimal.Decimal `json:"price"`
	Status        string          `json:"advStatus"` // ONLINE / OFFLINE
	SurplusAmount decimal.Decimal `json:"surplusAmount"`
}

type wireCompetitor struct {
	AdID          string          `json:"advNo"`
	Price         decimal.Decimal `json:"price"`
	SurplusAmount decimal.Decimal `json:"surplusAmount"`
	Advertiser    struct {
		NickName        string  `json:"nickName"`
		UserNo          string  `json:"userNo"`
		MonthOrderCount int     `json:"monthOrderCount"`
		MonthFinishRate float64 `json:"monthFinishRate"`
		PositiveRate    float64 `json:"positiveRate"`
		UserGrade       int     `json:"userGrade"`
		IsOnline        bool    `json:"isOnline"`
	} `json:"advertiser"`
}

type wireOrder struct {
	OrderNumber string          `json:"orderNumber"`
	Side        string          `json:"tradeType"`
	Asset       string          `json:"asset"`
	Fiat        string          `json:"fiatUnit"`
	UnitPrice   decimal.Decimal `json:"price"`
	TotalPrice  decimal.Decimal `json:"totalPrice"`
	NickName    string          `json:"buyerNickName"`
	RealName    string          `json:"buyerName"` // KYC name, detail endpoint only
	UserNo      string          `json:"buyerUserNo"`
	Status      json.RawMessage `json:"orderStatus"` // int or string depending on endpoint
	CreateTime  int64           `json:"createTime"`  // ms
	PayTime     int64           `json:"payTime"`     // ms, 0 when unpaid
}

func (w wireOrder) toModel() models.Order {
	o := models.Order{
		OrderNumber:   w.OrderNumber,
		Side:          w.Side,
		Asset:         w.Asset,
		Fiat:          w.Fiat,
		UnitPrice:     w.UnitPrice,
		TotalPrice:    w.TotalPrice,
		BuyerNickName: w.NickName,
		BuyerRealName: w.RealName,
		BuyerUserNo:   w.UserNo,
		Status:        NormalizeStatus(w.Status),
		CreatedAt:     time.UnixMilli(w.CreateTime).UTC(),
	}
	if w.PayTime > 0 {
		t := time.UnixMilli(w.PayTime).UTC()
		o.PaidAt = &t
	}
	return o
}

// ── Operations ──────────────────────────────────────────────────────

// ListOwnAds returns the merchant's own advertisements.
func (c *Client) ListOwnAds(ctx context.Context) ([]models.Advertisement, error) {
	var raw []wireAd
	if err := c.doSigned(ctx, http.MethodGet, "/api/v1/ads/my", nil, &raw); err != nil {
		return nil, err
	}
	ads := make([]models.Advertisement, 0, len(raw))
	for _, w := range raw {
		ads = append(ads, models.Advertisement{
			AdID:    w.AdID,
			Side:    w.Side,
			Asset:   w.Asset,
			Fiat:    w.Fiat,
			Price:   w.Price,
			Online:  strings.EqualFold(w.Status, "ONLINE"),
			Surplus: w.SurplusAmount,
		})
	}
	return ads, nil
}

// SearchCompetitorAds lists competitor ads for (asset, fiat, ownSide). The
// venue search endpoint takes the client perspective, so the caller's own ad
// side is inverted here.
func (c *Client) SearchCompetitorAds(ctx context.Context, asset, fiat, ownSide string, rows int) ([]models.CompetitorAd, error) {
	params := url.Values{}
	params.Set("asset", asset)
	params.Set("fiat", fiat)
	params.Set("tradeType", InvertSide(ownSide))
	params.Set("rows", strconv.Itoa(rows))

	var raw []wireCompetitor
	if err := c.doSigned(ctx, http.MethodGet, "/api/v1/ads/search", params, &raw); err != nil {
		return nil, err
	}
	out := make([]models.CompetitorAd, 0, len(raw))
	for _, w := range raw {
		out = append(out, models.CompetitorAd{
			AdID:            w.AdID,
			Nickname:        w.Advertiser.NickName,
			UserNo:          w.Advertiser.UserNo,
			Price:           w.Price,
			SurplusAmount:   w.SurplusAmount,
			MonthOrderCount: w.Advertiser.MonthOrderCount,
			MonthFinishRate: w.Advertiser.MonthFinishRate,
			PositiveRate:    w.Advertiser.PositiveRate,
			UserGrade:       w.Advertiser.UserGrade,
			IsOnline:        w.Advertiser.IsOnline,
		})
	}
	return out, nil
}

// ListPendingOrders returns orders awaiting action (TRADING, BUYER_PAYED,
// APPEALING) as normalized snapshots.
func (c *Client) ListPendingOrders(ctx context.Context, rows int) ([]models.Order, error) {
	params := url.Values{}
	params.Set("rows", strconv.Itoa(rows))

	var raw []wireOrder
	if err := c.doSigned(ctx, http.MethodGet, "/api/v1/orders/pending", params, &raw); err != nil {
		return nil, err
	}
	orders := make([]models.Order, 0, len(raw))
	for _, w := range raw {
		orders = append(orders, w.toModel())
	}
	return orders, nil
}

// ListOrderHistory returns up to rows recently completed or cancelled orders
// for one side.
func (c *Client) ListOrderHistory(ctx context.Context, side string, rows int) ([]models.Order, error) {
	params := url.Values{}
	params.Set("tradeType", side)
	params.Set("rows", strconv.Itoa(rows))

	var raw []wireOrder
	if err := c.doSigned(ctx, http.MethodGet, "/api/v1/orders/history", params, &raw); err != nil {
		return nil, err
	}
	orders := make([]models.Order, 0, len(raw))
	for _, w := range raw {
		orders = append(orders, w.toModel())
	}
	return orders, nil
}

// GetOrderDetail fetches the full order including the counterparty's KYC
// real name, the anchor for payer-name verification.
func (c *Client) GetOrderDetail(ctx context.Context, orderNumber string) (*models.Order, error) {
	params := url.Values{}
	params.Set("orderNumber", orderNumber)

	var raw wireOrder
	if err := c.doSigned(ctx, http.MethodGet, "/api/v1/orders/detail", params, &raw); err != nil {
		return nil, err
	}
	order := raw.toModel()
	return &order, nil
}

// UpdateAdPrice pushes a new 2-decimal price for one ad.
func (c *Client) UpdateAdPrice(ctx context.Context, adID string, price decimal.Decimal) error {
	params := url.Values{}
	params.Set("advNo", adID)
	params.Set("price", price.StringFixed(2))
	return c.doSigned(ctx, http.MethodPost, "/api/v1/ads/price", params, nil)
}

// ToggleAdStatus brings an ad online or offline.
func (c *Client) ToggleAdStatus(ctx context.Context, adID string, enable bool) error {
	params := url.Values{}
	params.Set("advNo", adID)
	if enable {
		params.Set("advStatus", "ONLINE")
	} else {
		params.Set("advStatus", "OFFLINE")
	}
	return c.doSigned(ctx, http.MethodPost, "/api/v1/ads/status", params, nil)
}

// ReleaseCoin releases the crypto for one order. Only reachable from the
// operator surface; the engines recommend, they never release.
func (c *Client) ReleaseCoin(ctx context.Context, orderNumber, twoFAToken string) error {
	params := url.Values{}
	params.Set("orderNumber", orderNumber)
	params.Set("googleCode", twoFAToken)
	return c.doSigned(ctx, http.MethodPost, "/api/v1/orders/release", params, nil)
}
