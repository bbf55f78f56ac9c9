package exchange

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

// The venue reports order status as a small integer on list endpoints and as
// a string on the detail endpoint. Everything past the adapter boundary uses
// the canonical string set in pkg/models.

var intStatusMap = map[int]string{
	1: models.OrderStatusTrading,
	2: models.OrderStatusBuyerPayed,
	3: models.OrderStatusAppealing,
	4: models.OrderStatusCompleted,
	5: models.OrderStatusCancelled,
	6: models.OrderStatusCancelledBySystem,
}

var stringStatusMap = map[string]string{
	"TRADING":             models.OrderStatusTrading,
	"WAIT_PAY":            models.OrderStatusTrading,
	"BUYER_PAYED":         models.OrderStatusBuyerPayed,
	"PAID":                models.OrderStatusBuyerPayed,
	"APPEALING":           models.OrderStatusAppealing,
	"APPEAL":              models.OrderStatusAppealing,
	"COMPLETED":           models.OrderStatusCompleted,
	"FINISHED":            models.OrderStatusCompleted,
	"CANCELLED":           models.OrderStatusCancelled,
	"CANCELED":            models.OrderStatusCancelled,
	"CANCELLED_BY_SYSTEM": models.OrderStatusCancelledBySystem,
	"SYSTEM_CANCELLED":    models.OrderStatusCancelledBySystem,
}

// NormalizeStatus maps a raw venue status value (json number or string) to
// the canonical set. Unknown codes default to TRADING so a new venue code
// never silently drops an order from the pending view.
func NormalizeStatus(raw json.RawMessage) string {
	if len(raw) == 0 {
		return models.OrderStatusTrading
	}

	var asInt int
	if err := json.Unmarshal(raw, &asInt); err == nil {
		if mapped, ok := intStatusMap[asInt]; ok {
			return mapped
		}
		return models.OrderStatusTrading
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if mapped, ok := stringStatusMap[strings.ToUpper(strings.TrimSpace(asString))]; ok {
			return mapped
		}
		// Some endpoints stringify the integer code.
		if n, err := strconv.Atoi(strings.TrimSpace(asString)); err == nil {
			if mapped, ok := intStatusMap[n]; ok {
				return mapped
			}
		}
	}
	return models.OrderStatusTrading
}

// InvertSide converts the merchant's own ad side into the client-perspective
// side the venue search endpoint expects: to find other sellers we search as
// a buyer, and vice versa.
func InvertSide(ownSide string) string {
	if ownSide == models.SideSell {
		return models.SideBuy
	}
	return models.SideSell
}
