package orders

import (
	"context"
	"log"
	"time"

	"github.com/novacoinotc/otc-desk-engine/internal/db"
	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

// Exchange is the adapter slice the orchestrator polls.
type Exchange interface {
	ListPendingOrders(ctx context.Context, rows int) ([]models.Order, error)
	ListOrderHistory(ctx context.Context, side string, rows int) ([]models.Order, error)
	GetOrderDetail(ctx context.Context, orderNumber string) (*models.Order, error)
}

// Store persists order snapshots and answers timeline queries.
type Store interface {
	SaveOrder(ctx context.Context, mctx db.MerchantContext, o models.Order) (models.Order, bool, error)
	HasVerificationTimeline(ctx context.Context, mctx db.MerchantContext, orderID string) (bool, error)
	TouchOrderSyncActivity(ctx context.Context, mctx db.MerchantContext) error
}

// Verifier receives orders newly observed as paid.
type Verifier interface {
	HandleOrderPaid(ctx context.Context, mctx db.MerchantContext, order models.Order)
}

// DefaultTick is the polling interval.
const DefaultTick = 10 * time.Second

const pollRows = 50

// Orchestrator mirrors the venue's order book locally: one polling loop per
// merchant that upserts snapshots and hands newly paid orders to the
// verifier.
type Orchestrator struct {
	merchant models.Merchant
	exchange Exchange
	store    Store
	verifier Verifier
	tick     time.Duration
}

func NewOrchestrator(merchant models.Merchant, exchange Exchange, store Store, verifier Verifier, tick time.Duration) *Orchestrator {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Orchestrator{
		merchant: merchant,
		exchange: exchange,
		store:    store,
		verifier: verifier,
		tick:     tick,
	}
}

// Run drives the polling loop until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	log.Printf("[Orchestrator] Starting order sync for merchant %s (tick %s)", o.merchant.Name, o.tick)

	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Orchestrator] Stopping order sync for merchant %s", o.merchant.Name)
			return
		case <-ticker.C:
			o.runTick(ctx)
		}
	}
}

// runTick executes one reconciliation pass. The venue may return the same
// order on consecutive ticks with unchanged fields; the upsert makes that a
// no-op.
func (o *Orchestrator) runTick(ctx context.Context) {
	mctx := db.MerchantContext{MerchantID: o.merchant.ID}

	pending, err := o.exchange.ListPendingOrders(ctx, pollRows)
	if err != nil {
		log.Printf("[Orchestrator] Pending order poll failed for %s: %v", o.merchant.Name, err)
		pending = nil
	}
	history, err := o.exchange.ListOrderHistory(ctx, models.SideSell, pollRows)
	if err != nil {
		log.Printf("[Orchestrator] Order history poll failed for %s: %v", o.merchant.Name, err)
		history = nil
	}

	merged := mergeSnapshots(pending, history)
	for _, snapshot := range merged {
		o.reconcileOrder(ctx, mctx, snapshot)
	}

	if err := o.store.TouchOrderSyncActivity(ctx, mctx); err != nil {
		log.Printf("[Orchestrator] Activity stamp failed for %s: %v", o.merchant.Name, err)
	}
}

// mergeSnapshots deduplicates by order number; the pending view wins over
// the history view when both carry the order.
func mergeSnapshots(pending, history []models.Order) []models.Order {
	seen := make(map[string]bool, len(pending)+len(history))
	merged := make([]models.Order, 0, len(pending)+len(history))
	for _, o := range pending {
		if o.OrderNumber == "" || seen[o.OrderNumber] {
			continue
		}
		seen[o.OrderNumber] = true
		merged = append(merged, o)
	}
	for _, o := range history {
		if o.OrderNumber == "" || seen[o.OrderNumber] {
			continue
		}
		seen[o.OrderNumber] = true
		merged = append(merged, o)
	}
	return merged
}

// reconcileOrder upserts one snapshot and, when the order is newly observed
// as paid with no verification timeline, captures the counterparty's KYC
// name from the detail endpoint and hands off to the verifier. Serialized
// per order within a tick.
func (o *Orchestrator) reconcileOrder(ctx context.Context, mctx db.MerchantContext, snapshot models.Order) {
	saved, _, err := o.store.SaveOrder(ctx, mctx, snapshot)
	if err != nil {
		log.Printf("[Orchestrator] Upsert of order %s failed: %v", snapshot.OrderNumber, err)
		return
	}

	if saved.Status != models.OrderStatusBuyerPayed {
		return
	}
	hasTimeline, err := o.store.HasVerificationTimeline(ctx, mctx, saved.ID)
	if err != nil {
		log.Printf("[Orchestrator] Timeline check for order %s failed: %v", saved.OrderNumber, err)
		return
	}
	if hasTimeline {
		return
	}

	// The list endpoints omit the KYC real name; fetch it before
	// verification so the name predicate has its anchor.
	if saved.BuyerRealName == "" {
		detail, err := o.exchange.GetOrderDetail(ctx, saved.OrderNumber)
		if err != nil {
			log.Printf("[Orchestrator] Detail fetch for order %s failed: %v", saved.OrderNumber, err)
		} else {
			saved.BuyerRealName = detail.BuyerRealName
			if detail.BuyerUserNo != "" {
				saved.BuyerUserNo = detail.BuyerUserNo
			}
			if saved, _, err = o.store.SaveOrder(ctx, mctx, saved); err != nil {
				log.Printf("[Orchestrator] Persisting detail of order %s failed: %v", saved.OrderNumber, err)
				return
			}
		}
	}

	log.Printf("[Orchestrator] Order %s observed paid (%s %s); starting verification",
		saved.OrderNumber, saved.TotalPrice.StringFixed(2), saved.Fiat)
	o.verifier.HandleOrderPaid(ctx, mctx, saved)
}
