package verification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novacoinotc/otc-desk-engine/internal/db"
	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

// Matching parameters.
const (
	amountTolerancePct = 1.0  // ±1% of the order's total price
	nameScoreThreshold = 0.3  // minimum similarity for an auto link
	matchWindow        = 120 * time.Minute
)

// Store is the slice of the persistence layer the matcher drives.
type Store interface {
	FindCandidateOrders(ctx context.Context, mctx db.MerchantContext, amount decimal.Decimal, tolerancePct float64, ref time.Time, window time.Duration) ([]models.Order, error)
	FindUnmatchedPayment(ctx context.Context, mctx db.MerchantContext, amount decimal.Decimal, tolerancePct float64, ref time.Time, window time.Duration) (models.Payment, error)
	GetOrderByNumber(ctx context.Context, mctx db.MerchantContext, orderNumber string) (models.Order, error)
	GetOrderByID(ctx context.Context, mctx db.MerchantContext, id string) (models.Order, error)
	GetPaymentByTransactionID(ctx context.Context, mctx db.MerchantContext, transactionID string) (models.Payment, error)
	MatchPaymentToOrder(ctx context.Context, mctx db.MerchantContext, transactionID, orderID, verifyMethod string) (models.Payment, error)
	AppendVerificationStep(ctx context.Context, mctx db.MerchantContext, orderID, status, message string, details map[string]any) error
	GetTrustedBuyer(ctx context.Context, mctx db.MerchantContext, buyerUserNo string) (models.TrustedBuyer, error)
	IncrementTrustedStats(ctx context.Context, mctx db.MerchantContext, buyerUserNo string, amount decimal.Decimal) error
	DiscardPayment(ctx context.Context, mctx db.MerchantContext, transactionID string) (models.Payment, error)
	AppendAudit(ctx context.Context, mctx db.MerchantContext, action, actor string, details map[string]any) error
}

// Events receives verification milestones for the dashboard stream. May be
// nil.
type Events interface {
	Publish(eventType string, payload any)
}

// Matcher owns the verification state machine: it reconciles payments
// against orders in both directions and appends timeline steps. It is a
// passive reconciler: WebhookIngest and the OrderOrchestrator invoke it; it
// references the Store only.
type Matcher struct {
	store  Store
	events Events
}

func NewMatcher(store Store, events Events) *Matcher {
	return &Matcher{store: store, events: events}
}

func (m *Matcher) publish(eventType string, payload any) {
	if m.events != nil {
		m.events.Publish(eventType, payload)
	}
}

// HandlePaymentReceived is Trigger A: a completed bank deposit arrived.
// Candidates are BUYER_PAYED orders with a total within ±1% of the amount
// inside the matching window. The trusted-buyer shortcut wins first; then
// name-scored auto matching, most recent candidate first. With no match the
// payment stays PENDING in the third-party queue.
func (m *Matcher) HandlePaymentReceived(ctx context.Context, mctx db.MerchantContext, p models.Payment) {
	candidates, err := m.store.FindCandidateOrders(ctx, mctx, p.Amount, amountTolerancePct, p.BankTimestamp, matchWindow)
	if err != nil {
		log.Printf("[Matcher] Candidate search failed for payment %s: %v", p.TransactionID, err)
		return
	}

	// Trusted-buyer shortcut: counterparty user id on the allowlist.
	for _, order := range candidates {
		if order.BuyerUserNo == "" {
			continue
		}
		if _, err := m.store.GetTrustedBuyer(ctx, mctx, order.BuyerUserNo); err == nil {
			m.linkTrusted(ctx, mctx, order, p)
			return
		}
	}

	for _, order := range candidates {
		anchor := order.BuyerRealName
		if anchor == "" {
			anchor = order.BuyerNickName
		}
		score := NameSimilarity(p.SenderName, anchor)
		if score < nameScoreThreshold {
			continue
		}
		m.linkAuto(ctx, mctx, order, p, score)
		return
	}

	log.Printf("[Matcher] No order matched payment %s (%s %s from %q); held in third-party queue",
		p.TransactionID, p.Amount.StringFixed(2), p.Currency, p.SenderName)
	m.publish("third_party_payment", p)
}

// HandleOrderPaid is Trigger B: the orchestrator observed an order newly in
// BUYER_PAYED with no verification timeline yet.
func (m *Matcher) HandleOrderPaid(ctx context.Context, mctx db.MerchantContext, order models.Order) {
	err := m.step(ctx, mctx, order.ID, models.StepBuyerMarkedPaid, "buyer marked order as paid", map[string]any{
		"expectedAmount": order.TotalPrice.StringFixed(2),
		"buyerNickName":  order.BuyerNickName,
		"buyerRealName":  order.BuyerRealName,
	})
	if err != nil {
		return
	}

	ref := time.Now()
	if order.PaidAt != nil {
		ref = *order.PaidAt
	}
	p, err := m.store.FindUnmatchedPayment(ctx, mctx, order.TotalPrice, amountTolerancePct, ref, matchWindow)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Printf("[Matcher] Payment search failed for order %s: %v", order.OrderNumber, err)
		}
		return
	}

	if order.BuyerUserNo != "" {
		if _, err := m.store.GetTrustedBuyer(ctx, mctx, order.BuyerUserNo); err == nil {
			m.linkTrusted(ctx, mctx, order, p)
			return
		}
	}

	anchor := order.BuyerRealName
	if anchor == "" {
		anchor = order.BuyerNickName
	}
	score := NameSimilarity(p.SenderName, anchor)
	if score < nameScoreThreshold {
		log.Printf("[Matcher] Payment %s fails name check against order %s (score %.2f); held in third-party queue",
			p.TransactionID, order.OrderNumber, score)
		m.publish("third_party_payment", p)
		return
	}
	m.linkAuto(ctx, mctx, order, p, score)
}

// linkTrusted runs the trusted-buyer path: the name check is bypassed, the
// amount predicate is not.
func (m *Matcher) linkTrusted(ctx context.Context, mctx db.MerchantContext, order models.Order, p models.Payment) {
	if _, err := m.store.MatchPaymentToOrder(ctx, mctx, p.TransactionID, order.ID, models.VerifyMethodAuto); err != nil {
		m.reportLinkFailure(ctx, mctx, order, p, err)
		return
	}
	if err := m.step(ctx, mctx, order.ID, models.StepPaymentMatched, "matched to trusted buyer", map[string]any{
		"matchType":     models.MatchTypeTrusted,
		"transactionId": p.TransactionID,
		"buyerUserNo":   order.BuyerUserNo,
	}); err != nil {
		return
	}

	if !m.verifyAmount(ctx, mctx, order, p) {
		return
	}
	if m.step(ctx, mctx, order.ID, models.StepReadyToRelease, "amount verified for trusted buyer", map[string]any{
		"autoRelease": false,
		"matchType":   models.MatchTypeTrusted,
	}) != nil {
		return
	}
	if err := m.store.IncrementTrustedStats(ctx, mctx, order.BuyerUserNo, p.Amount); err != nil {
		log.Printf("[Matcher] Failed to update trusted-buyer stats for %s: %v", order.BuyerUserNo, err)
	}
	m.publish("order_verified", order)
}

// linkAuto runs the name-scored path.
func (m *Matcher) linkAuto(ctx context.Context, mctx db.MerchantContext, order models.Order, p models.Payment, score float64) {
	if _, err := m.store.MatchPaymentToOrder(ctx, mctx, p.TransactionID, order.ID, models.VerifyMethodAuto); err != nil {
		m.reportLinkFailure(ctx, mctx, order, p, err)
		return
	}
	if m.step(ctx, mctx, order.ID, models.StepBankPaymentReceived, "bank deposit received", map[string]any{
		"transactionId": p.TransactionID,
		"amount":        p.Amount.StringFixed(2),
		"senderName":    p.SenderName,
	}) != nil {
		return
	}
	if m.step(ctx, mctx, order.ID, models.StepPaymentMatched, "payment matched to order", map[string]any{
		"matchType":     models.MatchTypeAuto,
		"score":         score,
		"transactionId": p.TransactionID,
	}) != nil {
		return
	}

	if !m.verifyAmount(ctx, mctx, order, p) {
		return
	}
	if !m.verifyName(ctx, mctx, order, p, score) {
		return
	}
	if m.step(ctx, mctx, order.ID, models.StepReadyToRelease, "amount and payer name verified", map[string]any{
		"autoRelease": false,
	}) != nil {
		return
	}
	m.publish("order_verified", order)
}

// verifyAmount applies |P.amount − O.totalPrice| ≤ O.totalPrice × 1%.
func (m *Matcher) verifyAmount(ctx context.Context, mctx db.MerchantContext, order models.Order, p models.Payment) bool {
	tolerance := order.TotalPrice.Mul(decimal.NewFromFloat(amountTolerancePct / 100.0))
	difference := p.Amount.Sub(order.TotalPrice).Abs()

	if difference.LessThanOrEqual(tolerance) {
		return m.step(ctx, mctx, order.ID, models.StepAmountVerified, "deposit amount within tolerance", map[string]any{
			"expected":   order.TotalPrice.StringFixed(2),
			"received":   p.Amount.StringFixed(2),
			"difference": difference.StringFixed(2),
		}) == nil
	}

	_ = m.step(ctx, mctx, order.ID, models.StepAmountMismatch, "deposit amount outside tolerance", map[string]any{
		"expected":        order.TotalPrice.StringFixed(2),
		"received":        p.Amount.StringFixed(2),
		"difference":      difference.StringFixed(2),
		"withinTolerance": false,
	})
	m.manualReview(ctx, mctx, order, "amount mismatch", map[string]any{
		"difference": difference.StringFixed(2),
	})
	return false
}

// verifyName records the outcome of the already-computed name score.
func (m *Matcher) verifyName(ctx context.Context, mctx db.MerchantContext, order models.Order, p models.Payment, score float64) bool {
	if score >= nameScoreThreshold {
		return m.step(ctx, mctx, order.ID, models.StepNameVerified, "payer name matches counterparty", map[string]any{
			"score":      score,
			"senderName": p.SenderName,
		}) == nil
	}
	_ = m.step(ctx, mctx, order.ID, models.StepNameMismatch, "payer name does not match counterparty", map[string]any{
		"score":      score,
		"senderName": p.SenderName,
	})
	m.manualReview(ctx, mctx, order, "name mismatch", map[string]any{"score": score})
	return false
}

func (m *Matcher) manualReview(ctx context.Context, mctx db.MerchantContext, order models.Order, reason string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["reason"] = reason
	_ = m.step(ctx, mctx, order.ID, models.StepManualReview, reason, details)
	m.publish("manual_review", map[string]any{"order": order, "reason": reason})
}

// step appends one timeline entry. A conflict means another trigger already
// performed this transition; that is a no-op, not a failure.
func (m *Matcher) step(ctx context.Context, mctx db.MerchantContext, orderID, status, message string, details map[string]any) error {
	err := m.store.AppendVerificationStep(ctx, mctx, orderID, status, message, details)
	if err == nil {
		return nil
	}
	if errors.Is(err, db.ErrConflict) {
		log.Printf("[Matcher] Skipping duplicate transition %s on order %s", status, orderID)
		return err
	}
	log.Printf("[Matcher] Failed to append %s on order %s: %v", status, orderID, err)
	return err
}

// reportLinkFailure converts an unexpected linking error into a
// MANUAL_REVIEW step so the condition is operator-visible; the matcher never
// propagates errors to its callers.
func (m *Matcher) reportLinkFailure(ctx context.Context, mctx db.MerchantContext, order models.Order, p models.Payment, err error) {
	if errors.Is(err, db.ErrConflict) {
		log.Printf("[Matcher] Payment %s already matched; ignoring duplicate trigger", p.TransactionID)
		return
	}
	log.Printf("[Matcher] Linking payment %s to order %s failed: %v", p.TransactionID, order.OrderNumber, err)
	m.manualReview(ctx, mctx, order, "payment linking failed", map[string]any{
		"transactionId": p.TransactionID,
		"error":         err.Error(),
	})
}

// ManualMatch links a PENDING payment to an order by operator decision. The
// operator's judgment overrides the name predicate; the amount predicate
// still runs, and a mismatch lands in MANUAL_REVIEW rather than release.
func (m *Matcher) ManualMatch(ctx context.Context, mctx db.MerchantContext, transactionID, orderNumber, resolvedBy string) error {
	order, err := m.store.GetOrderByNumber(ctx, mctx, orderNumber)
	if err != nil {
		return fmt.Errorf("order %s: %w", orderNumber, err)
	}
	p, err := m.store.MatchPaymentToOrder(ctx, mctx, transactionID, order.ID, models.VerifyMethodManual)
	if err != nil {
		return fmt.Errorf("linking payment %s: %w", transactionID, err)
	}

	if err := m.step(ctx, mctx, order.ID, models.StepPaymentMatched, "manually linked by operator", map[string]any{
		"matchType":     models.MatchTypeManualThirdParty,
		"resolvedBy":    resolvedBy,
		"transactionId": transactionID,
	}); err != nil {
		return err
	}

	if !m.verifyAmount(ctx, mctx, order, p) {
		return nil
	}
	if err := m.step(ctx, mctx, order.ID, models.StepReadyToRelease, "manual match, amount verified", map[string]any{
		"autoRelease": false,
		"matchType":   models.MatchTypeManualThirdParty,
		"resolvedBy":  resolvedBy,
	}); err != nil {
		return nil
	}

	_ = m.store.AppendAudit(ctx, mctx, "payment.manual_match", resolvedBy, map[string]any{
		"transactionId": transactionID,
		"orderNumber":   orderNumber,
	})
	m.publish("order_verified", order)
	return nil
}

// Discard marks a PENDING payment FAILED: the operator judged it a
// third-party deposit that is not ours to match.
func (m *Matcher) Discard(ctx context.Context, mctx db.MerchantContext, transactionID, resolvedBy, reason string) error {
	if _, err := m.store.DiscardPayment(ctx, mctx, transactionID); err != nil {
		return err
	}
	return m.store.AppendAudit(ctx, mctx, "payment.discard", resolvedBy, map[string]any{
		"transactionId": transactionID,
		"reason":        reason,
	})
}

// BulkDiscard discards a set of payments, one transaction per payment;
// failures do not stop the remainder.
func (m *Matcher) BulkDiscard(ctx context.Context, mctx db.MerchantContext, transactionIDs []string, resolvedBy, reason string) (discarded int, failed []string) {
	for _, id := range transactionIDs {
		if err := m.Discard(ctx, mctx, id, resolvedBy, reason); err != nil {
			log.Printf("[Matcher] Bulk discard of %s failed: %v", id, err)
			failed = append(failed, id)
			continue
		}
		discarded++
	}
	return discarded, failed
}
