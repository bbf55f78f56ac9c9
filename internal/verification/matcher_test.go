package verification

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novacoinotc/otc-desk-engine/internal/db"
	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

// fakeStore implements Store in memory with the same linking semantics as
// the Postgres layer: payment matching is a compare-and-set on PENDING, and
// appending the order's current verification status conflicts.
type fakeStore struct {
	orders   map[string]*models.Order // by id
	payments map[string]*models.Payment
	trusted  map[string]models.TrustedBuyer
	steps    map[string][]models.VerificationStep
	stats    map[string]decimal.Decimal
	audits   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:   map[string]*models.Order{},
		payments: map[string]*models.Payment{},
		trusted:  map[string]models.TrustedBuyer{},
		steps:    map[string][]models.VerificationStep{},
		stats:    map[string]decimal.Decimal{},
	}
}

func (f *fakeStore) addOrder(o models.Order) *models.Order {
	o.VerificationStatus = models.StepAwaitingPayment
	f.orders[o.ID] = &o
	return &o
}

func (f *fakeStore) addPayment(p models.Payment) {
	p.Status = models.PaymentStatusPending
	f.payments[p.TransactionID] = &p
}

func (f *fakeStore) FindCandidateOrders(_ context.Context, _ db.MerchantContext, amount decimal.Decimal, tolerancePct float64, ref time.Time, window time.Duration) ([]models.Order, error) {
	tol := amount.Mul(decimal.NewFromFloat(tolerancePct / 100.0))
	var out []models.Order
	for _, o := range f.orders {
		if o.Status != models.OrderStatusBuyerPayed {
			continue
		}
		if o.TotalPrice.Sub(amount).Abs().GreaterThan(tol) {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (f *fakeStore) FindUnmatchedPayment(_ context.Context, _ db.MerchantContext, amount decimal.Decimal, tolerancePct float64, _ time.Time, _ time.Duration) (models.Payment, error) {
	tol := amount.Mul(decimal.NewFromFloat(tolerancePct / 100.0))
	for _, p := range f.payments {
		if p.Status == models.PaymentStatusPending && p.Amount.Sub(amount).Abs().LessThanOrEqual(tol) {
			return *p, nil
		}
	}
	return models.Payment{}, db.ErrNotFound
}

func (f *fakeStore) GetOrderByNumber(_ context.Context, _ db.MerchantContext, orderNumber string) (models.Order, error) {
	for _, o := range f.orders {
		if o.OrderNumber == orderNumber {
			return *o, nil
		}
	}
	return models.Order{}, db.ErrNotFound
}

func (f *fakeStore) GetOrderByID(_ context.Context, _ db.MerchantContext, id string) (models.Order, error) {
	if o, ok := f.orders[id]; ok {
		return *o, nil
	}
	return models.Order{}, db.ErrNotFound
}

func (f *fakeStore) GetPaymentByTransactionID(_ context.Context, _ db.MerchantContext, transactionID string) (models.Payment, error) {
	if p, ok := f.payments[transactionID]; ok {
		return *p, nil
	}
	return models.Payment{}, db.ErrNotFound
}

func (f *fakeStore) MatchPaymentToOrder(_ context.Context, _ db.MerchantContext, transactionID, orderID, verifyMethod string) (models.Payment, error) {
	p, ok := f.payments[transactionID]
	if !ok {
		return models.Payment{}, db.ErrNotFound
	}
	if p.Status != models.PaymentStatusPending {
		return models.Payment{}, fmt.Errorf("%w: payment not pending", db.ErrConflict)
	}
	p.Status = models.PaymentStatusMatched
	p.MatchedOrderID = &orderID
	p.VerifyMethod = verifyMethod
	now := time.Now()
	p.MatchedAt = &now
	return *p, nil
}

func (f *fakeStore) AppendVerificationStep(_ context.Context, _ db.MerchantContext, orderID, status, message string, details map[string]any) error {
	o, ok := f.orders[orderID]
	if !ok {
		return db.ErrNotFound
	}
	if o.VerificationStatus == status {
		return fmt.Errorf("%w: duplicate %s", db.ErrConflict, status)
	}
	o.VerificationStatus = status
	f.steps[orderID] = append(f.steps[orderID], models.VerificationStep{
		OrderID: orderID, Status: status, Message: message, Details: details, CreatedAt: time.Now(),
	})
	return nil
}

func (f *fakeStore) GetTrustedBuyer(_ context.Context, _ db.MerchantContext, buyerUserNo string) (models.TrustedBuyer, error) {
	if tb, ok := f.trusted[buyerUserNo]; ok && tb.IsActive {
		return tb, nil
	}
	return models.TrustedBuyer{}, db.ErrNotFound
}

func (f *fakeStore) IncrementTrustedStats(_ context.Context, _ db.MerchantContext, buyerUserNo string, amount decimal.Decimal) error {
	tb, ok := f.trusted[buyerUserNo]
	if !ok {
		return db.ErrNotFound
	}
	tb.OrdersAutoReleased++
	tb.TotalAmountReleased = tb.TotalAmountReleased.Add(amount)
	f.trusted[buyerUserNo] = tb
	f.stats[buyerUserNo] = tb.TotalAmountReleased
	return nil
}

func (f *fakeStore) DiscardPayment(_ context.Context, _ db.MerchantContext, transactionID string) (models.Payment, error) {
	p, ok := f.payments[transactionID]
	if !ok {
		return models.Payment{}, db.ErrNotFound
	}
	if p.Status != models.PaymentStatusPending {
		return models.Payment{}, db.ErrConflict
	}
	p.Status = models.PaymentStatusFailed
	return *p, nil
}

func (f *fakeStore) AppendAudit(_ context.Context, _ db.MerchantContext, action, _ string, _ map[string]any) error {
	f.audits = append(f.audits, action)
	return nil
}

func (f *fakeStore) statuses(orderID string) []string {
	var out []string
	for _, st := range f.steps[orderID] {
		out = append(out, st.Status)
	}
	return out
}

func assertTimeline(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("timeline = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("timeline[%d] = %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}
}

var mctx = db.MerchantContext{MerchantID: "m1"}

func paidOrder(id, number, total, realName, userNo string) models.Order {
	paid := time.Now().Add(-10 * time.Minute)
	return models.Order{
		ID:            id,
		OrderNumber:   number,
		Side:          models.SideSell,
		Asset:         "USDT",
		Fiat:          "MXN",
		TotalPrice:    decimal.RequireFromString(total),
		BuyerNickName: "buyer-nick",
		BuyerRealName: realName,
		BuyerUserNo:   userNo,
		Status:        models.OrderStatusBuyerPayed,
		MerchantID:    "m1",
		PaidAt:        &paid,
	}
}

func bankPayment(txID, amount, sender string) models.Payment {
	return models.Payment{
		TransactionID: txID,
		Amount:        decimal.RequireFromString(amount),
		Currency:      "MXN",
		SenderName:    sender,
		BankTimestamp: time.Now(),
		MerchantID:    "m1",
	}
}

// Webhook happy path: exact amount, exact name.
func TestHandlePaymentReceivedHappyPath(t *testing.T) {
	store := newFakeStore()
	store.addOrder(paidOrder("o1", "ORD-1", "2050.00", "JUAN PEREZ GARCIA", "u77"))
	store.addPayment(bankPayment("SPEI-X", "2050.00", "JUAN PEREZ GARCIA"))

	m := NewMatcher(store, nil)
	m.HandlePaymentReceived(context.Background(), mctx, *store.payments["SPEI-X"])

	assertTimeline(t, store.statuses("o1"), []string{
		models.StepBankPaymentReceived,
		models.StepPaymentMatched,
		models.StepAmountVerified,
		models.StepNameVerified,
		models.StepReadyToRelease,
	})
	p := store.payments["SPEI-X"]
	if p.Status != models.PaymentStatusMatched {
		t.Errorf("payment status = %s, want MATCHED", p.Status)
	}
	if p.MatchedOrderID == nil || *p.MatchedOrderID != "o1" {
		t.Errorf("matchedOrderId = %v, want o1", p.MatchedOrderID)
	}
}

// Amount mismatch: the ±1% candidate filter would exclude this payment, so
// the test links it in the store directly and runs the amount predicate.
func TestAmountMismatchGoesToManualReview(t *testing.T) {
	store := newFakeStore()
	order := store.addOrder(paidOrder("o1", "ORD-1", "2050.00", "JUAN PEREZ GARCIA", "u77"))
	// +2.44% over the order total: outside both triggers' search tolerance,
	// so link it by hand, record PAYMENT_MATCHED, then call verifyAmount.
	store.addPayment(bankPayment("SPEI-Y", "2100.00", "JUAN PEREZ GARCIA"))

	m := NewMatcher(store, nil)
	p := *store.payments["SPEI-Y"]
	if _, err := store.MatchPaymentToOrder(context.Background(), mctx, p.TransactionID, order.ID, models.VerifyMethodAuto); err != nil {
		t.Fatal(err)
	}
	_ = m.step(context.Background(), mctx, order.ID, models.StepPaymentMatched, "test", nil)

	if m.verifyAmount(context.Background(), mctx, *order, p) {
		t.Fatal("verifyAmount accepted a +2.44% difference")
	}

	assertTimeline(t, store.statuses("o1"), []string{
		models.StepPaymentMatched,
		models.StepAmountMismatch,
		models.StepManualReview,
	})
	last := store.steps["o1"][1]
	if last.Details["difference"] != "50.00" {
		t.Errorf("difference detail = %v, want 50.00", last.Details["difference"])
	}
}

func TestAmountBoundary(t *testing.T) {
	store := newFakeStore()
	m := NewMatcher(store, nil)

	tests := []struct {
		name   string
		amount string
		pass   bool
	}{
		{"Exact", "2050.00", true},
		{"Plus One Percent Exactly", "2070.50", true},
		{"Minus One Percent Exactly", "2029.50", true},
		{"Just Over One Percent", "2070.51", false},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := fmt.Sprintf("o%d", i)
			order := store.addOrder(paidOrder(id, "ORD-"+id, "2050.00", "X", "u1"))
			got := m.verifyAmount(context.Background(), mctx, *order, bankPayment("t"+id, tt.amount, "X"))
			if got != tt.pass {
				t.Errorf("amount %s: pass = %v, want %v", tt.amount, got, tt.pass)
			}
		})
	}
}

// Name mismatch leaves the payment in the third-party queue; manual match
// then verifies amount and recommends release regardless of the name score.
func TestThirdPartyPaymentManualMatch(t *testing.T) {
	store := newFakeStore()
	store.addOrder(paidOrder("o1", "ORD-1", "2050.00", "JUAN PEREZ GARCIA", "u77"))
	store.addPayment(bankPayment("SPEI-Z", "2050.00", "MARIA LOPEZ TORRES"))

	m := NewMatcher(store, nil)
	m.HandlePaymentReceived(context.Background(), mctx, *store.payments["SPEI-Z"])

	if store.payments["SPEI-Z"].Status != models.PaymentStatusPending {
		t.Fatalf("payment status = %s, want PENDING (third-party queue)", store.payments["SPEI-Z"].Status)
	}
	if len(store.steps["o1"]) != 0 {
		t.Fatalf("no steps expected before manual match, got %v", store.statuses("o1"))
	}

	if err := m.ManualMatch(context.Background(), mctx, "SPEI-Z", "ORD-1", "operator@desk"); err != nil {
		t.Fatal(err)
	}

	assertTimeline(t, store.statuses("o1"), []string{
		models.StepPaymentMatched,
		models.StepAmountVerified,
		models.StepReadyToRelease,
	})
	if store.payments["SPEI-Z"].Status != models.PaymentStatusMatched {
		t.Errorf("payment status = %s, want MATCHED", store.payments["SPEI-Z"].Status)
	}
	if len(store.audits) == 0 || store.audits[0] != "payment.manual_match" {
		t.Errorf("audits = %v, want payment.manual_match", store.audits)
	}
}

// Trusted buyer: mismatching sender name, matching amount.
func TestTrustedBuyerShortcut(t *testing.T) {
	store := newFakeStore()
	store.addOrder(paidOrder("o1", "ORD-1", "2050.00", "JUAN PEREZ GARCIA", "u123"))
	store.trusted["u123"] = models.TrustedBuyer{
		BuyerUserNo: "u123", IsActive: true, TotalAmountReleased: decimal.Zero,
	}
	store.addPayment(bankPayment("SPEI-T", "2050.00", "COMPLETELY DIFFERENT NAME"))

	m := NewMatcher(store, nil)
	m.HandlePaymentReceived(context.Background(), mctx, *store.payments["SPEI-T"])

	assertTimeline(t, store.statuses("o1"), []string{
		models.StepPaymentMatched,
		models.StepAmountVerified,
		models.StepReadyToRelease,
	})
	first := store.steps["o1"][0]
	if first.Details["matchType"] != models.MatchTypeTrusted {
		t.Errorf("matchType = %v, want trusted", first.Details["matchType"])
	}

	tb := store.trusted["u123"]
	if tb.OrdersAutoReleased != 1 {
		t.Errorf("ordersAutoReleased = %d, want 1", tb.OrdersAutoReleased)
	}
	if !tb.TotalAmountReleased.Equal(decimal.RequireFromString("2050.00")) {
		t.Errorf("totalAmountReleased = %s, want 2050.00", tb.TotalAmountReleased)
	}
}

// Trigger B: orchestrator observed BUYER_PAYED, a pending deposit already
// sits in the store.
func TestHandleOrderPaidLinksWaitingPayment(t *testing.T) {
	store := newFakeStore()
	order := store.addOrder(paidOrder("o1", "ORD-1", "2050.00", "JUAN PEREZ GARCIA", "u77"))
	store.addPayment(bankPayment("SPEI-W", "2050.00", "JUAN PEREZ GARCIA"))

	m := NewMatcher(store, nil)
	m.HandleOrderPaid(context.Background(), mctx, *order)

	assertTimeline(t, store.statuses("o1"), []string{
		models.StepBuyerMarkedPaid,
		models.StepBankPaymentReceived,
		models.StepPaymentMatched,
		models.StepAmountVerified,
		models.StepNameVerified,
		models.StepReadyToRelease,
	})
}

// Two racing deliveries of the same payment: the second CAS loses and the
// timeline stays single.
func TestDuplicateTriggerIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.addOrder(paidOrder("o1", "ORD-1", "2050.00", "JUAN PEREZ GARCIA", "u77"))
	store.addPayment(bankPayment("SPEI-D", "2050.00", "JUAN PEREZ GARCIA"))

	m := NewMatcher(store, nil)
	p := *store.payments["SPEI-D"]
	m.HandlePaymentReceived(context.Background(), mctx, p)
	before := len(store.steps["o1"])
	m.HandlePaymentReceived(context.Background(), mctx, p)

	if got := len(store.steps["o1"]); got != before {
		t.Errorf("second delivery grew the timeline from %d to %d steps", before, got)
	}
}

func TestBulkDiscard(t *testing.T) {
	store := newFakeStore()
	store.addPayment(bankPayment("T1", "100.00", "A"))
	store.addPayment(bankPayment("T2", "200.00", "B"))

	m := NewMatcher(store, nil)
	discarded, failed := m.BulkDiscard(context.Background(), mctx, []string{"T1", "T2", "MISSING"}, "op", "third party")
	if discarded != 2 {
		t.Errorf("discarded = %d, want 2", discarded)
	}
	if len(failed) != 1 || failed[0] != "MISSING" {
		t.Errorf("failed = %v, want [MISSING]", failed)
	}
	if store.payments["T1"].Status != models.PaymentStatusFailed {
		t.Errorf("T1 status = %s, want FAILED", store.payments["T1"].Status)
	}
}
