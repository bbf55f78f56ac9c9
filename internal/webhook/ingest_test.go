package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/novacoinotc/otc-desk-engine/internal/db"
	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

type fakeStore struct {
	mu       sync.Mutex
	payments map[string]models.Payment
}

func (f *fakeStore) SavePayment(_ context.Context, mctx db.MerchantContext, p models.Payment) (models.Payment, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.payments[p.TransactionID]; ok {
		return existing, false, nil
	}
	p.MerchantID = mctx.MerchantID
	f.payments[p.TransactionID] = p
	return p, true, nil
}

func (f *fakeStore) FindMerchantByClabe(_ context.Context, clabe string) (models.Merchant, error) {
	if clabe == "646180000000000018" {
		return models.Merchant{ID: "merchant-by-clabe"}, nil
	}
	return models.Merchant{}, db.ErrNotFound
}

type fakeMatcher struct {
	mu       sync.Mutex
	received []models.Payment
}

func (f *fakeMatcher) HandlePaymentReceived(_ context.Context, _ db.MerchantContext, p models.Payment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, p)
}

func (f *fakeMatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func newTestHandler(cfg Config) (*Handler, *fakeStore, *fakeMatcher, *gin.Engine) {
	gin.SetMode(gin.TestMode)
	store := &fakeStore{payments: map[string]models.Payment{}}
	matcher := &fakeMatcher{}
	h := NewHandler(store, matcher, cfg)
	r := gin.New()
	h.Register(context.Background(), r)
	return h, store, matcher, r
}

func postJSON(r *gin.Engine, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func genericBody(txID string) []byte {
	return []byte(fmt.Sprintf(`{
		"transactionId": %q,
		"amount": 2050.00,
		"currency": "MXN",
		"senderName": "JUAN PEREZ GARCIA",
		"receiverAccount": "646180000000000018",
		"timestamp": "2025-03-01T12:00:00Z",
		"status": "completed"
	}`, txID))
}

func TestWebhookBearerAuth(t *testing.T) {
	_, store, matcher, r := newTestHandler(Config{Secret: "hooksecret"})

	w := postJSON(r, "/webhook/payment", genericBody("TX-1"), map[string]string{
		"Authorization": "Bearer hooksecret",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if _, ok := store.payments["TX-1"]; !ok {
		t.Fatal("payment not persisted")
	}
	waitFor(t, func() bool { return matcher.count() == 1 })

	if p := store.payments["TX-1"]; p.MerchantID != "merchant-by-clabe" {
		t.Errorf("merchantId = %q, want merchant-by-clabe", p.MerchantID)
	}
}

func TestWebhookRejectsBadToken(t *testing.T) {
	_, store, _, r := newTestHandler(Config{Secret: "hooksecret"})

	w := postJSON(r, "/webhook/payment", genericBody("TX-1"), map[string]string{
		"Authorization": "Bearer wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if len(store.payments) != 0 {
		t.Fatal("payment persisted despite auth failure")
	}
}

func TestWebhookRejectsMissingAuth(t *testing.T) {
	_, _, _, r := newTestHandler(Config{Secret: "hooksecret"})
	if w := postJSON(r, "/webhook/payment", genericBody("TX-1"), nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestWebhookHMACSignature(t *testing.T) {
	_, _, _, r := newTestHandler(Config{Secret: "hooksecret"})
	body := genericBody("TX-HMAC")
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	mac := hmac.New(sha256.New, []byte("hooksecret"))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	w := postJSON(r, "/webhook/bank", body, map[string]string{
		"X-Webhook-Signature": sig,
		"X-Webhook-Timestamp": ts,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	// Stale timestamp outside the replay window is rejected.
	old := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	mac = hmac.New(sha256.New, []byte("hooksecret"))
	mac.Write([]byte(old + "."))
	mac.Write(body)
	w = postJSON(r, "/webhook/bank", body, map[string]string{
		"X-Webhook-Signature": hex.EncodeToString(mac.Sum(nil)),
		"X-Webhook-Timestamp": old,
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("stale signature: status = %d, want 401", w.Code)
	}
}

func TestWebhookIPAllowlist(t *testing.T) {
	// 192.0.2.1 is the default RemoteAddr of httptest requests.
	_, _, _, r := newTestHandler(Config{AllowedIPs: []string{"192.0.2.1"}})
	if w := postJSON(r, "/webhook/payment", genericBody("TX-IP"), nil); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	_, _, _, r = newTestHandler(Config{AllowedIPs: []string{"10.1.1.1"}})
	if w := postJSON(r, "/webhook/payment", genericBody("TX-IP"), nil); w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	_, store, _, r := newTestHandler(Config{Secret: "s"})
	headers := map[string]string{"Authorization": "Bearer s"}

	if w := postJSON(r, "/webhook/payment", genericBody("TX-DUP"), headers); w.Code != http.StatusOK {
		t.Fatalf("first delivery: %d", w.Code)
	}
	w := postJSON(r, "/webhook/payment", genericBody("TX-DUP"), headers)
	if w.Code != http.StatusOK {
		t.Fatalf("second delivery: %d", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["duplicate"] != true {
		t.Errorf("response = %v, want duplicate:true", resp)
	}
	if len(store.payments) != 1 {
		t.Errorf("persisted %d payments, want 1", len(store.payments))
	}
}

func TestWebhookValidation(t *testing.T) {
	_, _, _, r := newTestHandler(Config{Secret: "s"})
	headers := map[string]string{"Authorization": "Bearer s"}

	tests := []struct {
		name string
		body string
	}{
		{"Missing Transaction Id", `{"amount": 100.0}`},
		{"Zero Amount", `{"transactionId": "T", "amount": 0}`},
		{"Negative Amount", `{"transactionId": "T", "amount": -5}`},
		{"Not JSON", `deposit of $100`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := postJSON(r, "/webhook/payment", []byte(tt.body), headers); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestWebhookNativeBankShape(t *testing.T) {
	_, store, matcher, r := newTestHandler(Config{Secret: "s", DefaultMerchantID: "m-default"})
	body := []byte(`{
		"claveRastreo": "SPEI20250301X",
		"monto": 1500.50,
		"nombreOrdenante": "MARIA LOPEZ",
		"cuentaOrdenante": "012180000000000011",
		"cuentaBeneficiario": "999999999999999999",
		"concepto": "pago",
		"fechaOperacion": "2025-03-01 12:30:00",
		"estado": "liquidada"
	}`)

	w := postJSON(r, "/webhook/bank", body, map[string]string{"Authorization": "Bearer s"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	p, ok := store.payments["SPEI20250301X"]
	if !ok {
		t.Fatal("native payment not persisted")
	}
	if p.MerchantID != "m-default" {
		t.Errorf("merchantId = %q, want fallback m-default", p.MerchantID)
	}
	if !p.Amount.Equal(decimal.RequireFromString("1500.50")) {
		t.Errorf("amount = %s, want 1500.50", p.Amount)
	}
	waitFor(t, func() bool { return matcher.count() == 1 })
}

func TestWebhookPendingStatusNotEmitted(t *testing.T) {
	_, store, matcher, r := newTestHandler(Config{Secret: "s", DefaultMerchantID: "m"})
	body := []byte(`{"transactionId": "TX-PEND", "amount": 10.0, "status": "pending"}`)

	if w := postJSON(r, "/webhook/payment", body, map[string]string{"Authorization": "Bearer s"}); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if _, ok := store.payments["TX-PEND"]; !ok {
		t.Fatal("pending payment must still be persisted")
	}
	time.Sleep(50 * time.Millisecond)
	if matcher.count() != 0 {
		t.Error("pending payment must not reach the matcher")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
