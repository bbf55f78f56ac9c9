package webhook

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

// Normalized bank-side statuses. Only completed deposits are handed to the
// matcher; the rest stay pending for human review.
const (
	bankStatusCompleted = "completed"
	bankStatusPending   = "pending"
	bankStatusFailed    = "failed"
)

var errMissingRequired = errors.New("webhook: transactionId and positive amount are required")

// genericPayload is the documented integration format.
type genericPayload struct {
	TransactionID   string          `json:"transactionId"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	SenderName      string          `json:"senderName"`
	SenderAccount   string          `json:"senderAccount"`
	ReceiverAccount string          `json:"receiverAccount"`
	Concept         string          `json:"concept"`
	Timestamp       string          `json:"timestamp"`
	BankReference   string          `json:"bankReference"`
	Status          string          `json:"status"`
}

// bankPayload is the native SPEI notification shape.
type bankPayload struct {
	ClaveRastreo      string          `json:"claveRastreo"`
	Monto             decimal.Decimal `json:"monto"`
	Divisa            string          `json:"divisa"`
	NombreOrdenante   string          `json:"nombreOrdenante"`
	CuentaOrdenante   string          `json:"cuentaOrdenante"`
	CuentaBeneficiario string         `json:"cuentaBeneficiario"`
	Concepto          string          `json:"concepto"`
	FechaOperacion    string          `json:"fechaOperacion"`
	Referencia        string          `json:"referencia"`
	Estado            string          `json:"estado"`
}

// parsePayment accepts either payload shape and normalizes to the Payment
// entity plus the bank-side status.
func parsePayment(body []byte) (models.Payment, string, error) {
	var generic genericPayload
	if err := json.Unmarshal(body, &generic); err == nil && generic.TransactionID != "" {
		return normalizeGeneric(generic)
	}

	var native bankPayload
	if err := json.Unmarshal(body, &native); err != nil {
		return models.Payment{}, "", err
	}
	if native.ClaveRastreo == "" {
		return models.Payment{}, "", errMissingRequired
	}
	return normalizeNative(native)
}

func normalizeGeneric(g genericPayload) (models.Payment, string, error) {
	if g.TransactionID == "" || !g.Amount.IsPositive() {
		return models.Payment{}, "", errMissingRequired
	}
	p := models.Payment{
		TransactionID:   g.TransactionID,
		Amount:          g.Amount.RoundBank(2),
		Currency:        defaultCurrency(g.Currency),
		SenderName:      g.SenderName,
		SenderAccount:   g.SenderAccount,
		ReceiverAccount: g.ReceiverAccount,
		Concept:         g.Concept,
		BankTimestamp:   parseBankTime(g.Timestamp),
		BankReference:   g.BankReference,
		Status:          models.PaymentStatusPending,
		VerifyMethod:    models.VerifyMethodBankWebhook,
	}
	return p, normalizeBankStatus(g.Status), nil
}

func normalizeNative(b bankPayload) (models.Payment, string, error) {
	if !b.Monto.IsPositive() {
		return models.Payment{}, "", errMissingRequired
	}
	p := models.Payment{
		TransactionID:   b.ClaveRastreo,
		Amount:          b.Monto.RoundBank(2),
		Currency:        defaultCurrency(b.Divisa),
		SenderName:      b.NombreOrdenante,
		SenderAccount:   b.CuentaOrdenante,
		ReceiverAccount: b.CuentaBeneficiario,
		Concept:         b.Concepto,
		BankTimestamp:   parseBankTime(b.FechaOperacion),
		BankReference:   b.Referencia,
		Status:          models.PaymentStatusPending,
		VerifyMethod:    models.VerifyMethodBankWebhook,
	}
	return p, normalizeBankStatus(b.Estado), nil
}

func defaultCurrency(c string) string {
	if c == "" {
		return "MXN"
	}
	return strings.ToUpper(c)
}

func parseBankTime(raw string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// normalizeBankStatus folds the accepted alias set onto the canonical three.
func normalizeBankStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "completed", "complete", "settled", "success", "liquidada", "liquidado":
		return bankStatusCompleted
	case "pending", "processing", "en proceso", "pendiente":
		return bankStatusPending
	case "failed", "rejected", "returned", "devuelta", "devuelto", "cancelada":
		return bankStatusFailed
	}
	return bankStatusPending
}
