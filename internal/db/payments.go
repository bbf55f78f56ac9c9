package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

const paymentColumns = `id, transaction_id, amount, currency, sender_name, sender_account,
	receiver_account, concept, bank_timestamp, bank_reference, status, matched_order_id,
	matched_at, verify_method, merchant_id, created_at`

func scanPayment(row pgx.Row) (models.Payment, error) {
	var p models.Payment
	var merchantID *string
	err := row.Scan(&p.ID, &p.TransactionID, &p.Amount, &p.Currency, &p.SenderName,
		&p.SenderAccount, &p.ReceiverAccount, &p.Concept, &p.BankTimestamp,
		&p.BankReference, &p.Status, &p.MatchedOrderID, &p.MatchedAt, &p.VerifyMethod,
		&merchantID, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if merchantID != nil {
		p.MerchantID = *merchantID
	}
	return p, nil
}

// SavePayment persists a bank deposit notification, idempotent on
// (transaction_id, merchant_id). A re-insert returns the existing row with
// created=false and changes nothing, including the status.
func (s *PostgresStore) SavePayment(ctx context.Context, mctx MerchantContext, p models.Payment) (models.Payment, bool, error) {
	if err := mctx.require(); err != nil {
		return models.Payment{}, false, err
	}

	sql := `
		INSERT INTO payments (id, transaction_id, amount, currency, sender_name,
			sender_account, receiver_account, concept, bank_timestamp, bank_reference,
			status, verify_method, merchant_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (transaction_id, merchant_id) DO NOTHING
		RETURNING ` + paymentColumns

	status := p.Status
	if status == "" {
		status = models.PaymentStatusPending
	}
	method := p.VerifyMethod
	if method == "" {
		method = models.VerifyMethodBankWebhook
	}

	row := s.pool.QueryRow(ctx, sql, uuid.NewString(), p.TransactionID, p.Amount,
		p.Currency, p.SenderName, p.SenderAccount, p.ReceiverAccount, p.Concept,
		p.BankTimestamp, p.BankReference, status, method, mctx.MerchantID)

	saved, err := scanPayment(row)
	if errors.Is(err, ErrNotFound) {
		// Conflict path: the row already exists, return it unchanged.
		existing, err := s.GetPaymentByTransactionID(ctx, mctx, p.TransactionID)
		if err != nil {
			return models.Payment{}, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return models.Payment{}, false, fmt.Errorf("saving payment %s: %w", p.TransactionID, err)
	}
	return saved, true, nil
}

// GetPaymentByTransactionID returns one payment by its bank transaction id.
func (s *PostgresStore) GetPaymentByTransactionID(ctx context.Context, mctx MerchantContext, transactionID string) (models.Payment, error) {
	if err := mctx.require(); err != nil {
		return models.Payment{}, err
	}
	sql := `SELECT ` + paymentColumns + ` FROM payments WHERE transaction_id = $1 AND merchant_id = $2`
	return scanPayment(s.pool.QueryRow(ctx, sql, transactionID, mctx.MerchantID))
}

// ListPendingPayments returns unmatched payments for the operator queue,
// newest first. Admin+ViewAll callers see every merchant.
func (s *PostgresStore) ListPendingPayments(ctx context.Context, mctx MerchantContext, limit int) ([]models.Payment, error) {
	if err := mctx.require(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	var rows pgx.Rows
	var err error
	if mctx.scopesAll() {
		rows, err = s.pool.Query(ctx,
			`SELECT `+paymentColumns+` FROM payments WHERE status = $1 ORDER BY bank_timestamp DESC LIMIT $2`,
			models.PaymentStatusPending, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+paymentColumns+` FROM payments WHERE status = $1 AND merchant_id = $2 ORDER BY bank_timestamp DESC LIMIT $3`,
			models.PaymentStatusPending, mctx.MerchantID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := []models.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// FindUnmatchedPayment searches PENDING payments whose amount falls within
// tolerancePct of amount and whose bank timestamp is inside the window
// around ref. Used by the order-observed-paid trigger.
func (s *PostgresStore) FindUnmatchedPayment(ctx context.Context, mctx MerchantContext, amount decimal.Decimal, tolerancePct float64, ref time.Time, window time.Duration) (models.Payment, error) {
	if err := mctx.require(); err != nil {
		return models.Payment{}, err
	}
	tol := amount.Mul(decimal.NewFromFloat(tolerancePct / 100.0)).Abs()
	sql := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE merchant_id = $1
		  AND status = $2
		  AND amount BETWEEN $3 AND $4
		  AND bank_timestamp BETWEEN $5 AND $6
		ORDER BY bank_timestamp DESC
		LIMIT 1`

	return scanPayment(s.pool.QueryRow(ctx, sql, mctx.MerchantID,
		models.PaymentStatusPending, amount.Sub(tol), amount.Add(tol),
		ref.Add(-window), ref.Add(window)))
}

// DiscardPayment marks a PENDING payment FAILED (operator decision:
// third-party deposit not ours to keep matching). Compare-and-set on status.
func (s *PostgresStore) DiscardPayment(ctx context.Context, mctx MerchantContext, transactionID string) (models.Payment, error) {
	if err := mctx.require(); err != nil {
		return models.Payment{}, err
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE payments SET status = $1
		WHERE transaction_id = $2 AND merchant_id = $3 AND status = $4
		RETURNING `+paymentColumns,
		models.PaymentStatusFailed, transactionID, mctx.MerchantID, models.PaymentStatusPending)

	p, err := scanPayment(row)
	if errors.Is(err, ErrNotFound) {
		// Distinguish unknown id from non-pending status for the caller.
		if _, getErr := s.GetPaymentByTransactionID(ctx, mctx, transactionID); getErr == nil {
			return models.Payment{}, fmt.Errorf("%w: payment %s is not pending", ErrConflict, transactionID)
		}
		return models.Payment{}, ErrNotFound
	}
	return p, err
}
