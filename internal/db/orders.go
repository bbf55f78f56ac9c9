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

const orderColumns = `id, order_number, side, asset, fiat, unit_price, total_price,
	buyer_nick_name, buyer_real_name, buyer_user_no, status, verification_status,
	merchant_id, created_at, paid_at, released_at`

func scanOrder(row pgx.Row) (models.Order, error) {
	var o models.Order
	var merchantID *string
	err := row.Scan(&o.ID, &o.OrderNumber, &o.Side, &o.Asset, &o.Fiat, &o.UnitPrice,
		&o.TotalPrice, &o.BuyerNickName, &o.BuyerRealName, &o.BuyerUserNo, &o.Status,
		&o.VerificationStatus, &merchantID, &o.CreatedAt, &o.PaidAt, &o.ReleasedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if merchantID != nil {
		o.MerchantID = *merchantID
	}
	return o, nil
}

// SaveOrder upserts an exchange order snapshot on (order_number, merchant_id).
// Only the status, counterparty fields and paid_at may change over an order's
// lifetime; terminal orders are left frozen. Returns the stored row and
// whether this call created it.
func (s *PostgresStore) SaveOrder(ctx context.Context, mctx MerchantContext, o models.Order) (models.Order, bool, error) {
	if err := mctx.require(); err != nil {
		return models.Order{}, false, err
	}

	existing, err := s.GetOrderByNumber(ctx, mctx, o.OrderNumber)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return models.Order{}, false, err
	}
	if err == nil && models.IsTerminalOrderStatus(existing.Status) {
		return existing, false, nil
	}

	sql := `
		INSERT INTO orders (id, order_number, side, asset, fiat, unit_price, total_price,
			buyer_nick_name, buyer_real_name, buyer_user_no, status, verification_status,
			merchant_id, created_at, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'AWAITING_PAYMENT', $12, $13, $14)
		ON CONFLICT (order_number, merchant_id) DO UPDATE SET
			status          = EXCLUDED.status,
			buyer_nick_name = EXCLUDED.buyer_nick_name,
			buyer_real_name = CASE WHEN EXCLUDED.buyer_real_name <> '' THEN EXCLUDED.buyer_real_name ELSE orders.buyer_real_name END,
			buyer_user_no   = CASE WHEN EXCLUDED.buyer_user_no <> '' THEN EXCLUDED.buyer_user_no ELSE orders.buyer_user_no END,
			paid_at         = COALESCE(orders.paid_at, EXCLUDED.paid_at)
		RETURNING ` + orderColumns + `, (xmax = 0) AS inserted`

	row := s.pool.QueryRow(ctx, sql, uuid.NewString(), o.OrderNumber, o.Side, o.Asset,
		o.Fiat, o.UnitPrice, o.TotalPrice, o.BuyerNickName, o.BuyerRealName, o.BuyerUserNo,
		o.Status, mctx.MerchantID, o.CreatedAt, o.PaidAt)

	var saved models.Order
	var merchantID *string
	var inserted bool
	err = row.Scan(&saved.ID, &saved.OrderNumber, &saved.Side, &saved.Asset, &saved.Fiat,
		&saved.UnitPrice, &saved.TotalPrice, &saved.BuyerNickName, &saved.BuyerRealName,
		&saved.BuyerUserNo, &saved.Status, &saved.VerificationStatus, &merchantID,
		&saved.CreatedAt, &saved.PaidAt, &saved.ReleasedAt, &inserted)
	if err != nil {
		return models.Order{}, false, fmt.Errorf("saving order %s: %w", o.OrderNumber, err)
	}
	if merchantID != nil {
		saved.MerchantID = *merchantID
	}
	return saved, inserted, nil
}

// GetOrderByNumber returns one order by its exchange order number.
func (s *PostgresStore) GetOrderByNumber(ctx context.Context, mctx MerchantContext, orderNumber string) (models.Order, error) {
	if err := mctx.require(); err != nil {
		return models.Order{}, err
	}
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE order_number = $1 AND merchant_id = $2`
	return scanOrder(s.pool.QueryRow(ctx, sql, orderNumber, mctx.MerchantID))
}

// GetOrderByID returns one order by local id.
func (s *PostgresStore) GetOrderByID(ctx context.Context, mctx MerchantContext, id string) (models.Order, error) {
	if err := mctx.require(); err != nil {
		return models.Order{}, err
	}
	sql := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 AND merchant_id = $2`
	return scanOrder(s.pool.QueryRow(ctx, sql, id, mctx.MerchantID))
}

// FindCandidateOrders returns BUYER_PAYED orders whose total price is within
// tolerancePct of amount and whose paid timestamp falls inside the window
// around ref, most recent first.
func (s *PostgresStore) FindCandidateOrders(ctx context.Context, mctx MerchantContext, amount decimal.Decimal, tolerancePct float64, ref time.Time, window time.Duration) ([]models.Order, error) {
	if err := mctx.require(); err != nil {
		return nil, err
	}
	tol := amount.Mul(decimal.NewFromFloat(tolerancePct / 100.0)).Abs()
	sql := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE merchant_id = $1
		  AND status = $2
		  AND total_price BETWEEN $3 AND $4
		  AND COALESCE(paid_at, created_at) BETWEEN $5 AND $6
		ORDER BY COALESCE(paid_at, created_at) DESC`

	rows, err := s.pool.Query(ctx, sql, mctx.MerchantID, models.OrderStatusBuyerPayed,
		amount.Sub(tol), amount.Add(tol), ref.Add(-window), ref.Add(window))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

// FindOrdersNearAmount serves the operator candidate-order lookup: orders in
// PAID or COMPLETED state over the last seven days within tolerancePct of
// the given amount.
func (s *PostgresStore) FindOrdersNearAmount(ctx context.Context, mctx MerchantContext, amount decimal.Decimal, tolerancePct float64) ([]models.Order, error) {
	if err := mctx.require(); err != nil {
		return nil, err
	}
	tol := amount.Mul(decimal.NewFromFloat(tolerancePct / 100.0)).Abs()
	sql := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE merchant_id = $1
		  AND status IN ($2, $3)
		  AND total_price BETWEEN $4 AND $5
		  AND created_at > NOW() - INTERVAL '7 days'
		ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, sql, mctx.MerchantID, models.OrderStatusBuyerPayed,
		models.OrderStatusCompleted, amount.Sub(tol), amount.Add(tol))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]models.Order, error) {
	orders := []models.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// AppendVerificationStep appends one timeline entry and advances the order's
// verification status in the same transaction, holding the order row lock.
// Appending the status the order already carries returns ErrConflict; this
// is the compare-and-set that keeps racing triggers from duplicating a
// transition.
func (s *PostgresStore) AppendVerificationStep(ctx context.Context, mctx MerchantContext, orderID, status, message string, details map[string]any) error {
	if err := mctx.require(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	err = tx.QueryRow(ctx,
		`SELECT verification_status FROM orders WHERE id = $1 AND merchant_id = $2 FOR UPDATE`,
		orderID, mctx.MerchantID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if current == status {
		return fmt.Errorf("%w: order %s already in %s", ErrConflict, orderID, status)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO verification_steps (id, order_id, status, message, details) VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), orderID, status, message, details)
	if err != nil {
		return fmt.Errorf("appending verification step: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET verification_status = $1 WHERE id = $2`, status, orderID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetVerificationTimeline returns an order's steps in append order.
func (s *PostgresStore) GetVerificationTimeline(ctx context.Context, mctx MerchantContext, orderID string) ([]models.VerificationStep, error) {
	if err := mctx.require(); err != nil {
		return nil, err
	}
	sql := `
		SELECT vs.id, vs.order_id, vs.status, vs.message, vs.details, vs.created_at
		FROM verification_steps vs
		JOIN orders o ON o.id = vs.order_id
		WHERE vs.order_id = $1 AND o.merchant_id = $2
		ORDER BY vs.created_at ASC, vs.id ASC`

	rows, err := s.pool.Query(ctx, sql, orderID, mctx.MerchantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []models.VerificationStep{}
	for rows.Next() {
		var st models.VerificationStep
		if err := rows.Scan(&st.ID, &st.OrderID, &st.Status, &st.Message, &st.Details, &st.CreatedAt); err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// HasVerificationTimeline reports whether any step has been appended yet.
func (s *PostgresStore) HasVerificationTimeline(ctx context.Context, mctx MerchantContext, orderID string) (bool, error) {
	if err := mctx.require(); err != nil {
		return false, err
	}
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM verification_steps vs
		JOIN orders o ON o.id = vs.order_id
		WHERE vs.order_id = $1 AND o.merchant_id = $2`, orderID, mctx.MerchantID).Scan(&count)
	return count > 0, err
}

// MatchPaymentToOrder links a PENDING payment to an order, at most once. The
// order row is locked for the duration and the payment transition is a
// compare-and-set on status, so two racing webhooks cannot both win.
func (s *PostgresStore) MatchPaymentToOrder(ctx context.Context, mctx MerchantContext, transactionID, orderID, verifyMethod string) (models.Payment, error) {
	if err := mctx.require(); err != nil {
		return models.Payment{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Payment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT TRUE FROM orders WHERE id = $1 AND merchant_id = $2 FOR UPDATE`,
		orderID, mctx.MerchantID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Payment{}, ErrNotFound
	}
	if err != nil {
		return models.Payment{}, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE payments
		SET status = $1, matched_order_id = $2, matched_at = NOW(), verify_method = $3
		WHERE transaction_id = $4 AND merchant_id = $5 AND status = $6
		RETURNING `+paymentColumns,
		models.PaymentStatusMatched, orderID, verifyMethod,
		transactionID, mctx.MerchantID, models.PaymentStatusPending)

	p, err := scanPayment(row)
	if errors.Is(err, ErrNotFound) {
		return models.Payment{}, fmt.Errorf("%w: payment %s is not pending", ErrConflict, transactionID)
	}
	if err != nil {
		return models.Payment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Payment{}, err
	}
	return p, nil
}

// MarkOrderReleased freezes an order after the operator (or release policy)
// confirms the coin release: stamps released_at, appends the terminal step,
// and moves the matched payments to RELEASED.
func (s *PostgresStore) MarkOrderReleased(ctx context.Context, mctx MerchantContext, orderID, actor string) error {
	if err := mctx.require(); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current string
	err = tx.QueryRow(ctx,
		`SELECT verification_status FROM orders WHERE id = $1 AND merchant_id = $2 FOR UPDATE`,
		orderID, mctx.MerchantID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if current == models.StepReleased {
		return fmt.Errorf("%w: order %s already released", ErrConflict, orderID)
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET verification_status = $1, released_at = NOW() WHERE id = $2`,
		models.StepReleased, orderID)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO verification_steps (id, order_id, status, message, details) VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), orderID, models.StepReleased, "coin released",
		map[string]any{"releasedBy": actor})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE payments SET status = $1 WHERE matched_order_id = $2 AND status = $3`,
		models.PaymentStatusReleased, orderID, models.PaymentStatusMatched)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}
