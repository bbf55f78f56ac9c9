package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

const trustedColumns = `id, buyer_user_no, nick_name, real_name, notes, is_active,
	orders_auto_released, total_amount_released, merchant_id, created_at, updated_at`

func scanTrusted(row pgx.Row) (models.TrustedBuyer, error) {
	var tb models.TrustedBuyer
	var merchantID *string
	err := row.Scan(&tb.ID, &tb.BuyerUserNo, &tb.NickName, &tb.RealName, &tb.Notes,
		&tb.IsActive, &tb.OrdersAutoReleased, &tb.TotalAmountReleased, &merchantID,
		&tb.CreatedAt, &tb.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return tb, ErrNotFound
	}
	if err != nil {
		return tb, err
	}
	if merchantID != nil {
		tb.MerchantID = *merchantID
	}
	return tb, nil
}

// AddTrustedBuyer creates an allowlist entry keyed on buyer_user_no. Adding
// a previously deactivated buyer reactivates the existing row, keeping its
// statistics.
func (s *PostgresStore) AddTrustedBuyer(ctx context.Context, mctx MerchantContext, tb models.TrustedBuyer) (models.TrustedBuyer, error) {
	if err := mctx.require(); err != nil {
		return models.TrustedBuyer{}, err
	}

	sql := `
		INSERT INTO trusted_buyers (id, buyer_user_no, nick_name, real_name, notes, is_active, merchant_id)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		ON CONFLICT (buyer_user_no, merchant_id) DO UPDATE SET
			is_active  = TRUE,
			nick_name  = EXCLUDED.nick_name,
			real_name  = CASE WHEN EXCLUDED.real_name <> '' THEN EXCLUDED.real_name ELSE trusted_buyers.real_name END,
			notes      = CASE WHEN EXCLUDED.notes <> '' THEN EXCLUDED.notes ELSE trusted_buyers.notes END,
			updated_at = NOW()
		RETURNING ` + trustedColumns

	return scanTrusted(s.pool.QueryRow(ctx, sql, uuid.NewString(), tb.BuyerUserNo,
		tb.NickName, tb.RealName, tb.Notes, mctx.MerchantID))
}

// GetTrustedBuyer returns the active allowlist entry for one counterparty
// user number, or ErrNotFound.
func (s *PostgresStore) GetTrustedBuyer(ctx context.Context, mctx MerchantContext, buyerUserNo string) (models.TrustedBuyer, error) {
	if err := mctx.require(); err != nil {
		return models.TrustedBuyer{}, err
	}
	sql := `SELECT ` + trustedColumns + ` FROM trusted_buyers
		WHERE buyer_user_no = $1 AND merchant_id = $2 AND is_active = TRUE`
	return scanTrusted(s.pool.QueryRow(ctx, sql, buyerUserNo, mctx.MerchantID))
}

// ListTrustedBuyers lists the merchant's allowlist, optionally including
// deactivated entries.
func (s *PostgresStore) ListTrustedBuyers(ctx context.Context, mctx MerchantContext, includeInactive bool) ([]models.TrustedBuyer, error) {
	if err := mctx.require(); err != nil {
		return nil, err
	}
	sql := `SELECT ` + trustedColumns + ` FROM trusted_buyers WHERE merchant_id = $1`
	if !includeInactive {
		sql += ` AND is_active = TRUE`
	}
	sql += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, sql, mctx.MerchantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buyers := []models.TrustedBuyer{}
	for rows.Next() {
		tb, err := scanTrusted(rows)
		if err != nil {
			return nil, err
		}
		buyers = append(buyers, tb)
	}
	return buyers, rows.Err()
}

// UpdateTrustedBuyer updates the mutable descriptive fields.
func (s *PostgresStore) UpdateTrustedBuyer(ctx context.Context, mctx MerchantContext, buyerUserNo, realName, notes string) (models.TrustedBuyer, error) {
	if err := mctx.require(); err != nil {
		return models.TrustedBuyer{}, err
	}
	sql := `
		UPDATE trusted_buyers SET
			real_name  = CASE WHEN $1 <> '' THEN $1 ELSE real_name END,
			notes      = CASE WHEN $2 <> '' THEN $2 ELSE notes END,
			updated_at = NOW()
		WHERE buyer_user_no = $3 AND merchant_id = $4
		RETURNING ` + trustedColumns
	return scanTrusted(s.pool.QueryRow(ctx, sql, realName, notes, buyerUserNo, mctx.MerchantID))
}

// DeactivateTrustedBuyer soft-deletes an allowlist entry.
func (s *PostgresStore) DeactivateTrustedBuyer(ctx context.Context, mctx MerchantContext, buyerUserNo string) error {
	if err := mctx.require(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE trusted_buyers SET is_active = FALSE, updated_at = NOW()
		WHERE buyer_user_no = $1 AND merchant_id = $2`, buyerUserNo, mctx.MerchantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementTrustedStats records one auto-release recommendation against a
// trusted buyer: bumps the counter and adds the payment amount.
func (s *PostgresStore) IncrementTrustedStats(ctx context.Context, mctx MerchantContext, buyerUserNo string, amount decimal.Decimal) error {
	if err := mctx.require(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE trusted_buyers SET
			orders_auto_released  = orders_auto_released + 1,
			total_amount_released = total_amount_released + $1,
			updated_at            = NOW()
		WHERE buyer_user_no = $2 AND merchant_id = $3 AND is_active = TRUE`,
		amount, buyerUserNo, mctx.MerchantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
