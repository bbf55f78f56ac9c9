package db

import (
	"context"

	"github.com/google/uuid"

	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

// AppendAudit records one operator action against the merchant. Append-only.
func (s *PostgresStore) AppendAudit(ctx context.Context, mctx MerchantContext, action, actor string, details map[string]any) error {
	if err := mctx.require(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, merchant_id, action, actor, details)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), mctx.MerchantID, action, actor, details)
	return err
}

// ListAudit returns recent audit entries, newest first.
func (s *PostgresStore) ListAudit(ctx context.Context, mctx MerchantContext, limit int) ([]models.AuditEntry, error) {
	if err := mctx.require(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, merchant_id, action, actor, details, created_at
		FROM audit_log WHERE merchant_id = $1
		ORDER BY created_at DESC LIMIT $2`, mctx.MerchantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.AuditEntry{}
	for rows.Next() {
		var e models.AuditEntry
		var merchantID *string
		if err := rows.Scan(&e.ID, &merchantID, &e.Action, &e.Actor, &e.Details, &e.CreatedAt); err != nil {
			return nil, err
		}
		if merchantID != nil {
			e.MerchantID = *merchantID
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
