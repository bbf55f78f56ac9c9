package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

const merchantColumns = `id, name, email, merchant_no, clabe_account, is_admin, is_active, created_at, updated_at`

func scanMerchant(row pgx.Row) (models.Merchant, error) {
	var m models.Merchant
	err := row.Scan(&m.ID, &m.Name, &m.Email, &m.MerchantNo, &m.ClabeAccount,
		&m.IsAdmin, &m.IsActive, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return m, ErrNotFound
	}
	return m, err
}

// GetMerchant returns one merchant row by id.
func (s *PostgresStore) GetMerchant(ctx context.Context, id string) (models.Merchant, error) {
	return scanMerchant(s.pool.QueryRow(ctx,
		`SELECT `+merchantColumns+` FROM merchants WHERE id = $1`, id))
}

// ListActiveMerchants returns every active tenant. Used at boot to spin up
// one positioning loop and one orchestrator per merchant.
func (s *PostgresStore) ListActiveMerchants(ctx context.Context) ([]models.Merchant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+merchantColumns+` FROM merchants WHERE is_active = TRUE ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	merchants := []models.Merchant{}
	for rows.Next() {
		m, err := scanMerchant(rows)
		if err != nil {
			return nil, err
		}
		merchants = append(merchants, m)
	}
	return merchants, rows.Err()
}

// FindMerchantByClabe resolves the receiving bank account of a webhook
// payload to its merchant.
func (s *PostgresStore) FindMerchantByClabe(ctx context.Context, clabe string) (models.Merchant, error) {
	return scanMerchant(s.pool.QueryRow(ctx,
		`SELECT `+merchantColumns+` FROM merchants WHERE clabe_account = $1 AND is_active = TRUE`, clabe))
}
