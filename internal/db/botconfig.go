package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/novacoinotc/otc-desk-engine/pkg/models"
)

// GetBotConfig reads the merchant's engine configuration. Read at the top of
// every engine cycle; this is the live kill switch.
func (s *PostgresStore) GetBotConfig(ctx context.Context, mctx MerchantContext) (models.BotConfig, error) {
	if err := mctx.require(); err != nil {
		return models.BotConfig{}, err
	}

	var cfg models.BotConfig
	var ignoredRaw, configsRaw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT merchant_id, release_enabled, positioning_enabled, positioning_mode,
			follow_target, undercut_cents, match_price, smart_min_order_count,
			smart_min_finish_rate, smart_min_positive_rate, smart_min_user_grade,
			smart_require_online, smart_min_surplus, min_margin_percent,
			max_margin_percent, ignored_advertisers, positioning_configs,
			last_positioning_at, last_order_sync_at, updated_at
		FROM bot_configs WHERE merchant_id = $1`, mctx.MerchantID).Scan(
		&cfg.MerchantID, &cfg.ReleaseEnabled, &cfg.PositioningEnabled,
		&cfg.PositioningMode, &cfg.FollowTarget, &cfg.UndercutCents, &cfg.MatchPrice,
		&cfg.SmartMinOrderCount, &cfg.SmartMinFinishRate, &cfg.SmartMinPositiveRate,
		&cfg.SmartMinUserGrade, &cfg.SmartRequireOnline, &cfg.SmartMinSurplus,
		&cfg.MinMarginPercent, &cfg.MaxMarginPercent, &ignoredRaw, &configsRaw,
		&cfg.LastPositioningAt, &cfg.LastOrderSyncAt, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BotConfig{}, ErrNotFound
	}
	if err != nil {
		return models.BotConfig{}, err
	}

	if len(ignoredRaw) > 0 {
		if err := json.Unmarshal(ignoredRaw, &cfg.IgnoredAdvertisers); err != nil {
			return models.BotConfig{}, fmt.Errorf("decoding ignored_advertisers: %w", err)
		}
	}
	if len(configsRaw) > 0 {
		if err := json.Unmarshal(configsRaw, &cfg.PositioningConfigs); err != nil {
			return models.BotConfig{}, fmt.Errorf("decoding positioning_configs: %w", err)
		}
	}
	return cfg, nil
}

// EnsureBotConfig creates the per-merchant config row with defaults if it
// does not exist yet. Called at merchant creation and defensively on boot.
func (s *PostgresStore) EnsureBotConfig(ctx context.Context, mctx MerchantContext) error {
	if err := mctx.require(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bot_configs (merchant_id) VALUES ($1)
		ON CONFLICT (merchant_id) DO NOTHING`, mctx.MerchantID)
	return err
}

// SaveBotConfig persists a full config write from the dashboard.
func (s *PostgresStore) SaveBotConfig(ctx context.Context, mctx MerchantContext, cfg models.BotConfig) error {
	if err := mctx.require(); err != nil {
		return err
	}

	ignored, err := json.Marshal(cfg.IgnoredAdvertisers)
	if err != nil {
		return err
	}
	if cfg.IgnoredAdvertisers == nil {
		ignored = []byte(`[]`)
	}
	configs, err := json.Marshal(cfg.PositioningConfigs)
	if err != nil {
		return err
	}
	if cfg.PositioningConfigs == nil {
		configs = []byte(`{}`)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO bot_configs (merchant_id, release_enabled, positioning_enabled,
			positioning_mode, follow_target, undercut_cents, match_price,
			smart_min_order_count, smart_min_finish_rate, smart_min_positive_rate,
			smart_min_user_grade, smart_require_online, smart_min_surplus,
			min_margin_percent, max_margin_percent, ignored_advertisers,
			positioning_configs, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW())
		ON CONFLICT (merchant_id) DO UPDATE SET
			release_enabled         = EXCLUDED.release_enabled,
			positioning_enabled     = EXCLUDED.positioning_enabled,
			positioning_mode        = EXCLUDED.positioning_mode,
			follow_target           = EXCLUDED.follow_target,
			undercut_cents          = EXCLUDED.undercut_cents,
			match_price             = EXCLUDED.match_price,
			smart_min_order_count   = EXCLUDED.smart_min_order_count,
			smart_min_finish_rate   = EXCLUDED.smart_min_finish_rate,
			smart_min_positive_rate = EXCLUDED.smart_min_positive_rate,
			smart_min_user_grade    = EXCLUDED.smart_min_user_grade,
			smart_require_online    = EXCLUDED.smart_require_online,
			smart_min_surplus       = EXCLUDED.smart_min_surplus,
			min_margin_percent      = EXCLUDED.min_margin_percent,
			max_margin_percent      = EXCLUDED.max_margin_percent,
			ignored_advertisers     = EXCLUDED.ignored_advertisers,
			positioning_configs     = EXCLUDED.positioning_configs,
			updated_at              = NOW()`,
		mctx.MerchantID, cfg.ReleaseEnabled, cfg.PositioningEnabled,
		cfg.PositioningMode, cfg.FollowTarget, cfg.UndercutCents, cfg.MatchPrice,
		cfg.SmartMinOrderCount, cfg.SmartMinFinishRate, cfg.SmartMinPositiveRate,
		cfg.SmartMinUserGrade, cfg.SmartRequireOnline, cfg.SmartMinSurplus,
		cfg.MinMarginPercent, cfg.MaxMarginPercent, ignored, configs)
	return err
}

// TouchPositioningActivity stamps the positioning engine's last activity.
func (s *PostgresStore) TouchPositioningActivity(ctx context.Context, mctx MerchantContext) error {
	if err := mctx.require(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE bot_configs SET last_positioning_at = NOW() WHERE merchant_id = $1`,
		mctx.MerchantID)
	return err
}

// TouchOrderSyncActivity stamps the orchestrator's last activity.
func (s *PostgresStore) TouchOrderSyncActivity(ctx context.Context, mctx MerchantContext) error {
	if err := mctx.require(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE bot_configs SET last_order_sync_at = NOW() WHERE merchant_id = $1`,
		mctx.MerchantID)
	return err
}
