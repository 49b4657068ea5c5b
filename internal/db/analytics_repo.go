package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/domain"
)

// AnalyticsRepo handles the daily campaign_analytics rows. Writes are
// increment-upserts keyed (campaign_id, date); rollups are recomputed by
// summing rows, never drifted incrementally.
type AnalyticsRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewAnalyticsRepo creates a new analytics repository.
func NewAnalyticsRepo(db *DB, logger *zap.Logger) *AnalyticsRepo {
	return &AnalyticsRepo{db: db, logger: logger}
}

// UpsertDaily adds the delta's counters into the (campaign, day) row,
// creating it when absent. Date is truncated to the day in UTC.
func (r *AnalyticsRepo) UpsertDaily(ctx context.Context, delta *CampaignAnalytics) error {
	day := delta.Date.UTC().Truncate(24 * time.Hour)

	breakdown := delta.Breakdown
	if len(breakdown) == 0 {
		breakdown = []byte(`{}`)
	}

	query := `
		INSERT INTO campaign_analytics (
			campaign_id, date, impressions, clicks, conversions, revenue, targeted, reached, breakdown
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (campaign_id, date)
		DO UPDATE SET
			impressions = campaign_analytics.impressions + EXCLUDED.impressions,
			clicks      = campaign_analytics.clicks + EXCLUDED.clicks,
			conversions = campaign_analytics.conversions + EXCLUDED.conversions,
			revenue     = campaign_analytics.revenue + EXCLUDED.revenue,
			targeted    = campaign_analytics.targeted + EXCLUDED.targeted,
			reached     = campaign_analytics.reached + EXCLUDED.reached,
			breakdown   = campaign_analytics.breakdown || EXCLUDED.breakdown
	`

	_, err := r.db.Pool().Exec(ctx, query,
		delta.CampaignID, day,
		delta.Impressions, delta.Clicks, delta.Conversions, delta.Revenue,
		delta.Targeted, delta.Reached, breakdown,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23503: foreign_key_violation, the campaign row is gone
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return domain.NotFound("campaign", delta.CampaignID.String())
		}
		return fmt.Errorf("upsert daily analytics: %w", err)
	}
	return nil
}

// RollupSums are campaign-lifetime totals summed across daily rows.
type RollupSums struct {
	Impressions int64
	Clicks      int64
	Conversions int64
	Revenue     float64
	Targeted    int64
	Reached     int64
}

// SumDailies recomputes campaign totals from the daily rows. This is the
// single source of truth for rollup metrics.
func (r *AnalyticsRepo) SumDailies(ctx context.Context, campaignID uuid.UUID) (*RollupSums, error) {
	query := `
		SELECT
			COALESCE(SUM(impressions), 0),
			COALESCE(SUM(clicks), 0),
			COALESCE(SUM(conversions), 0),
			COALESCE(SUM(revenue), 0),
			COALESCE(SUM(targeted), 0),
			COALESCE(SUM(reached), 0)
		FROM campaign_analytics
		WHERE campaign_id = $1
	`

	var sums RollupSums
	err := r.db.Pool().QueryRow(ctx, query, campaignID).Scan(
		&sums.Impressions,
		&sums.Clicks,
		&sums.Conversions,
		&sums.Revenue,
		&sums.Targeted,
		&sums.Reached,
	)
	if err != nil {
		return nil, fmt.Errorf("sum daily analytics: %w", err)
	}
	return &sums, nil
}

// DailyRange returns the daily rows for a campaign between from and to
// inclusive, ordered by date.
func (r *AnalyticsRepo) DailyRange(ctx context.Context, campaignID uuid.UUID, from, to time.Time) ([]*CampaignAnalytics, error) {
	query := `
		SELECT campaign_id, date, impressions, clicks, conversions, revenue, targeted, reached, breakdown
		FROM campaign_analytics
		WHERE campaign_id = $1 AND date BETWEEN $2 AND $3
		ORDER BY date ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, campaignID, from.UTC().Truncate(24*time.Hour), to.UTC().Truncate(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("query daily analytics: %w", err)
	}
	defer rows.Close()

	var out []*CampaignAnalytics
	for rows.Next() {
		var row CampaignAnalytics
		if err := rows.Scan(
			&row.CampaignID,
			&row.Date,
			&row.Impressions,
			&row.Clicks,
			&row.Conversions,
			&row.Revenue,
			&row.Targeted,
			&row.Reached,
			&row.Breakdown,
		); err != nil {
			return nil, fmt.Errorf("scan daily analytics: %w", err)
		}
		out = append(out, &row)
	}
	return out, rows.Err()
}
