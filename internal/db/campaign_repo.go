package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/domain"
)

// CampaignRepo handles campaign and delivery-record storage, including
// the conditional status transition the dispatch engine uses for mutual
// exclusion across server instances.
type CampaignRepo struct {
	db     *DB
	logger *zap.Logger
}

// NewCampaignRepo creates a new campaign repository.
func NewCampaignRepo(db *DB, logger *zap.Logger) *CampaignRepo {
	return &CampaignRepo{db: db, logger: logger}
}

const campaignColumns = `
	id, merchant_id, name, status, segment_ids, title, body,
	COALESCE(image_url, ''), COALESCE(action_url, ''),
	scheduled_at, sent_at, sent_count, failed_count,
	impressions, clicks, conversions, revenue, ctr,
	created_at, updated_at
`

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	err := row.Scan(
		&c.ID,
		&c.MerchantID,
		&c.Name,
		&c.Status,
		&c.SegmentIDs,
		&c.Title,
		&c.Body,
		&c.ImageURL,
		&c.ActionURL,
		&c.ScheduledAt,
		&c.SentAt,
		&c.SentCount,
		&c.FailedCount,
		&c.Impressions,
		&c.Clicks,
		&c.Conversions,
		&c.Revenue,
		&c.CTR,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCampaign retrieves a campaign by ID.
func (r *CampaignRepo) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound("campaign", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("query campaign: %w", err)
	}
	return c, nil
}

// TransitionStatus atomically moves a campaign from one of the expected
// statuses to a new one, returning the status it actually had before the
// update. The affected-row count is the mutual-exclusion signal: two
// concurrent callers cannot both see a row transition. Returns a
// StateConflictError when the campaign is in none of the expected
// statuses.
func (r *CampaignRepo) TransitionStatus(ctx context.Context, id uuid.UUID, from []string, to string) (string, error) {
	query := `
		UPDATE campaigns c
		SET status = $3, updated_at = NOW()
		FROM (SELECT id, status AS prior FROM campaigns WHERE id = $1 FOR UPDATE) cur
		WHERE c.id = cur.id AND c.status = ANY($2)
		RETURNING cur.prior
	`

	var prior string
	err := r.db.Pool().QueryRow(ctx, query, id, from, to).Scan(&prior)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either absent or in the wrong state; disambiguate for the caller.
		current, getErr := r.GetCampaign(ctx, id)
		if getErr != nil {
			return "", getErr
		}
		return "", domain.StateConflict("campaign", id.String(), current.Status, fmt.Sprintf("one of %v", from))
	}
	if err != nil {
		return "", fmt.Errorf("transition campaign status: %w", err)
	}

	r.logger.Info("campaign status transitioned",
		zap.String("campaign_id", id.String()),
		zap.String("from", prior),
		zap.String("to", to),
	)
	return prior, nil
}

// SetStatus unconditionally sets a campaign's status. Used to restore the
// prior status when a send aborts before any batch goes out.
func (r *CampaignRepo) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	query := `UPDATE campaigns SET status = $2, updated_at = NOW() WHERE id = $1`

	result, err := r.db.Pool().Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("set campaign status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NotFound("campaign", id.String())
	}
	return nil
}

// MarkSent completes a send: SENDING -> SENT with final counters.
func (r *CampaignRepo) MarkSent(ctx context.Context, id uuid.UUID, sentCount, failedCount int) error {
	query := `
		UPDATE campaigns
		SET status = 'sent', sent_at = NOW(), sent_count = $2, failed_count = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`

	result, err := r.db.Pool().Exec(ctx, query, id, sentCount, failedCount)
	if err != nil {
		return fmt.Errorf("mark campaign sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.StateConflict("campaign", id.String(), "unknown", CampaignSending)
	}
	return nil
}

// MarkFailed records a send where the transport was unreachable for every
// batch: SENDING -> FAILED, keeping whatever counters were accumulated.
func (r *CampaignRepo) MarkFailed(ctx context.Context, id uuid.UUID, sentCount, failedCount int) error {
	query := `
		UPDATE campaigns
		SET status = 'failed', sent_count = $2, failed_count = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`

	result, err := r.db.Pool().Exec(ctx, query, id, sentCount, failedCount)
	if err != nil {
		return fmt.Errorf("mark campaign failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.StateConflict("campaign", id.String(), "unknown", CampaignSending)
	}
	return nil
}

// UpsertDeliveryOutcomes records one outcome per recipient. The
// (campaign_id, subscriber_id) key makes retried or duplicated batch
// writes collapse to the latest outcome instead of duplicating counts.
func (r *CampaignRepo) UpsertDeliveryOutcomes(ctx context.Context, records []*DeliveryRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO delivery_records (campaign_id, subscriber_id, status, reason, attempted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (campaign_id, subscriber_id)
		DO UPDATE SET status = EXCLUDED.status, reason = EXCLUDED.reason, attempted_at = EXCLUDED.attempted_at
	`

	for _, rec := range records {
		attemptedAt := rec.AttemptedAt
		if attemptedAt.IsZero() {
			attemptedAt = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx, query,
			rec.CampaignID, rec.SubscriberID, rec.Status, rec.Reason, attemptedAt,
		); err != nil {
			return fmt.Errorf("upsert delivery outcome: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DeliveredSubscriberIDs returns subscribers with a recorded delivered
// outcome, so a resend after partial failure skips them.
func (r *CampaignRepo) DeliveredSubscriberIDs(ctx context.Context, campaignID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT subscriber_id FROM delivery_records
		WHERE campaign_id = $1 AND status = 'delivered'
	`

	rows, err := r.db.Pool().Query(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query delivered ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan delivered id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeliveryCounts aggregates delivery records by outcome status.
func (r *CampaignRepo) DeliveryCounts(ctx context.Context, campaignID uuid.UUID) (map[string]int, error) {
	query := `
		SELECT status, COUNT(*) FROM delivery_records
		WHERE campaign_id = $1
		GROUP BY status
	`

	rows, err := r.db.Pool().Query(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query delivery counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan delivery count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// UpdateRollup writes the recomputed campaign-level rollup metrics.
func (r *CampaignRepo) UpdateRollup(ctx context.Context, id uuid.UUID, impressions, clicks, conversions int64, revenue, ctr float64) error {
	query := `
		UPDATE campaigns
		SET impressions = $2, clicks = $3, conversions = $4, revenue = $5, ctr = $6, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, impressions, clicks, conversions, revenue, ctr)
	if err != nil {
		return fmt.Errorf("update campaign rollup: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NotFound("campaign", id.String())
	}
	return nil
}

// ListDueScheduled returns campaigns whose scheduled time has arrived,
// for the scheduler to promote into dispatch.
func (r *CampaignRepo) ListDueScheduled(ctx context.Context, limit int) ([]*Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= NOW()
		ORDER BY scheduled_at ASC
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query due campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}
