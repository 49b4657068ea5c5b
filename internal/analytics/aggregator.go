// Package analytics ingests campaign outcome events into daily rows and
// recomputes campaign rollups from them. Rollups are always derived by
// summation so a replayed or duplicated recompute cannot drift them.
package analytics

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/domain"
	"github.com/beaconhq/beacon/internal/metrics"
)

// Event kinds accepted by the aggregator.
const (
	EventImpression = "impression"
	EventClick      = "click"
	EventConversion = "conversion"
)

// Event is one observed campaign outcome, possibly carrying a count when
// the caller pre-aggregates. Breakdown holds optional device/platform/
// location labels merged into the day's breakdown document.
type Event struct {
	CampaignID   uuid.UUID       `json:"campaign_id"`
	SubscriberID uuid.UUID       `json:"subscriber_id,omitempty"`
	Kind         string          `json:"kind"`
	Count        int64           `json:"count,omitempty"`
	Revenue      float64         `json:"revenue,omitempty"`
	Breakdown    json.RawMessage `json:"breakdown,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at,omitempty"`
}

// DailyStore is the daily-row storage surface.
type DailyStore interface {
	UpsertDaily(ctx context.Context, delta *db.CampaignAnalytics) error
	SumDailies(ctx context.Context, campaignID uuid.UUID) (*db.RollupSums, error)
	DailyRange(ctx context.Context, campaignID uuid.UUID, from, to time.Time) ([]*db.CampaignAnalytics, error)
}

// RollupStore receives recomputed campaign totals.
type RollupStore interface {
	UpdateRollup(ctx context.Context, id uuid.UUID, impressions, clicks, conversions int64, revenue, ctr float64) error
}

// Aggregator folds outcome events into daily analytics rows and keeps
// campaign rollups in sync with them.
type Aggregator struct {
	dailies DailyStore
	rollups RollupStore
	logger  *zap.Logger
}

// NewAggregator creates an outcome aggregator.
func NewAggregator(dailies DailyStore, rollups RollupStore, logger *zap.Logger) *Aggregator {
	return &Aggregator{dailies: dailies, rollups: rollups, logger: logger}
}

// RecordEvent validates and folds one event into its campaign's daily row,
// then recomputes the rollup.
func (a *Aggregator) RecordEvent(ctx context.Context, ev *Event) error {
	if ev.CampaignID == uuid.Nil {
		return domain.Validationf("campaign_id", "is required")
	}
	count := ev.Count
	if count == 0 {
		count = 1
	}
	if count < 0 {
		return domain.Validationf("count", "must be positive")
	}
	if ev.Revenue < 0 {
		return domain.Validationf("revenue", "must not be negative")
	}
	if ev.Revenue > 0 && ev.Kind != EventConversion {
		return domain.Validationf("revenue", "only conversion events carry revenue")
	}

	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if len(ev.Breakdown) > 0 && !json.Valid(ev.Breakdown) {
		return domain.Validationf("breakdown", "must be valid JSON")
	}

	delta := &db.CampaignAnalytics{CampaignID: ev.CampaignID, Date: at, Breakdown: ev.Breakdown}
	switch ev.Kind {
	case EventImpression:
		delta.Impressions = count
	case EventClick:
		delta.Clicks = count
	case EventConversion:
		delta.Conversions = count
		delta.Revenue = ev.Revenue
	default:
		return domain.Validationf("kind", "unknown event kind %q", ev.Kind)
	}

	if err := a.dailies.UpsertDaily(ctx, delta); err != nil {
		return err
	}
	metrics.RecordAnalyticsEvent(ev.Kind)

	return a.RecomputeRollup(ctx, ev.CampaignID)
}

// RecordDispatch folds a completed send's totals into the day's row. The
// engine calls this once per dispatch; a resend adds only the newly
// reached recipients. Failures are tracked per delivery record, not per
// day, so they have no column here.
func (a *Aggregator) RecordDispatch(ctx context.Context, campaignID uuid.UUID, targeted, reached int64, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	delta := &db.CampaignAnalytics{
		CampaignID: campaignID,
		Date:       at,
		Targeted:   targeted,
		Reached:    reached,
	}
	return a.dailies.UpsertDaily(ctx, delta)
}

// RecomputeRollup rebuilds the campaign's lifetime totals from its daily
// rows and writes them to the campaign record.
func (a *Aggregator) RecomputeRollup(ctx context.Context, campaignID uuid.UUID) error {
	sums, err := a.dailies.SumDailies(ctx, campaignID)
	if err != nil {
		return err
	}
	ctr := Rate(float64(sums.Clicks), float64(sums.Impressions))
	if err := a.rollups.UpdateRollup(ctx, campaignID,
		sums.Impressions, sums.Clicks, sums.Conversions, sums.Revenue, ctr); err != nil {
		return err
	}
	a.logger.Debug("campaign rollup recomputed",
		zap.String("campaign_id", campaignID.String()),
		zap.Int64("impressions", sums.Impressions),
		zap.Int64("clicks", sums.Clicks),
		zap.Float64("ctr", ctr),
	)
	return nil
}

// Summary is a campaign's lifetime totals with derived rates.
type Summary struct {
	Impressions    int64   `json:"impressions"`
	Clicks         int64   `json:"clicks"`
	Conversions    int64   `json:"conversions"`
	Revenue        float64 `json:"revenue"`
	Targeted       int64   `json:"targeted"`
	Reached        int64   `json:"reached"`
	CTR            float64 `json:"ctr"`
	ConversionRate float64 `json:"conversion_rate"`
	ReachRate      float64 `json:"reach_rate"`
}

// Summarize computes lifetime totals and rates from the daily rows.
func (a *Aggregator) Summarize(ctx context.Context, campaignID uuid.UUID) (*Summary, error) {
	sums, err := a.dailies.SumDailies(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Impressions:    sums.Impressions,
		Clicks:         sums.Clicks,
		Conversions:    sums.Conversions,
		Revenue:        sums.Revenue,
		Targeted:       sums.Targeted,
		Reached:        sums.Reached,
		CTR:            Rate(float64(sums.Clicks), float64(sums.Impressions)),
		ConversionRate: Rate(float64(sums.Conversions), float64(sums.Clicks)),
		ReachRate:      Rate(float64(sums.Reached), float64(sums.Targeted)),
	}, nil
}

// TimeSeries returns the daily rows for a campaign between from and to
// inclusive.
func (a *Aggregator) TimeSeries(ctx context.Context, campaignID uuid.UUID, from, to time.Time) ([]*db.CampaignAnalytics, error) {
	if to.Before(from) {
		return nil, domain.Validationf("to", "must not precede from")
	}
	return a.dailies.DailyRange(ctx, campaignID, from, to)
}

// Rate returns num/den as a percentage rounded to two decimals, and 0
// when the denominator is zero.
func Rate(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return math.Round(num/den*100*100) / 100
}
