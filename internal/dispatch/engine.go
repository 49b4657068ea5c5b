package dispatch

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/domain"
	"github.com/beaconhq/beacon/internal/metrics"
)

// CampaignStore is the campaign storage surface the engine drives.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from []string, to string) (string, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
	MarkSent(ctx context.Context, id uuid.UUID, sentCount, failedCount int) error
	MarkFailed(ctx context.Context, id uuid.UUID, sentCount, failedCount int) error
	UpsertDeliveryOutcomes(ctx context.Context, records []*db.DeliveryRecord) error
	DeliveredSubscriberIDs(ctx context.Context, campaignID uuid.UUID) ([]uuid.UUID, error)
	DeliveryCounts(ctx context.Context, campaignID uuid.UUID) (map[string]int, error)
}

// SegmentLister loads the active subset of a campaign's target segments.
type SegmentLister interface {
	ListActiveByIDs(ctx context.Context, merchantID uuid.UUID, ids []uuid.UUID) ([]*db.Segment, error)
}

// Audience is the segment resolver surface the engine uses: exact union
// membership at dispatch time, cheap counts for validation.
type Audience interface {
	ResolveUnion(ctx context.Context, merchantID uuid.UUID, segmentIDs []uuid.UUID) ([]uuid.UUID, error)
	EstimateSegmentCount(ctx context.Context, seg *db.Segment) (int, error)
}

// RecipientLoader narrows resolved members to currently eligible delivery
// targets.
type RecipientLoader interface {
	EligibleRecipients(ctx context.Context, merchantID uuid.UUID, ids []uuid.UUID) ([]*db.Recipient, error)
}

// DispatchRecorder receives the outcome totals of a completed send.
type DispatchRecorder interface {
	RecordDispatch(ctx context.Context, campaignID uuid.UUID, targeted, reached int64, at time.Time) error
	RecomputeRollup(ctx context.Context, campaignID uuid.UUID) error
}

// Config tunes the engine's fan-out.
type Config struct {
	BatchSize        int           // recipients per transport call
	BatchConcurrency int           // parallel in-flight batches
	BatchTimeout     time.Duration // per-batch transport deadline
	MinReachWarning  int           // audience sizes below this warn at validation
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 4
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 30 * time.Second
	}
	if c.MinReachWarning <= 0 {
		c.MinReachWarning = 10
	}
	return c
}

// Engine validates campaigns and drives their sends.
type Engine struct {
	campaigns   CampaignStore
	segments    SegmentLister
	audience    Audience
	subscribers RecipientLoader
	recorder    DispatchRecorder
	transport   Transport
	config      Config
	logger      *zap.Logger
}

// NewEngine constructs a dispatch engine.
func NewEngine(
	campaigns CampaignStore,
	segments SegmentLister,
	audience Audience,
	subscribers RecipientLoader,
	recorder DispatchRecorder,
	transport Transport,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		campaigns:   campaigns,
		segments:    segments,
		audience:    audience,
		subscribers: subscribers,
		recorder:    recorder,
		transport:   transport,
		config:      cfg.withDefaults(),
		logger:      logger,
	}
}

// ValidationResult reports campaign readiness. Errors block sending;
// warnings do not.
type ValidationResult struct {
	Valid                bool     `json:"valid"`
	Errors               []string `json:"errors,omitempty"`
	Warnings             []string `json:"warnings,omitempty"`
	EstimatedSubscribers int      `json:"estimated_subscribers"`
}

// Validate checks message completeness, target segments, and estimated
// audience size. It never mutates state and is safe to call repeatedly.
func (e *Engine) Validate(ctx context.Context, campaignID uuid.UUID) (*ValidationResult, error) {
	campaign, err := e.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{}
	if campaign.Title == "" {
		result.Errors = append(result.Errors, "message title is required")
	}
	if campaign.Body == "" {
		result.Errors = append(result.Errors, "message body is required")
	}
	if len(campaign.SegmentIDs) == 0 {
		result.Errors = append(result.Errors, "at least one target segment is required")
	} else {
		segments, err := e.segments.ListActiveByIDs(ctx, campaign.MerchantID, campaign.SegmentIDs)
		if err != nil {
			return nil, err
		}
		if len(segments) == 0 {
			result.Errors = append(result.Errors, "no active target segments")
		}
		for _, seg := range segments {
			n, err := e.audience.EstimateSegmentCount(ctx, seg)
			if err != nil {
				if domain.IsNotFound(err) {
					continue
				}
				return nil, err
			}
			// Overlap between segments makes this an upper bound,
			// which is what an estimate is for.
			result.EstimatedSubscribers += n
		}
		if len(segments) > 0 && result.EstimatedSubscribers == 0 {
			result.Errors = append(result.Errors, "estimated audience is empty")
		}
	}
	if result.EstimatedSubscribers > 0 && result.EstimatedSubscribers < e.config.MinReachWarning {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("estimated audience is below %d subscribers", e.config.MinReachWarning))
	}

	result.Valid = len(result.Errors) == 0
	return result, nil
}

// SendResult summarizes one sendCampaign invocation.
type SendResult struct {
	SentCount    int           `json:"sent_count"`
	FailedCount  int           `json:"failed_count"`
	SkippedCount int           `json:"skipped_count"`
	Errors       []string      `json:"errors,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// Send resolves the campaign's union audience and fans delivery out in
// bounded batches. The DRAFT/SCHEDULED/FAILED -> SENDING transition is the
// sole mutual-exclusion point: a concurrent caller loses the conditional
// update and observes a StateConflictError. Batch failures are recorded
// per recipient and never abort the remaining batches; a partially
// delivered campaign is an expected outcome, not a fault.
func (e *Engine) Send(ctx context.Context, campaignID uuid.UUID) (*SendResult, error) {
	start := time.Now()

	campaign, err := e.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	// FAILED is sendable again: a transport outage marks the campaign
	// failed, and re-invoking Send retries everyone without a prior
	// delivered outcome.
	prior, err := e.campaigns.TransitionStatus(ctx, campaignID,
		[]string{db.CampaignDraft, db.CampaignScheduled, db.CampaignFailed}, db.CampaignSending)
	if err != nil {
		return nil, err
	}

	// Everything from here until the first batch must leave the campaign
	// in its prior status on failure: SENDING with zero sends is not a
	// state we persist.
	revert := func(cause error) error {
		if restoreErr := e.campaigns.SetStatus(ctx, campaignID, prior); restoreErr != nil {
			e.logger.Error("failed to restore campaign status after aborted send",
				zap.String("campaign_id", campaignID.String()),
				zap.String("prior", prior),
				zap.Error(restoreErr),
			)
		}
		return &domain.DispatchFailedError{CampaignID: campaignID.String(), Err: cause}
	}

	audience, err := e.audience.ResolveUnion(ctx, campaign.MerchantID, campaign.SegmentIDs)
	if err != nil {
		return nil, revert(fmt.Errorf("resolve audience: %w", err))
	}

	delivered, err := e.campaigns.DeliveredSubscriberIDs(ctx, campaignID)
	if err != nil {
		return nil, revert(fmt.Errorf("load prior deliveries: %w", err))
	}
	alreadyDelivered := make(map[uuid.UUID]struct{}, len(delivered))
	for _, id := range delivered {
		alreadyDelivered[id] = struct{}{}
	}

	remaining := make([]uuid.UUID, 0, len(audience))
	for _, id := range audience {
		if _, done := alreadyDelivered[id]; !done {
			remaining = append(remaining, id)
		}
	}

	recipients, err := e.subscribers.EligibleRecipients(ctx, campaign.MerchantID, remaining)
	if err != nil {
		return nil, revert(fmt.Errorf("load recipients: %w", err))
	}

	result := &SendResult{
		SentCount:    len(audience) - len(remaining), // prior deliveries still count as sent
		SkippedCount: 0,
	}

	// Resolved but no longer eligible (push disabled, bounced between
	// resolution and load): record as skipped, not silently dropped.
	eligible := make(map[uuid.UUID]struct{}, len(recipients))
	for _, rec := range recipients {
		eligible[rec.SubscriberID] = struct{}{}
	}
	var skippedRecords []*db.DeliveryRecord
	for _, id := range remaining {
		if _, ok := eligible[id]; !ok {
			skippedRecords = append(skippedRecords, &db.DeliveryRecord{
				CampaignID:   campaignID,
				SubscriberID: id,
				Status:       db.DeliverySkipped,
				Reason:       "not eligible for delivery",
			})
		}
	}
	if err := e.campaigns.UpsertDeliveryOutcomes(ctx, skippedRecords); err != nil {
		e.logger.Error("failed to record skipped outcomes", zap.Error(err))
		result.Errors = append(result.Errors, err.Error())
	}
	result.SkippedCount = len(skippedRecords)

	payload := Payload{
		CampaignID: campaign.ID,
		Title:      campaign.Title,
		Body:       campaign.Body,
		ImageURL:   campaign.ImageURL,
		ActionURL:  campaign.ActionURL,
	}

	batches := chunkRecipients(recipients, e.config.BatchSize)
	sent, failed, transportDown, batchErrs := e.dispatchBatches(ctx, campaignID, batches, payload)
	result.SentCount += sent
	result.FailedCount = failed
	result.Errors = append(result.Errors, batchErrs...)

	// Transport unreachable for every batch means the send did not
	// happen; anything short of that is partial delivery and completes.
	if len(batches) > 0 && transportDown == len(batches) {
		if err := e.campaigns.MarkFailed(ctx, campaignID, result.SentCount, result.FailedCount); err != nil {
			e.logger.Error("failed to mark campaign failed", zap.Error(err))
		}
		metrics.RecordCampaignDispatched(db.CampaignFailed)
		result.Duration = time.Since(start)
		return result, &domain.DispatchFailedError{
			CampaignID: campaignID.String(),
			Err:        fmt.Errorf("%w: transport unreachable for all %d batches", domain.ErrTransport, len(batches)),
		}
	}

	if err := e.campaigns.MarkSent(ctx, campaignID, result.SentCount, result.FailedCount); err != nil {
		e.logger.Error("failed to mark campaign sent", zap.Error(err))
		result.Errors = append(result.Errors, err.Error())
	}

	if err := e.recorder.RecordDispatch(ctx, campaignID,
		int64(len(audience)), int64(result.SentCount), time.Now().UTC()); err != nil {
		e.logger.Error("failed to record dispatch analytics", zap.Error(err))
		result.Errors = append(result.Errors, err.Error())
	} else if err := e.recorder.RecomputeRollup(ctx, campaignID); err != nil {
		e.logger.Error("failed to recompute rollup", zap.Error(err))
		result.Errors = append(result.Errors, err.Error())
	}

	metrics.RecordCampaignDispatched(db.CampaignSent)
	result.Duration = time.Since(start)

	e.logger.Info("campaign dispatched",
		zap.String("campaign_id", campaignID.String()),
		zap.Int("audience", len(audience)),
		zap.Int("sent", result.SentCount),
		zap.Int("failed", result.FailedCount),
		zap.Int("skipped", result.SkippedCount),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// dispatchBatches runs the batch fan-out with bounded concurrency and a
// per-batch deadline. Returns sent and failed totals, how many batches
// failed at the transport level, and collected error strings.
func (e *Engine) dispatchBatches(ctx context.Context, campaignID uuid.UUID, batches [][]*db.Recipient, payload Payload) (sent, failed, transportDown int, errs []string) {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, e.config.BatchConcurrency)
	)

	for i, batch := range batches {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, batch []*db.Recipient) {
			defer wg.Done()
			defer func() { <-sem }()

			batchSent, batchFailed, down, err := e.sendBatch(ctx, campaignID, batch, payload)

			mu.Lock()
			defer mu.Unlock()
			sent += batchSent
			failed += batchFailed
			if down {
				transportDown++
			}
			if err != nil {
				errs = append(errs, fmt.Sprintf("batch %d: %v", idx, err))
			}
		}(i, batch)
	}
	wg.Wait()
	return sent, failed, transportDown, errs
}

// sendBatch delivers one batch and persists its outcomes. A transport
// error (including a deadline) marks every recipient failed rather than
// aborting the send.
func (e *Engine) sendBatch(ctx context.Context, campaignID uuid.UUID, batch []*db.Recipient, payload Payload) (sent, failed int, transportDown bool, retErr error) {
	bctx, cancel := context.WithTimeout(ctx, e.config.BatchTimeout)
	defer cancel()

	now := time.Now().UTC()
	records := make([]*db.DeliveryRecord, 0, len(batch))

	outcomes, err := e.transport.Send(bctx, batch, payload)
	if err != nil {
		transportDown = true
		retErr = fmt.Errorf("%w: %v", domain.ErrTransport, err)
		for _, rec := range batch {
			records = append(records, &db.DeliveryRecord{
				CampaignID:   campaignID,
				SubscriberID: rec.SubscriberID,
				Status:       db.DeliveryFailed,
				Reason:       err.Error(),
				AttemptedAt:  now,
			})
		}
		failed = len(batch)
	} else {
		reported := make(map[uuid.UUID]struct{}, len(outcomes))
		for _, out := range outcomes {
			reported[out.SubscriberID] = struct{}{}
			rec := &db.DeliveryRecord{
				CampaignID:   campaignID,
				SubscriberID: out.SubscriberID,
				Status:       out.Status,
				Reason:       out.Reason,
				AttemptedAt:  now,
			}
			records = append(records, rec)
			if out.Status == db.DeliveryDelivered {
				sent++
			} else {
				failed++
			}
			metrics.RecordDeliveryOutcome(out.Status)
		}
		// A recipient the transport never reported on is a failure,
		// never an implicit success.
		for _, rec := range batch {
			if _, ok := reported[rec.SubscriberID]; !ok {
				records = append(records, &db.DeliveryRecord{
					CampaignID:   campaignID,
					SubscriberID: rec.SubscriberID,
					Status:       db.DeliveryFailed,
					Reason:       "no outcome reported by transport",
					AttemptedAt:  now,
				})
				failed++
			}
		}
	}

	if err := e.campaigns.UpsertDeliveryOutcomes(ctx, records); err != nil {
		e.logger.Error("failed to persist delivery outcomes",
			zap.String("campaign_id", campaignID.String()),
			zap.Int("records", len(records)),
			zap.Error(err),
		)
		if retErr == nil {
			retErr = err
		}
	}
	metrics.RecordBatchDispatched(transportDown)
	return sent, failed, transportDown, retErr
}

// Cancel moves a DRAFT or SCHEDULED campaign to CANCELLED. A SENDING
// campaign cannot be cancelled; in-flight batches run to completion.
func (e *Engine) Cancel(ctx context.Context, campaignID uuid.UUID) error {
	_, err := e.campaigns.TransitionStatus(ctx, campaignID,
		[]string{db.CampaignDraft, db.CampaignScheduled}, db.CampaignCancelled)
	return err
}

// Pause moves a SCHEDULED campaign to PAUSED.
func (e *Engine) Pause(ctx context.Context, campaignID uuid.UUID) error {
	_, err := e.campaigns.TransitionStatus(ctx, campaignID,
		[]string{db.CampaignScheduled}, db.CampaignPaused)
	return err
}

// Resume moves a PAUSED campaign back to SCHEDULED.
func (e *Engine) Resume(ctx context.Context, campaignID uuid.UUID) error {
	_, err := e.campaigns.TransitionStatus(ctx, campaignID,
		[]string{db.CampaignPaused}, db.CampaignScheduled)
	return err
}

// SendStats is the read-side summary of a campaign's deliveries.
type SendStats struct {
	TotalSent      int     `json:"total_sent"`
	TotalDelivered int     `json:"total_delivered"`
	TotalClicked   int64   `json:"total_clicked"`
	TotalFailed    int     `json:"total_failed"`
	DeliveryRate   float64 `json:"delivery_rate"`
	ClickRate      float64 `json:"click_rate"`
}

// Stats aggregates persisted delivery and analytics records. It never
// triggers sends.
func (e *Engine) Stats(ctx context.Context, campaignID uuid.UUID) (*SendStats, error) {
	campaign, err := e.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	counts, err := e.campaigns.DeliveryCounts(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	deliveredCount := counts[db.DeliveryDelivered]
	failedCount := counts[db.DeliveryFailed]

	stats := &SendStats{
		TotalSent:      deliveredCount + failedCount,
		TotalDelivered: deliveredCount,
		TotalClicked:   campaign.Clicks,
		TotalFailed:    failedCount,
	}
	stats.DeliveryRate = guardedRate(float64(deliveredCount), float64(stats.TotalSent))
	stats.ClickRate = guardedRate(float64(campaign.Clicks), float64(deliveredCount))
	return stats, nil
}

// guardedRate returns num/den as a percentage rounded to two decimals,
// and 0 when the denominator is zero.
func guardedRate(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return math.Round(num/den*100*100) / 100
}

func chunkRecipients(recipients []*db.Recipient, size int) [][]*db.Recipient {
	if len(recipients) == 0 {
		return nil
	}
	var batches [][]*db.Recipient
	for start := 0; start < len(recipients); start += size {
		end := start + size
		if end > len(recipients) {
			end = len(recipients)
		}
		batches = append(batches, recipients[start:end])
	}
	return batches
}
