package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/analytics"
	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/dispatch"
	"github.com/beaconhq/beacon/internal/domain"
	"github.com/beaconhq/beacon/internal/metrics"
	"github.com/beaconhq/beacon/internal/redis"
	"github.com/beaconhq/beacon/internal/segment"
)

// CampaignEngine defines the dispatch operations the API exposes.
type CampaignEngine interface {
	Validate(ctx context.Context, campaignID uuid.UUID) (*dispatch.ValidationResult, error)
	Send(ctx context.Context, campaignID uuid.UUID) (*dispatch.SendResult, error)
	Cancel(ctx context.Context, campaignID uuid.UUID) error
	Pause(ctx context.Context, campaignID uuid.UUID) error
	Resume(ctx context.Context, campaignID uuid.UUID) error
	Stats(ctx context.Context, campaignID uuid.UUID) (*dispatch.SendStats, error)
}

// AudienceEstimator estimates segment sizes.
type AudienceEstimator interface {
	EstimateCount(ctx context.Context, merchantID uuid.UUID, g *segment.ConditionGroup) (int, error)
	EstimateSegmentCount(ctx context.Context, seg *db.Segment) (int, error)
}

// SegmentReader loads merchant-scoped segments.
type SegmentReader interface {
	GetSegment(ctx context.Context, merchantID, id uuid.UUID) (*db.Segment, error)
}

// AnalyticsService records outcome events and serves per-campaign stats.
type AnalyticsService interface {
	RecordEvent(ctx context.Context, ev *analytics.Event) error
	Summarize(ctx context.Context, campaignID uuid.UUID) (*analytics.Summary, error)
	TimeSeries(ctx context.Context, campaignID uuid.UUID, from, to time.Time) ([]*db.CampaignAnalytics, error)
}

// DispatchQueue enqueues async campaign sends. Satisfied by sqs.Producer.
type DispatchQueue interface {
	EnqueueDispatch(ctx context.Context, campaignID, merchantID string) (string, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	engine      CampaignEngine
	resolver    AudienceEstimator
	segments    SegmentReader
	analytics   AnalyticsService
	idempotency *redis.IdempotencyService // nil if Redis not configured
	estimates   *redis.EstimateCache      // nil if Redis not configured
	queue       DispatchQueue             // nil if SQS not configured
}

// NewHandler creates a new API handler.
func NewHandler(logger *zap.Logger, engine CampaignEngine, resolver AudienceEstimator, segments SegmentReader, analyticsSvc AnalyticsService) *Handler {
	return &Handler{
		logger:    logger,
		engine:    engine,
		resolver:  resolver,
		segments:  segments,
		analytics: analyticsSvc,
	}
}

// WithIdempotency enables idempotent send replay via Redis.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// WithEstimateCache enables cached segment estimates.
func (h *Handler) WithEstimateCache(cache *redis.EstimateCache) *Handler {
	h.estimates = cache
	return h
}

// WithQueue enables async dispatch via SQS.
func (h *Handler) WithQueue(queue DispatchQueue) *Handler {
	h.queue = queue
	return h
}

// EstimateRequest is the body for POST /v1/segments/estimate: an
// ad-hoc condition tree previewed before the segment is saved.
type EstimateRequest struct {
	Conditions json.RawMessage `json:"conditions"`
}

// EstimateResponse reports an audience size estimate.
type EstimateResponse struct {
	EstimatedSubscribers int `json:"estimated_subscribers"`
}

// EstimateAudience handles POST /v1/segments/estimate
func (h *Handler) EstimateAudience(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	merchantID, ok := h.merchantID(w, r)
	if !ok {
		return
	}

	var req EstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	group, err := segment.ParseGroup(req.Conditions)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	count, err := h.resolver.EstimateCount(ctx, merchantID, group)
	if err != nil {
		if domain.IsValidation(err) {
			h.writeDomainError(w, err)
			return
		}
		h.logger.Error("failed to estimate audience",
			zap.Error(err),
			zap.String("merchant_id", merchantID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to estimate audience", "")
		return
	}

	metrics.RecordSegmentEstimate()
	h.writeJSON(w, http.StatusOK, EstimateResponse{EstimatedSubscribers: count})
}

// EstimateSegment handles GET /v1/segments/{id}/estimate
// Serves a cached estimate when one is fresh enough.
func (h *Handler) EstimateSegment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	merchantID, ok := h.merchantID(w, r)
	if !ok {
		return
	}

	segmentID, ok := h.pathID(w, r, "Invalid segment ID")
	if !ok {
		return
	}

	if h.estimates != nil {
		if count, hit, err := h.estimates.Get(ctx, merchantID.String(), segmentID.String()); err == nil && hit {
			w.Header().Set("X-Estimate-Cached", "true")
			h.writeJSON(w, http.StatusOK, EstimateResponse{EstimatedSubscribers: count})
			return
		}
	}

	seg, err := h.segments.GetSegment(ctx, merchantID, segmentID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	count, err := h.resolver.EstimateSegmentCount(ctx, seg)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if h.estimates != nil {
		if err := h.estimates.Set(ctx, merchantID.String(), segmentID.String(), count); err != nil {
			h.logger.Warn("failed to cache segment estimate", zap.Error(err))
		}
	}

	metrics.RecordSegmentEstimate()
	h.writeJSON(w, http.StatusOK, EstimateResponse{EstimatedSubscribers: count})
}

// ValidateCampaign handles POST /v1/campaigns/{id}/validate
func (h *Handler) ValidateCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := h.pathID(w, r, "Invalid campaign ID")
	if !ok {
		return
	}

	result, err := h.engine.Validate(r.Context(), campaignID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// SendResponse is returned after a send request is accepted.
type SendResponse struct {
	CampaignID string               `json:"campaign_id"`
	Async      bool                 `json:"async,omitempty"`
	Result     *dispatch.SendResult `json:"result,omitempty"`
}

// SendCampaign handles POST /v1/campaigns/{id}/send
// Supports idempotency via the Idempotency-Key header and asynchronous
// dispatch via ?async=1.
func (h *Handler) SendCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	merchantID, ok := h.merchantID(w, r)
	if !ok {
		return
	}

	campaignID, ok := h.pathID(w, r, "Invalid campaign ID")
	if !ok {
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")

	if idempotencyKey != "" && h.idempotency != nil {
		cachedResult, err := h.idempotency.CheckOrReserve(ctx, merchantID.String(), idempotencyKey)

		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				metrics.RecordIdempotencyHit()
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cachedResult != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cachedResult.StatusCode, SendResponse{CampaignID: cachedResult.CampaignID})
			return
		}
	}

	if r.URL.Query().Get("async") == "1" && h.queue != nil {
		msgID, err := h.queue.EnqueueDispatch(ctx, campaignID.String(), merchantID.String())
		if err != nil {
			h.releaseIdempotency(ctx, merchantID.String(), idempotencyKey)
			h.logger.Error("failed to enqueue dispatch job",
				zap.Error(err),
				zap.String("campaign_id", campaignID.String()),
			)
			h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue campaign send", "")
			return
		}

		h.logger.Info("campaign send enqueued",
			zap.String("campaign_id", campaignID.String()),
			zap.String("sqs_message_id", msgID),
		)

		h.storeIdempotency(ctx, merchantID.String(), idempotencyKey, campaignID, http.StatusAccepted)
		h.writeJSON(w, http.StatusAccepted, SendResponse{CampaignID: campaignID.String(), Async: true})
		return
	}

	result, err := h.engine.Send(ctx, campaignID)
	if err != nil {
		// A failed send must not poison the idempotency key; the
		// merchant retries with the same key after fixing the cause.
		h.releaseIdempotency(ctx, merchantID.String(), idempotencyKey)
		h.writeDomainError(w, err)
		return
	}

	h.logger.Info("campaign dispatched",
		zap.String("campaign_id", campaignID.String()),
		zap.Int("sent", result.SentCount),
		zap.Int("failed", result.FailedCount),
		zap.Int("skipped", result.SkippedCount),
	)

	h.storeIdempotency(ctx, merchantID.String(), idempotencyKey, campaignID, http.StatusOK)
	h.writeJSON(w, http.StatusOK, SendResponse{CampaignID: campaignID.String(), Result: result})
}

// CancelCampaign handles POST /v1/campaigns/{id}/cancel
func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancelled", h.engine.Cancel)
}

// PauseCampaign handles POST /v1/campaigns/{id}/pause
func (h *Handler) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "paused", h.engine.Pause)
}

// ResumeCampaign handles POST /v1/campaigns/{id}/resume
func (h *Handler) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "scheduled", h.engine.Resume)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, status string, op func(context.Context, uuid.UUID) error) {
	campaignID, ok := h.pathID(w, r, "Invalid campaign ID")
	if !ok {
		return
	}

	if err := op(r.Context(), campaignID); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.logger.Info("campaign status changed",
		zap.String("campaign_id", campaignID.String()),
		zap.String("status", status),
	)

	h.writeJSON(w, http.StatusOK, map[string]string{
		"campaign_id": campaignID.String(),
		"status":      status,
	})
}

// GetCampaignStats handles GET /v1/campaigns/{id}/stats
func (h *Handler) GetCampaignStats(w http.ResponseWriter, r *http.Request) {
	campaignID, ok := h.pathID(w, r, "Invalid campaign ID")
	if !ok {
		return
	}

	stats, err := h.engine.Stats(r.Context(), campaignID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// RecordEvent handles POST /v1/events
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var ev analytics.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := h.analytics.RecordEvent(r.Context(), &ev); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"campaign_id": ev.CampaignID.String(),
		"kind":        ev.Kind,
	})
}

// AnalyticsResponse combines the campaign summary with an optional
// daily time series.
type AnalyticsResponse struct {
	Summary *analytics.Summary      `json:"summary"`
	Daily   []*db.CampaignAnalytics `json:"daily,omitempty"`
}

// GetCampaignAnalytics handles GET /v1/campaigns/{id}/analytics?from=...&to=...
func (h *Handler) GetCampaignAnalytics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	campaignID, ok := h.pathID(w, r, "Invalid campaign ID")
	if !ok {
		return
	}

	summary, err := h.analytics.Summarize(ctx, campaignID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := AnalyticsResponse{Summary: summary}

	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")
	if fromStr != "" && toStr != "" {
		from, err := time.Parse("2006-01-02", fromStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid from date", "from must be YYYY-MM-DD")
			return
		}
		to, err := time.Parse("2006-01-02", toStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid to date", "to must be YYYY-MM-DD")
			return
		}

		daily, err := h.analytics.TimeSeries(ctx, campaignID, from, to)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		resp.Daily = daily
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) merchantID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("X-Merchant-ID")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing merchant", "X-Merchant-ID header is required")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid merchant", "X-Merchant-ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, title string) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", title, "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) storeIdempotency(ctx context.Context, merchantID, key string, campaignID uuid.UUID, statusCode int) {
	if key == "" || h.idempotency == nil {
		return
	}
	result := &redis.IdempotencyResult{
		CampaignID: campaignID.String(),
		StatusCode: statusCode,
		CreatedAt:  time.Now().Unix(),
	}
	if err := h.idempotency.Store(ctx, merchantID, key, result, redis.IdempotencyTTL); err != nil {
		h.logger.Warn("failed to store idempotency result",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
	}
}

func (h *Handler) releaseIdempotency(ctx context.Context, merchantID, key string) {
	if key == "" || h.idempotency == nil {
		return
	}
	if err := h.idempotency.Release(ctx, merchantID, key); err != nil {
		h.logger.Warn("failed to release idempotency key",
			zap.Error(err),
			zap.String("idempotency_key", key),
		)
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Validation failed", err.Error())
	case domain.IsNotFound(err):
		h.writeError(w, http.StatusNotFound, "not_found", "Resource not found", err.Error())
	case domain.IsStateConflict(err):
		h.writeError(w, http.StatusConflict, "state_conflict", "Conflicting campaign state", err.Error())
	default:
		var dispatchErr *domain.DispatchFailedError
		if errors.As(err, &dispatchErr) {
			h.writeError(w, http.StatusBadGateway, "dispatch_failed", "Campaign dispatch failed", err.Error())
			return
		}
		h.logger.Error("internal error", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
