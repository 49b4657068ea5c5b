// Package worker runs the scheduled-campaign poll loop: campaigns whose
// scheduled time has passed get picked up and handed to the dispatch
// engine.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/dispatch"
	"github.com/beaconhq/beacon/internal/domain"
)

// CampaignSource lists campaigns due for dispatch.
type CampaignSource interface {
	ListDueScheduled(ctx context.Context, limit int) ([]*db.Campaign, error)
}

// Dispatcher runs one campaign send.
type Dispatcher interface {
	Send(ctx context.Context, campaignID uuid.UUID) (*dispatch.SendResult, error)
}

type Scheduler struct {
	campaigns CampaignSource
	engine    Dispatcher
	config    Config
	logger    *zap.Logger
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

func New(campaigns CampaignSource, engine Dispatcher, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}

	return &Scheduler{
		campaigns: campaigns,
		engine:    engine,
		config:    cfg,
		logger:    logger,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.processDue(ctx)
		}
	}
}

func (s *Scheduler) processDue(ctx context.Context) {
	due, err := s.campaigns.ListDueScheduled(ctx, s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to list due campaigns", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.Info("dispatching due campaigns", zap.Int("count", len(due)))

	for _, campaign := range due {
		result, err := s.engine.Send(ctx, campaign.ID)
		if err != nil {
			// Another instance may have picked it up first; that is a
			// lost race, not a failure worth alerting on.
			if domain.IsStateConflict(err) {
				s.logger.Debug("campaign already picked up",
					zap.String("campaign_id", campaign.ID.String()),
				)
				continue
			}
			s.logger.Error("scheduled dispatch failed",
				zap.String("campaign_id", campaign.ID.String()),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("scheduled campaign dispatched",
			zap.String("campaign_id", campaign.ID.String()),
			zap.Int("sent", result.SentCount),
			zap.Int("failed", result.FailedCount),
		)
	}
}
