package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/analytics"
	"github.com/beaconhq/beacon/internal/api"
	"github.com/beaconhq/beacon/internal/circuitbreaker"
	"github.com/beaconhq/beacon/internal/config"
	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/dispatch"
	"github.com/beaconhq/beacon/internal/metrics"
	"github.com/beaconhq/beacon/internal/observ"
	"github.com/beaconhq/beacon/internal/redis"
	"github.com/beaconhq/beacon/internal/segment"
	"github.com/beaconhq/beacon/internal/sqs"
	"github.com/beaconhq/beacon/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting beacon gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	// Repositories
	subscriberRepo := db.NewSubscriberRepo(database, logger)
	segmentRepo := db.NewSegmentRepo(database, logger)
	campaignRepo := db.NewCampaignRepo(database, logger)
	analyticsRepo := db.NewAnalyticsRepo(database, logger)

	// Segment resolver and outcome aggregator
	resolver := segment.NewResolver(subscriberRepo, segmentRepo, logger)
	aggregator := analytics.NewAggregator(analyticsRepo, campaignRepo, logger)

	// Initialize Redis for idempotency, rate limiting, and estimate caching
	redisConfig := redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	redisClient, err := redis.New(ctx, redisConfig, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	var estimateCache *redis.EstimateCache
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		estimateCache = redis.NewEstimateCache(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: 1 * time.Minute,
		})
		defer redisClient.Close()
	}

	// Delivery transports, each behind its own circuit breaker
	transport, err := buildTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Dispatch engine
	engine := dispatch.NewEngine(
		campaignRepo,
		segmentRepo,
		resolver,
		subscriberRepo,
		aggregator,
		transport,
		dispatch.Config{
			BatchSize:        cfg.DispatchBatchSize,
			BatchConcurrency: cfg.DispatchConcurrency,
			BatchTimeout:     time.Duration(cfg.DispatchBatchTimeout) * time.Second,
			MinReachWarning:  cfg.DispatchMinReach,
		},
		logger,
	)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	// Connection pool gauges
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				metrics.SetDBConnections(int(database.Pool().Stat().TotalConns()))
				if redisClient != nil {
					metrics.SetRedisConnections(redisClient.ActiveConnections())
				}
			}
		}
	}()

	// Scheduled-campaign poll loop
	scheduler := worker.New(campaignRepo, engine, worker.Config{
		PollInterval: time.Duration(cfg.SchedulerIntervalSeconds) * time.Second,
	}, logger)
	go scheduler.Start(workerCtx)
	logger.Info("campaign scheduler started")

	// SQS producer and queue worker for async dispatch
	var producer *sqs.Producer
	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
			DLQURL:   cfg.SQSDLQURL,
		}
		producer, err = sqs.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, async dispatch disabled",
				zap.Error(err),
			)
			producer = nil
		} else {
			defer producer.Close()

			consumer, err := sqs.NewConsumer(ctx, sqsCfg, logger)
			if err != nil {
				logger.Warn("sqs consumer unavailable, queued jobs will not be drained",
					zap.Error(err),
				)
			} else {
				defer consumer.Close()
				queueWorker := worker.NewQueueWorker(consumer, engine, logger)
				go queueWorker.Start(workerCtx)
				logger.Info("dispatch queue worker started")
			}
		}
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	handler := api.NewHandler(logger, engine, resolver, segmentRepo, aggregator)
	if idempotencyService != nil {
		handler = handler.WithIdempotency(idempotencyService)
	}
	if estimateCache != nil {
		handler = handler.WithEstimateCache(estimateCache)
	}
	if producer != nil {
		handler = handler.WithQueue(producer)
	}

	r.Route("/v1", func(r chi.Router) {
		// Apply per-merchant rate limiting to API routes
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.MerchantKeyFunc))

		r.Post("/segments/estimate", handler.EstimateAudience)
		r.Get("/segments/{id}/estimate", handler.EstimateSegment)

		r.Post("/campaigns/{id}/validate", handler.ValidateCampaign)
		r.Post("/campaigns/{id}/send", handler.SendCampaign)
		r.Post("/campaigns/{id}/cancel", handler.CancelCampaign)
		r.Post("/campaigns/{id}/pause", handler.PauseCampaign)
		r.Post("/campaigns/{id}/resume", handler.ResumeCampaign)
		r.Get("/campaigns/{id}/stats", handler.GetCampaignStats)
		r.Get("/campaigns/{id}/analytics", handler.GetCampaignAnalytics)

		r.Post("/events", handler.RecordEvent)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildTransport assembles the per-channel delivery transports. Each
// remote service sits behind its own circuit breaker so one failing
// channel cannot block the others. In development everything routes to
// the log transport.
func buildTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (dispatch.Transport, error) {
	if cfg.Env == "development" {
		logger.Info("development mode, using log transport")
		return dispatch.NewLogTransport(logger), nil
	}

	var transports []dispatch.Transport

	sesTransport, err := dispatch.NewSESTransport(ctx, dispatch.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SES transport: %w", err)
	}
	transports = append(transports, circuitbreaker.NewProtectedTransport(
		sesTransport,
		circuitbreaker.New(circuitbreaker.Config{Name: "ses"}, logger),
		logger,
	))

	snsTransport, err := dispatch.NewSNSTransport(ctx, dispatch.SNSConfig{
		Region: cfg.SNSRegion,
	}, logger)
	if err != nil {
		logger.Warn("SNS transport unavailable, mobile push disabled",
			zap.Error(err),
		)
	} else {
		transports = append(transports, circuitbreaker.NewProtectedTransport(
			snsTransport,
			circuitbreaker.New(circuitbreaker.Config{Name: "sns"}, logger),
			logger,
		))
	}

	if cfg.WebPushRelayURL != "" {
		webPush := dispatch.NewWebPushTransport(dispatch.WebPushConfig{
			RelayURL: cfg.WebPushRelayURL,
			Timeout:  time.Duration(cfg.WebPushTimeout) * time.Second,
		}, logger)
		transports = append(transports, circuitbreaker.NewProtectedTransport(
			webPush,
			circuitbreaker.New(circuitbreaker.Config{Name: "webpush"}, logger),
			logger,
		))
	}

	logger.Info("initialized delivery transports",
		zap.Int("channels", len(transports)),
	)

	return dispatch.NewMultiTransport(logger, transports...), nil
}
