package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/aegis-shield/campaign-engine/internal/audience"
	"github.com/aegis-shield/campaign-engine/internal/calendar"
	"github.com/aegis-shield/campaign-engine/internal/config"
	"github.com/aegis-shield/campaign-engine/internal/database"
	"github.com/aegis-shield/campaign-engine/internal/event"
	"github.com/aegis-shield/campaign-engine/internal/handlers"
	"github.com/aegis-shield/campaign-engine/internal/launch"
	"github.com/aegis-shield/campaign-engine/internal/lifecycle"
	"github.com/aegis-shield/campaign-engine/internal/metrics"
	"github.com/aegis-shield/campaign-engine/internal/reminder"
	"github.com/aegis-shield/campaign-engine/internal/rollout"
	"github.com/aegis-shield/campaign-engine/internal/scheduler"
)

const (
	serviceName = "campaign-engine"
	version     = "1.0.0"
)

// eventSink is the broker-facing surface the engine components share
type eventSink interface {
	Publish(ctx context.Context, eventType, orgID, campaignID string, data map[string]interface{})
	GetStats() map[string]interface{}
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Setup logging
	logger := setupLogging(&cfg)
	logger.Info("Starting Campaign Engine Service",
		"service", serviceName,
		"version", version,
		"environment", cfg.Environment)

	// Setup database connection
	db, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database connection", "error", err)
		}
	}()

	// Run database migrations
	if err := database.RunMigrations(cfg.Database, logger); err != nil {
		logger.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	// Setup repositories
	campaignRepo := database.NewCampaignRepository(db, logger)
	waveRepo := database.NewWaveRepository(db, logger)
	assignmentRepo := database.NewAssignmentRepository(db, logger)
	blackoutRepo := database.NewBlackoutRepository(db, logger)
	profileRepo := database.NewProfileRepository(db, logger)
	taskRepo := database.NewTaskRepository(db, logger)

	// Setup event sink
	var sink eventSink = event.NopPublisher{}
	var producer *event.Producer
	if cfg.Kafka.Enabled {
		producer = event.NewProducer(&cfg, logger)
		defer producer.Close()
		sink = producer
	}

	// Setup audience resolution with the preview cache
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("Failed to close Redis connection", "error", err)
		}
	}()
	previewCache := audience.NewPreviewCache(logger, redisClient, cfg.Redis.PreviewTTL)
	directory := audience.NewHTTPDirectory(logger, cfg.Directory.BaseURL, cfg.Directory.Timeout)
	evaluator := audience.NewEvaluator(logger, directory, previewCache)

	// Setup wave planning
	blackoutCalendar := calendar.New(logger, cfg.Rollout.CalendarSearchLimit)
	planner := rollout.NewPlanner(logger, blackoutCalendar, cfg.Rollout.MaxWaves, cfg.Rollout.MaxWaveDayGap)

	// Setup deferred launch scheduling
	queue := scheduler.NewPostgresQueue(logger, taskRepo, cfg.Scheduler.MaxAttempts)
	launchSched := scheduler.NewLaunchScheduler(logger, campaignRepo, waveRepo, blackoutRepo, planner, evaluator, queue)
	runner := scheduler.NewRunner(&cfg, logger, taskRepo, sink)

	// Setup launch execution and register task handlers
	executor := launch.NewExecutor(logger, campaignRepo, waveRepo, assignmentRepo, profileRepo, evaluator, directory, sink)
	registerTaskHandlers(runner, executor, logger)

	// Setup reminders
	tracker := reminder.NewProfileTracker(logger, profileRepo)
	sequencer := reminder.NewSequencer(&cfg, logger, campaignRepo, assignmentRepo, tracker, sink, nil)

	// Setup campaign lifecycle
	controller := lifecycle.NewController(logger, campaignRepo, assignmentRepo, executor, launchSched, tracker)

	// Setup metrics collector
	collector := metrics.NewCollector(logger, campaignRepo, runner, sequencer, sink)

	// Setup HTTP handlers
	httpHandlers := handlers.NewHTTPHandler(
		&cfg,
		logger,
		controller,
		campaignRepo,
		assignmentRepo,
		blackoutRepo,
		profileRepo,
		evaluator,
		launchSched,
		runner,
		sequencer,
		sink,
		collector,
	)

	httpRouter := mux.NewRouter()
	httpHandlers.RegisterRoutes(httpRouter)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      httpRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := collector.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Metrics collector failed", "error", err)
			cancel()
		}
	}()

	if cfg.Scheduler.Enabled {
		if err := runner.Start(ctx); err != nil {
			logger.Error("Failed to start task runner", "error", err)
			os.Exit(1)
		}
		defer runner.Stop()
	}

	if err := sequencer.Start(); err != nil {
		logger.Error("Failed to start reminder sequencer", "error", err)
		os.Exit(1)
	}
	defer sequencer.Stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting HTTP server", "port", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Shutting down services...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server gracefully", "error", err)
	}

	wg.Wait()

	logger.Info("Service shutdown complete")
}

// registerTaskHandlers binds the deferred launch task types to the executor
func registerTaskHandlers(runner *scheduler.Runner, executor *launch.Executor, logger *slog.Logger) {
	runner.Register(scheduler.TaskTypeCampaignLaunch, func(ctx context.Context, task *database.ScheduledTask) error {
		campaignID, ok := task.Payload["campaign_id"].(string)
		if !ok || campaignID == "" {
			return fmt.Errorf("campaign launch task %s has no campaign_id", task.ID)
		}
		return executor.LaunchDeferred(ctx, campaignID)
	})

	runner.Register(scheduler.TaskTypeWaveLaunch, func(ctx context.Context, task *database.ScheduledTask) error {
		campaignID, ok := task.Payload["campaign_id"].(string)
		if !ok || campaignID == "" {
			return fmt.Errorf("wave launch task %s has no campaign_id", task.ID)
		}
		waveNumber, ok := task.Payload["wave_number"].(float64)
		if !ok {
			return fmt.Errorf("wave launch task %s has no wave_number", task.ID)
		}
		return executor.LaunchWave(ctx, campaignID, int(waveNumber))
	})

	logger.Info("Task handlers registered",
		"types", []string{scheduler.TaskTypeCampaignLaunch, scheduler.TaskTypeWaveLaunch})
}

func setupLogging(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.Logging.IncludeSource,
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", serviceName)
	slog.SetDefault(logger)
	return logger
}
