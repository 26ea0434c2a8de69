package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/splatforge/platform/pkg/admission"
	"github.com/splatforge/platform/pkg/api"
	"github.com/splatforge/platform/pkg/common/config"
	"github.com/splatforge/platform/pkg/common/database"
	"github.com/splatforge/platform/pkg/common/kafka"
	"github.com/splatforge/platform/pkg/common/logger"
	"github.com/splatforge/platform/pkg/jobs"
	"github.com/splatforge/platform/pkg/observability/metrics"
	"github.com/splatforge/platform/pkg/pipeline"
	"github.com/splatforge/platform/pkg/runner"
	"github.com/splatforge/platform/pkg/stages"
	"github.com/splatforge/platform/pkg/storage"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger.Init()
	cfg := config.Load()
	if err := run(cfg); err != nil {
		logger.Log.WithError(err).Fatal("Reconstruction service failed")
	}
}

func run(cfg *config.Config) error {
	layout := storage.NewLayout(cfg.StorageRoot)
	if err := layout.Ensure(); err != nil {
		return fmt.Errorf("preparing storage: %w", err)
	}
	if err := logger.AttachFile(cfg.LogFile); err != nil {
		logger.Log.WithError(err).Warn("Could not open log file, logging to stdout only")
	}
	defer logger.Close()

	presets := config.DefaultPresets()
	if cfg.PresetsFile != "" {
		loaded, err := config.LoadPresets(cfg.PresetsFile)
		if err != nil {
			return fmt.Errorf("loading presets: %w", err)
		}
		presets = loaded
	}

	store, err := openStore(cfg, layout)
	if err != nil {
		return err
	}

	slots := admission.NewController(cfg.TrainingSlots)
	slots.OnChange = metrics.ObserveSlots
	defer slots.Close()

	env := &stages.Env{
		Runner: &runner.Runner{TailBytes: cfg.OutputTailBytes, KillGrace: cfg.ProcessKillGrace},
		Layout: layout,
		Tools:  stages.ToolsFromConfig(cfg),
		Limits: stages.LimitsFromConfig(cfg),
		Slots:  slots,
	}

	opts := pipeline.Options{
		Presets:   presets,
		Layout:    layout,
		Admission: slots,
	}
	readyChecks := map[string]api.ReadyCheck{}

	var producer *kafka.Producer
	if cfg.JobEventsEnabled {
		producer = kafka.NewProducer(cfg.KafkaBrokers, cfg.JobEventsTopic, kafka.SourceReconstruction)
		defer producer.Close()
		opts.Publisher = producer
	}

	var statusCache api.StatusReader
	if cfg.StatusCacheEnabled {
		client := database.GetRedis(cfg)
		defer database.CloseRedis()
		cache := storage.NewStatusCache(client, cfg.StatusCacheTTL)
		opts.Cache = cache
		statusCache = cache
		readyChecks["status_cache"] = database.PingRedis
	}

	orch := pipeline.New(store, stages.Pipeline(env), opts)

	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), time.Minute)
	recovered, err := orch.Recover(recoverCtx)
	cancelRecover()
	if err != nil {
		return fmt.Errorf("recovering interrupted jobs: %w", err)
	}
	if recovered > 0 {
		logger.Log.WithField("jobs", recovered).Warn("Marked jobs interrupted by restart as failed")
	}

	handler := api.NewHTTPHandler(api.Options{
		Store:             store,
		Orchestrator:      orch,
		Presets:           presets,
		Layout:            layout,
		Cache:             statusCache,
		AllowedExtensions: cfg.AllowedExtensions,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		ValidateWait:      cfg.UploadValidateWait,
		UploadRateLimit:   cfg.UploadRateLimit,
		ReadyChecks:       readyChecks,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      api.NewRouter(handler, cfg.CORSAllowedOrigin),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Log.WithFields(map[string]interface{}{
			"host":           cfg.ServerHost,
			"port":           cfg.ServerPort,
			"job_store":      cfg.JobStore,
			"training_slots": cfg.TrainingSlots,
		}).Info("Reconstruction service started")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Log.Info("Shutting down reconstruction service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Log.WithError(err).Error("Server forced to shutdown")
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Log.WithError(err).Error("Jobs did not stop before the shutdown deadline")
		}
		return nil
	})

	err = g.Wait()
	if cfg.JobStore == "postgres" {
		if cerr := database.ClosePostgres(); cerr != nil {
			logger.Log.WithError(cerr).Warn("Failed to close postgres")
		}
	}
	logger.Log.Info("Reconstruction service stopped")
	return err
}

func openStore(cfg *config.Config, layout storage.Layout) (jobs.Store, error) {
	switch cfg.JobStore {
	case "", "file":
		store, err := jobs.OpenFileStore(layout.JobsDir())
		if err != nil {
			return nil, fmt.Errorf("opening job store: %w", err)
		}
		return store, nil
	case "postgres":
		db, err := database.GetPostgres(cfg)
		if err != nil {
			return nil, err
		}
		repo := jobs.NewRepository(db)
		if err := repo.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("migrating job table: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown JOB_STORE %q", cfg.JobStore)
	}
}
