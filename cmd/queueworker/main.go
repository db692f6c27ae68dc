package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nomoos/prismq-queue/internal/common"
	"github.com/nomoos/prismq-queue/internal/queue"
)

// Exit codes, per the worker's documented startup/shutdown contract.
const (
	exitOK               = 0
	exitInitFailure      = 1
	exitDatabaseError    = 2
	exitTooManyConsecFails = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	common.LoadVersionFromFile()

	configPath := os.Getenv("PRISMQ_CONFIG")
	cfg, warnings := common.LoadConfig(configPath)

	logger := common.NewLogger(cfg.Logging.Level)
	for _, w := range warnings {
		logger.Warn().Err(w).Msg("config file warning")
	}

	if missing := cfg.ValidateRequired(); len(missing) > 0 {
		logger.Error().Strs("missing", missing).Msg("configuration incomplete")
		return exitInitFailure
	}

	store, err := queue.OpenStore(cfg.Queue.DBPath, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open queue store")
		return exitDatabaseError
	}
	defer store.Close()

	registry := queue.NewHandlerRegistry(false)
	if err := queue.RegisterExampleHandlers(registry); err != nil {
		logger.Error().Err(err).Msg("failed to register example handlers")
		return exitInitFailure
	}

	strategy := queue.StrategyFromCommon(cfg.Worker.SchedulingStrategy)
	claimer, err := queue.NewClaimer(store, strategy)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build claimer")
		return exitInitFailure
	}

	retry := queue.RetryConfigFromCommon(cfg.Retry)
	executor := queue.NewExecutor(store, retry)

	engineConfig := queue.EngineConfigFromCommon(cfg.Worker)
	engine := queue.NewWorkerEngine(store, claimer, executor, registry, logger, engineConfig)

	monitor := queue.NewMonitor(store, queue.MonitorConfigFromCommon(cfg.Queue))

	hub := queue.NewEventHub(logger)

	common.PrintBanner(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Run()
	engine.Start()
	go monitor.Run(ctx, func(reclaimed, cleaned int64, err error) {
		if err != nil {
			logger.Warn().Err(err).Msg("monitor sweep failed")
			return
		}
		if reclaimed > 0 || cleaned > 0 {
			logger.Info().Int64("reclaimed_leases", reclaimed).Int64("cleaned_workers", cleaned).Msg("monitor sweep")
		}
	})

	mux := buildMux(store, hub)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("starting status/event server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("status server failed")
		}
	}()

	if cfg.Backup.IntervalSeconds > 0 {
		go runBackupSweep(ctx, store, cfg.Backup, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := exitOK
	select {
	case <-sigChan:
		logger.Info().Msg("shutdown signal received")
	case <-engine.FatalStop:
		logger.Error().Msg("worker engine hit its safety stop; shutting down")
		exitCode = exitTooManyConsecFails
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("status server shutdown failed")
	}

	cancel()
	engine.Stop()
	hub.Stop()
	if err := store.Unregister(context.Background(), cfg.Worker.WorkerID); err != nil {
		logger.Warn().Err(err).Msg("failed to unregister worker")
	}

	common.PrintShutdownBanner(logger)
	return exitCode
}

// runBackupSweep runs a periodic online backup until ctx is cancelled. It
// is a best-effort operator convenience, not load-bearing for correctness.
func runBackupSweep(ctx context.Context, store *queue.Store, cfg common.BackupConfig, logger *common.Logger) {
	ticker := time.NewTicker(time.Duration(cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := store.Backup(ctx, queue.BackupOptions{Dir: cfg.Dir})
			if err != nil {
				logger.Warn().Err(err).Msg("scheduled backup failed")
				continue
			}
			logger.Info().Str("path", result.Path).Int64("size_bytes", result.SizeBytes).Bool("verified", result.VerifiedOK).Msg("scheduled backup completed")

			if cfg.KeepMost > 0 {
				if removed, err := queue.PruneBackups(cfg.Dir, cfg.KeepMost); err != nil {
					logger.Warn().Err(err).Msg("backup pruning failed")
				} else if len(removed) > 0 {
					logger.Info().Int("removed", len(removed)).Msg("pruned old backups")
				}
			}
		}
	}
}

// buildMux exposes health/metrics endpoints and the event WebSocket.
func buildMux(store *queue.Store, hub *queue.EventHub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", healthHandler)
	mux.HandleFunc("/api/version", versionHandler)
	mux.HandleFunc("/api/metrics", metricsHandler(store))
	mux.HandleFunc("/events", hub.ServeWS)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

func metricsHandler(store *queue.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		summary, err := store.Summarize(r.Context(), time.Hour)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summary)
	}
}
