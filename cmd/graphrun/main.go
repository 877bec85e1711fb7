package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/graphrun/internal/engine"
	"github.com/rendis/graphrun/internal/logging"
	"github.com/rendis/graphrun/internal/remote"
	"github.com/rendis/graphrun/internal/scheduler"
	"github.com/rendis/graphrun/internal/store"
	"github.com/rendis/graphrun/internal/streaming"
	"github.com/rendis/graphrun/internal/trainer"
	"github.com/rendis/graphrun/internal/validation"
	"github.com/rendis/graphrun/pkg/mcp"
	"github.com/rendis/graphrun/pkg/schema"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "version" || os.Args[1] == "--version") {
		printVersion()
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("graphrun terminated", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(graphrunDir(), 0o755); err != nil {
		return err
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	client, err := remote.NewComfyClient(remote.Config{
		BaseURL:  cfg.BackendURL,
		ClientID: cfg.ClientID,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	hub := streaming.NewMemoryHub()
	defer hub.Close()
	controller := engine.NewController(engine.Options{
		Client: client,
		Store:  st,
		Hub:    hub,
		Logger: logger,
	})
	if err := controller.Start(ctx); err != nil {
		return err
	}
	defer controller.Dispose()

	if cfg.Scheduler {
		sched := scheduler.NewScheduler(st, &controllerRunner{controller: controller, store: st}, logger)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	}

	if cfg.TrainerURL != "" {
		probeTrainer(ctx, cfg.TrainerURL, logger)
	}

	metricsSrv := startMetrics(cfg.MetricsAddr, logger)
	defer shutdownMetrics(metricsSrv, logger)

	validator, err := validation.NewValidator()
	if err != nil {
		return err
	}

	server := mcp.NewGraphrunServer(mcp.ServerDeps{
		Controller: controller,
		Store:      st,
		Validator:  validator,
		Logger:     logger,
	})

	logger.Info("graphrun started",
		"backend", cfg.BackendURL,
		"db", cfg.DBPath,
		"metrics", cfg.MetricsAddr,
	)
	return server.Serve(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func startMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

func shutdownMetrics(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown", "error", err)
	}
}

// probeTrainer logs the training backend's current configuration at startup.
// A dead trainer is not fatal; its tooling simply reports errors later.
func probeTrainer(ctx context.Context, url string, logger *slog.Logger) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts, err := trainer.NewClient(url).GetOptions(probeCtx)
	if err != nil {
		logger.Warn("training backend unreachable", "url", url, "error", err)
		return
	}
	logger.Info("training backend online", "url", url, "base_model", opts.BaseModel)
}

// controllerRunner adapts the controller and store to the scheduler's runner
// interface: load the stored workflow, apply the job's parameter patch, and
// execute.
type controllerRunner struct {
	controller *engine.Controller
	store      store.Store
}

func (r *controllerRunner) Run(ctx context.Context, workflowID string, params map[string]schema.Value) error {
	def, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if err := r.controller.LoadWorkflow(ctx, def); err != nil {
		return err
	}
	if len(params) > 0 {
		r.controller.UpdateParams(params)
	}
	return r.controller.Execute(ctx)
}
