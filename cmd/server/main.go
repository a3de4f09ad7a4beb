package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"judge-engine/internal/admission"
	"judge-engine/internal/api"
	"judge-engine/internal/builder"
	"judge-engine/internal/config"
	"judge-engine/internal/gateway"
	"judge-engine/internal/grader"
	"judge-engine/internal/monitor"
	"judge-engine/internal/runtime"
	"judge-engine/internal/sandbox"
	"judge-engine/internal/storage"
	"judge-engine/internal/validator"
)

func main() {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env")
	}

	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
		cfg.ApplyEnv(os.Getenv)
		if err := cfg.Validate(); err != nil {
			log.Fatal().Err(err).Msg("invalid configuration")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	tracer := monitor.NewTracer()

	registry, err := runtime.NewRegistry(cfg.Languages)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid language configuration")
	}
	limits, err := grader.NewLimitTable(cfg.Languages)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid language limits")
	}

	isolator, err := sandbox.NewIsolator(cfg.Engine)
	if err != nil {
		log.Fatal().Err(err).Str("isolation", cfg.Engine.Isolation).Msg("isolation unavailable")
	}
	runnerOpts := sandbox.Options{
		MaxConcurrent: cfg.Engine.MaxConcurrent,
		PollInterval:  cfg.Engine.MemoryPollInterval,
		Isolator:      isolator,
	}
	if cfg.Engine.Cgroup.Enabled {
		if err := sandbox.PrepareCgroupRoot(cfg.Engine.Cgroup.Root); err != nil {
			if cfg.Engine.Cgroup.Required {
				log.Fatal().Err(err).Str("root", cfg.Engine.Cgroup.Root).Msg("cgroup root unavailable")
			}
			log.Warn().Err(err).Str("root", cfg.Engine.Cgroup.Root).
				Msg("CGROUP ISOLATION DISABLED: processes that leave their process group can outlive a run; use docker isolation or delegate a cgroup v2 subtree")
		} else {
			runnerOpts.CgroupRoot = cfg.Engine.Cgroup.Root
		}
	}
	runner := sandbox.NewRunner(runnerOpts)

	var validatorOpts []validator.Option
	if cfg.Grading.DisableLoopHeuristics {
		validatorOpts = append(validatorOpts, validator.WithoutLoopHeuristics())
	}

	workspaces, err := admission.NewWorkspaces(cfg.Engine.ScratchDir)
	if err != nil {
		log.Fatal().Err(err).Str("scratch_dir", cfg.Engine.ScratchDir).Msg("failed to prepare scratch directory")
	}

	limiter, closeLimiter, err := admission.NewLimiter(ctx, cfg.Admission)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Admission.Backend).Msg("failed to create rate limiter")
	}
	defer func() {
		if err := closeLimiter(); err != nil {
			log.Error().Err(err).Msg("rate limiter close error")
		}
	}()
	controller := admission.NewController(limiter, cfg.Admission)

	// Background maintenance: stale workspaces, orphaned containers and
	// idle in-memory rate windows.
	sweeper, _ := isolator.(sandbox.OrphanSweeper)
	janitor := admission.NewJanitor(workspaces, sweeper, cfg.Engine.Janitor, func(n int) {
		metrics.JanitorRemoved.Add(float64(n))
	})
	janitor.SweepOnce(ctx)
	go janitor.Run(ctx)
	if mem, ok := limiter.(*admission.MemoryLimiter); ok {
		go pruneWindows(ctx, mem, controller, cfg.Engine.Janitor.Interval)
	}

	g, err := grader.New(grader.Deps{
		Validator:  validator.New(validatorOpts...),
		Builder:    builder.New(registry, runner, sandbox.CompileLimits(cfg.Engine.CompileTimeout, cfg.Engine.CompileMemoryBytes)),
		Executor:   runner,
		Tests:      gateway.NewClient(cfg.ProblemStore),
		Workspaces: workspaces,
		Limits:     limits,
		EarlyExit:  cfg.Grading.EarlyExit,
		Metrics:    metrics,
		Tracer:     tracer,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create grader")
	}

	languages, err := api.Catalog(registry, limits)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list languages")
	}

	deps := api.Deps{
		Grader:      g,
		Admission:   controller,
		Engine:      runner,
		Languages:   languages,
		Metrics:     metrics,
		BaseContext: ctx,
	}

	// Initialize the submission ledger (optional; verdicts are returned either way)
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, submission ledger disabled")
		} else if err := db.EnsureSchema(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to create ledger schema, submission ledger disabled")
			db.Close()
			db = nil
		} else {
			defer db.Close()
		}
	}

	var ledger *storage.LedgerWriter
	if db != nil {
		ledger = storage.NewLedgerWriter(db, 10000, metrics.LedgerDropped.Inc)
		ledger.Start()
		defer ledger.Flush(10 * time.Second)
		deps.Ledger = ledger
		deps.Submissions = db
		deps.Database = db
	}

	server := api.NewServer(cfg, deps)

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// Requests that outlived the drain deadline have their runs killed
		// through the base context; Close then waits for those children.
		cancel()
		if err := runner.Close(); err != nil {
			log.Error().Err(err).Msg("runner close error")
		}
	}()

	if runner.Isolation() == "docker" {
		log.Info().Strs("images", registry.Images()).Msg("docker isolation expects these images to be present")
	}

	log.Info().
		Str("addr", cfg.Address()).
		Str("isolation", runner.Isolation()).
		Str("admission", cfg.Admission.Backend).
		Bool("ledger_enabled", db != nil).
		Strs("languages", registry.Languages()).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	// Start returns as soon as Shutdown begins; wait for the drain.
	<-stopped
	log.Info().Msg("server stopped")
}

// pruneWindows drops idle client windows from the in-memory limiter so the
// map does not grow with every client ever seen.
func pruneWindows(ctx context.Context, mem *admission.MemoryLimiter, c *admission.Controller, interval time.Duration) {
	maxWindow := max(c.Policy(admission.ModeRun).Window, c.Policy(admission.ModeSubmit).Window)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mem.Prune(time.Now(), maxWindow)
		}
	}
}
