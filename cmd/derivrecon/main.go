package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"DerivRecon/internal/analytics"
	"DerivRecon/internal/ingestion"
	"DerivRecon/internal/observability"
	"DerivRecon/internal/persistence"
	"DerivRecon/internal/pnl"
	"DerivRecon/internal/storage"
	"DerivRecon/internal/storage/sqlite"
	"DerivRecon/internal/watermark"
)

// Config holds all application configuration, loaded from environment
// variables.
type Config struct {
	RawPath        string
	EventsPath     string
	CheckpointPath string
	LedgerDBPath   string

	// Optional integrations
	PostgresDSN string
	NATSURL     string

	MetricsAddr   string
	MigrationsDir string
}

func DefaultConfig() Config {
	return Config{
		RawPath:        envOrDefault("RECON_RAW_PATH", "data/raw_events.json"),
		EventsPath:     envOrDefault("RECON_EVENTS_PATH", "data/events.jsonl"),
		CheckpointPath: envOrDefault("RECON_CHECKPOINT_PATH", "data/processed_ids.json"),
		LedgerDBPath:   envOrDefault("RECON_LEDGER_DB", "data/derivrecon.db"),
		PostgresDSN:    os.Getenv("RECON_POSTGRES_DSN"),
		NATSURL:        os.Getenv("RECON_NATS_URL"),
		MetricsAddr:    envOrDefault("RECON_METRICS_ADDR", ":9091"),
		MigrationsDir:  envOrDefault("RECON_MIGRATIONS_DIR", "migrations"),
	}
}

func main() {
	godotenv.Load()

	logger := observability.NewLogger("main")
	cfg := DefaultConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Metrics + health server ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", healthChecker.ReadinessHandler)
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			srv.Shutdown(shutCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server")
		}
	}()

	// --- Optional Postgres: durable watermarks + event mirror ---
	var (
		db     *sql.DB
		mirror ingestion.Mirror
		marks  watermark.Store
	)
	if cfg.PostgresDSN != "" {
		var err error
		db, err = sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres open")
		}
		defer db.Close()

		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			logger.Fatal().Err(err).Msg("postgres ping")
		}

		migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator"))
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}

		mirror = persistence.NewEventLogWriter(db)
		marks = watermark.NewCachedStore(watermark.NewPostgresStore(db))
		logger.Info().Msg("postgres connected")
	} else {
		fileStore, err := watermark.NewFileStore(cfg.CheckpointPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("open checkpoint store")
		}
		marks = fileStore
	}
	defer marks.Close()

	eventLog := storage.NewEventLog(cfg.EventsPath)

	pipeline := ingestion.NewPipeline(ingestion.Config{
		RawPath:   cfg.RawPath,
		Log:       eventLog,
		Watermark: marks,
		Mirror:    mirror,
		Logger:    observability.NewLogger("ingestion"),
		Metrics:   metrics,
	})

	healthChecker.SetReady(true)

	// --- Ingest: streaming when a NATS URL is configured, else one batch ---
	if cfg.NATSURL != "" {
		runStreaming(ctx, cfg, pipeline, logger, sigChan)
	} else {
		accepted, err := pipeline.Run(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("ingestion run")
		}
		logger.Info().Int("accepted", accepted).Msg("ingestion complete")
	}

	// --- Reconcile ---
	events, report, err := eventLog.ReadCanonical()
	if err != nil {
		logger.Fatal().Err(err).Msg("read canonical log")
	}
	if report.Skipped > 0 {
		logger.Warn().
			Int("skipped", report.Skipped).
			Strs("sample", report.Sample).
			Msg("undecodable event log lines skipped during replay")
	}

	engine := pnl.NewEngine(observability.NewLogger("pnl"), metrics)
	result, err := engine.ComputeRealizedPnL(events)
	if err != nil {
		logger.Fatal().Err(err).Msg("pnl replay")
	}

	// --- Persist ledger ---
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.LedgerDBPath,
		Logger: observability.NewLogger("ledger"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("open ledger repository")
	}
	defer repo.Close()

	if err := repo.ReplaceClosedPositions(ctx, result.Closed); err != nil {
		logger.Fatal().Err(err).Msg("persist closed positions")
	}
	if err := repo.ReplaceAggregates(ctx, result.Aggregates); err != nil {
		logger.Fatal().Err(err).Msg("persist daily aggregates")
	}

	// --- Executive summary ---
	summary := analytics.Summarize(result.Closed)
	funding := analytics.ExtractFunding(events)
	curves := analytics.BuildEquityCurve(result.Closed, funding)

	logger.Info().
		Float64("total_pnl", summary.TotalPnL).
		Float64("total_fees", summary.TotalFees).
		Int("trade_count", summary.TradeCount).
		Float64("win_rate", summary.WinRate).
		Float64("max_drawdown", summary.MaxDrawdown).
		Float64("sharpe", summary.Sharpe).
		Int("funding_payments", len(funding)).
		Int("equity_curves", len(curves)).
		Msg("reconciliation summary")
}

// runStreaming consumes raw events from JetStream until a shutdown
// signal arrives, then returns so the batch reconciliation below runs
// over everything ingested so far.
func runStreaming(ctx context.Context, cfg Config, pipeline *ingestion.Pipeline, logger zerolog.Logger, sigChan chan os.Signal) {
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		logger.Fatal().Err(err).Msg("jetstream context")
	}

	if err := ingestion.EnsureStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure raw event stream")
	}

	source := ingestion.NewNATSSource(js, pipeline, observability.NewLogger("nats-source"))
	if err := source.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start nats source")
	}
	defer source.Stop()

	logger.Info().Str("url", cfg.NATSURL).Msg("streaming ingestion started")

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-ctx.Done():
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

