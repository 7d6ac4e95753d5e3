package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/sunny-day-flooding-project/sdfcal/internal/api"
	"github.com/sunny-day-flooding-project/sdfcal/internal/config"
	"github.com/sunny-day-flooding-project/sdfcal/internal/httputil"
	"github.com/sunny-day-flooding-project/sdfcal/internal/ingest"
	"github.com/sunny-day-flooding-project/sdfcal/internal/logging"
	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
	"github.com/sunny-day-flooding-project/sdfcal/internal/pipeline"
	"github.com/sunny-day-flooding-project/sdfcal/internal/publish"
	"github.com/sunny-day-flooding-project/sdfcal/internal/store"
)

type CLI struct {
	Migrate       MigrateCmd       `cmd:"" help:"Apply database migrations and exit."`
	Process       ProcessCmd       `cmd:"" help:"Convert unprocessed raw sensor pressure into water depth."`
	Correct       CorrectCmd       `cmd:"" help:"Flag, baseline and drift-correct water depth into display water levels."`
	Run           RunCmd           `cmd:"" help:"Run both jobs on a schedule and serve health and metrics."`
	PrunePayloads PrunePayloadsCmd `cmd:"" name:"prune-payloads" help:"Delete archived upstream responses older than a cutoff."`
}

// App carries what every command needs. It is built once after flags are parsed.
type App struct {
	ctx    context.Context
	cfg    *config.Config
	logger *slog.Logger
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(app *App) error {
	st, err := app.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	v, err := st.MigrationVersion(app.ctx)
	if err != nil {
		return err
	}
	app.logger.Info("database migrated", "version", v, "dialect", st.Dialect().String())
	return nil
}

type ProcessCmd struct{}

func (c *ProcessCmd) Run(app *App) error {
	st, err := app.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	p, cleanup, err := app.buildPipeline(st)
	if err != nil {
		return err
	}
	defer cleanup()
	return p.ProcessPressure(app.ctx)
}

type CorrectCmd struct {
	Start time.Time `help:"Window start (RFC 3339). Defaults to end minus CORRECT_WINDOW."`
	End   time.Time `help:"Window end (RFC 3339). Defaults to now."`
}

func (c *CorrectCmd) Run(app *App) error {
	st, err := app.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	p, cleanup, err := app.buildPipeline(st)
	if err != nil {
		return err
	}
	defer cleanup()

	if c.Start.IsZero() && c.End.IsZero() {
		return p.CorrectRecent(app.ctx)
	}
	end := c.End
	if end.IsZero() {
		end = time.Now()
	}
	start := c.Start
	if start.IsZero() {
		start = end.Add(-app.cfg.CorrectWindow)
	}
	return p.CorrectDrift(app.ctx, start.UTC(), end.UTC())
}

type RunCmd struct{}

func (c *RunCmd) Run(app *App) error {
	st, err := app.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	p, cleanup, err := app.buildPipeline(st)
	if err != nil {
		return err
	}
	defer cleanup()

	scheduler := ingest.NewScheduler(p, app.cfg.ProcessInterval, app.cfg.CorrectInterval, app.logger)
	server := api.NewServer(st, app.cfg.MetricsAddr, app.logger.With("component", "api"))

	g, ctx := errgroup.WithContext(app.ctx)
	g.Go(func() error {
		scheduler.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(ctx)
	})
	return g.Wait()
}

type PrunePayloadsCmd struct {
	OlderThan time.Duration `name:"older-than" default:"720h" help:"Age beyond which raw payloads are deleted."`
}

func (c *PrunePayloadsCmd) Run(app *App) error {
	st, err := app.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.CleanupOldRawPayloads(app.ctx, time.Now().Add(-c.OlderThan))
	if err != nil {
		return fmt.Errorf("prune raw payloads: %w", err)
	}
	app.logger.Info("pruned raw payloads", "deleted", n, "older_than", c.OlderThan.String())
	return nil
}

func (app *App) openStore() (*store.Store, error) {
	st, err := store.Open(app.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Ping(app.ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := st.Migrate(app.ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

// buildPipeline wires the atmospheric sources, cache, audit trail and optional Kafka sink.
// The returned cleanup releases the Redis and Kafka connections.
func (app *App) buildPipeline(st *store.Store) (*pipeline.Pipeline, func(), error) {
	cfg := app.cfg
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				app.logger.Warn("close", "error", err)
			}
		}
	}

	client := httputil.NewClient(cfg.HTTPTimeout)
	adapter := ingest.NewAdapter(app.logger.With("component", "atmospheric"))
	adapter.Register(models.SourceNOAA, ingest.NewNOAAClient(client, cfg.FetchMaxElapsed))
	adapter.Register(models.SourceNWS, ingest.NewNWSClient(client, cfg.FetchMaxElapsed))
	adapter.Register(models.SourceISU, ingest.NewISUClient(client, cfg.FetchMaxElapsed))
	if cfg.FIMANURL != "" {
		keys, err := ingest.LoadGaugeKeys(cfg.FIMANGaugeKeys)
		if err != nil {
			return nil, cleanup, err
		}
		adapter.Register(models.SourceFIMAN, ingest.NewFIMANClient(cfg.FIMANURL, keys, client, cfg.FetchMaxElapsed))
		app.logger.Info("FIMAN source enabled", "sites", len(keys))
	}
	adapter.SetAuditor(st)

	var source ingest.PressureFetcher = adapter
	switch {
	case cfg.RedisURL != "":
		rdb, err := ingest.DialRedis(app.ctx, cfg.RedisURL)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, rdb.Close)
		source = ingest.NewCachedSource(adapter, ingest.NewRedisCache(rdb, cfg.CacheTTL, app.logger))
		app.logger.Info("atmospheric cache", "backend", "redis", "ttl", cfg.CacheTTL.String())
	case cfg.CacheSize > 0:
		source = ingest.NewCachedSource(adapter, ingest.NewLRUCache(cfg.CacheSize))
	}

	var sink pipeline.Sink
	if len(cfg.KafkaBrokers) > 0 {
		w := publish.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic, app.logger.With("component", "publish"))
		closers = append(closers, w.Close)
		sink = w
		app.logger.Info("publishing corrected water levels", "topic", cfg.KafkaTopic)
	}

	opts := pipeline.DefaultOptions()
	opts.PressureFloor = cfg.PressureFloor
	opts.RateThreshold = cfg.QAQCRateThreshold
	opts.Window = cfg.CorrectWindow
	opts.Buffer = cfg.BaselineBuffer
	opts.Concurrency = cfg.Concurrency
	opts.StoreTimeout = cfg.StoreTimeout
	opts.StoreRetries = cfg.StoreRetries

	return pipeline.New(st, source, sink, nil, app.logger, opts), cleanup, nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("sdfcal"),
		kong.Description("Sunny Day Flooding water level calibration: atmospheric correction and baseline drift removal."),
		kong.UsageOnError(),
	)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = kctx.Run(&App{ctx: ctx, cfg: cfg, logger: logger})
	kctx.FatalIfErrorf(err)
}
