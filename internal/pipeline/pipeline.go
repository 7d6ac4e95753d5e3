package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/sunny-day-flooding-project/sdfcal/internal/calibrate"
	"github.com/sunny-day-flooding-project/sdfcal/internal/ingest"
	"github.com/sunny-day-flooding-project/sdfcal/internal/metrics"
	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

// Store is the persistence the batch jobs read from and write to. *store.Store satisfies it.
type Store interface {
	UnprocessedMeasurements(ctx context.Context, floor float64) ([]models.RawMeasurement, error)
	Surveys(ctx context.Context) ([]models.SurveyRecord, error)
	UpsertDepthRecords(ctx context.Context, records []models.DepthRecord) (int64, error)
	MarkProcessed(ctx context.Context, keys []models.RecordKey) (int64, error)
	DepthRecords(ctx context.Context, start, end time.Time) ([]models.DepthRecord, error)
	UpdateQAQCFlags(ctx context.Context, records []models.DepthRecord) (int64, error)
	UpsertCorrectedRecords(ctx context.Context, records []models.CorrectedRecord) (int64, error)
}

// Sink receives corrected water levels after they are stored.
type Sink interface {
	Publish(ctx context.Context, records []models.CorrectedRecord) error
}

type Options struct {
	PressureFloor      float64
	RateThreshold      float64
	Window             time.Duration // default correction window ending now
	Buffer             time.Duration // extra history read before the window start
	Concurrency        int
	StoreTimeout       time.Duration
	StoreRetries       int
	StoreRetryInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		PressureFloor:      800,
		RateThreshold:      calibrate.DefaultRateThreshold,
		Window:             7 * 24 * time.Hour,
		Buffer:             7 * 24 * time.Hour,
		Concurrency:        4,
		StoreTimeout:       30 * time.Second,
		StoreRetries:       3,
		StoreRetryInterval: 500 * time.Millisecond,
	}
}

// Pipeline runs the two batch jobs: raw pressure to water depth, and water depth to
// drift-corrected water level.
type Pipeline struct {
	store        Store
	interpolator *calibrate.Interpolator
	sink         Sink
	clock        clockwork.Clock
	logger       *slog.Logger
	opts         Options

	mu        sync.Mutex
	unepoched map[models.RecordKey]struct{} // pre-survey raw rows seen on the last run
}

func New(st Store, source calibrate.PressureSource, sink Sink, clock clockwork.Clock, logger *slog.Logger, opts Options) *Pipeline {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pipeline{
		store:        st,
		interpolator: calibrate.NewInterpolator(source, opts.Concurrency, logger.With("component", "interpolate")),
		sink:         sink,
		clock:        clock,
		logger:       logger.With("component", "pipeline"),
		opts:         opts,
	}
}

// ProcessPressure converts unprocessed raw pressure readings into water depth. Raw rows
// are marked processed only once their depth row has been written.
func (p *Pipeline) ProcessPressure(ctx context.Context) (err error) {
	runID := uuid.NewString()
	logger := p.logger.With("run_id", runID, "job", "process")
	ctx = ingest.WithRunID(ctx, runID)
	started := p.clock.Now()
	defer func() { observeBatch("process", started, p.clock.Now(), err) }()

	raw, err := retry(ctx, p, logger, "read raw measurements", func(ctx context.Context) ([]models.RawMeasurement, error) {
		return p.store.UnprocessedMeasurements(ctx, p.opts.PressureFloor)
	})
	if err != nil {
		return fmt.Errorf("read raw measurements: %w", err)
	}
	if len(raw) == 0 {
		logger.Warn("no new raw data")
		return nil
	}
	metrics.RowsProcessed.WithLabelValues("raw").Add(float64(len(raw)))

	surveys, err := retry(ctx, p, logger, "read surveys", p.store.Surveys)
	if err != nil {
		return fmt.Errorf("read surveys: %w", err)
	}
	if len(surveys) == 0 {
		logger.Warn("no survey data")
		return nil
	}

	now := p.clock.Now().UTC()
	matched := calibrate.MatchSurveys(raw, surveys, now, logger)
	epoched := calibrate.Epoched(matched)
	p.reportUnepoched(logger, matched)
	if len(epoched) == 0 {
		return nil
	}

	interpolated := p.interpolator.Interpolate(ctx, epoched)
	if dropped := len(epoched) - len(interpolated); dropped > 0 {
		metrics.RowsDropped.WithLabelValues("interpolate", "no_atmospheric_coverage").Add(float64(dropped))
	}
	if len(interpolated) == 0 {
		logger.Warn("no data to write to database")
		return nil
	}

	depth := calibrate.FormatDepth(interpolated)
	var written, marked int64
	for _, grp := range byPlace(depth, func(d models.DepthRecord) string { return d.Place }) {
		place := grp[0].Place
		n, err := retry(ctx, p, logger, "upsert depth", func(ctx context.Context) (int64, error) {
			return p.store.UpsertDepthRecords(ctx, grp)
		})
		if err != nil {
			logger.Warn("skipping site: depth rows not written", "place", place, "error", err)
			metrics.RowsDropped.WithLabelValues("depth", "store_error").Add(float64(len(grp)))
			continue
		}
		written += n

		keys := make([]models.RecordKey, len(grp))
		for i, d := range grp {
			keys[i] = d.Key()
		}
		m, err := retry(ctx, p, logger, "mark processed", func(ctx context.Context) (int64, error) {
			return p.store.MarkProcessed(ctx, keys)
		})
		if err != nil {
			logger.Warn("depth written but raw rows not marked processed", "place", place, "error", err)
			continue
		}
		marked += m
	}
	metrics.RowsProcessed.WithLabelValues("depth").Add(float64(written))

	logger.Info("processed raw pressure to water depth",
		"raw", len(raw), "epoched", len(epoched), "depth_written", written, "raw_marked", marked)
	return nil
}

// reportUnepoched warns about raw rows that precede their sensor's first survey. Those
// rows stay unprocessed and are read again every run, so only rows not seen on an earlier
// run raise a warning.
func (p *Pipeline) reportUnepoched(logger *slog.Logger, matched []calibrate.Matched) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := make(map[models.RecordKey]struct{})
	fresh := 0
	for _, m := range matched {
		if m.Survey != nil {
			continue
		}
		k := m.Key()
		k.Date = k.Date.UTC()
		current[k] = struct{}{}
		if _, ok := p.unepoched[k]; !ok {
			fresh++
		}
	}
	p.unepoched = current

	switch {
	case fresh > 0:
		logger.Warn("measurements precede the survey dates and are left unprocessed",
			"new", fresh, "pending", len(current))
		metrics.RowsDropped.WithLabelValues("match", "no_epoch").Add(float64(fresh))
	case len(current) > 0:
		logger.Debug("measurements precede the survey dates and are left unprocessed", "pending", len(current))
	}
}

// CorrectRecent runs CorrectDrift over the configured window ending now.
func (p *Pipeline) CorrectRecent(ctx context.Context) error {
	end := p.clock.Now().UTC()
	return p.CorrectDrift(ctx, end.Add(-p.opts.Window), end)
}

// CorrectDrift flags implausible depth changes, estimates each sensor's baseline drift and
// writes corrected water levels for observations in [start, end]. Depth history from
// Buffer before start is read so the rolling minimum is warm at the window edge.
func (p *Pipeline) CorrectDrift(ctx context.Context, start, end time.Time) (err error) {
	runID := uuid.NewString()
	logger := p.logger.With("run_id", runID, "job", "correct", "start", start, "end", end)
	started := p.clock.Now()
	defer func() { observeBatch("correct", started, p.clock.Now(), err) }()

	if end.Before(start) {
		return fmt.Errorf("window end %s is before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	depth, err := retry(ctx, p, logger, "read depth", func(ctx context.Context) ([]models.DepthRecord, error) {
		return p.store.DepthRecords(ctx, start.Add(-p.opts.Buffer), end)
	})
	if err != nil {
		return fmt.Errorf("read depth records: %w", err)
	}
	if len(depth) == 0 {
		logger.Warn("no water depth data in window")
		return nil
	}

	surveys, err := retry(ctx, p, logger, "read surveys", p.store.Surveys)
	if err != nil {
		return fmt.Errorf("read surveys: %w", err)
	}
	if len(surveys) == 0 {
		logger.Warn("no survey data")
		return nil
	}

	flagged := calibrate.FlagRateOfChange(depth, p.opts.RateThreshold)
	evaluated := withPredecessor(flagged)
	if _, err := retry(ctx, p, logger, "update qaqc flags", func(ctx context.Context) (int64, error) {
		return p.store.UpdateQAQCFlags(ctx, evaluated)
	}); err != nil {
		logger.Warn("qa/qc flags not written back", "error", err)
	}
	accepted := calibrate.Accepted(flagged)
	if n := len(flagged) - len(accepted); n > 0 {
		metrics.RowsDropped.WithLabelValues("qaqc", "rate_of_change").Add(float64(n))
	}

	epochs := calibrate.MatchDepthSurveys(accepted, surveys, p.clock.Now().UTC(), logger)
	baselined := calibrate.EstimateBaselines(epochs)
	corrected := calibrate.Correct(baselined, start, end)
	if len(corrected) == 0 {
		logger.Warn("no corrected water levels in window")
		return nil
	}

	var written int64
	var stored []models.CorrectedRecord
	for _, grp := range byPlace(corrected, func(c models.CorrectedRecord) string { return c.Place }) {
		n, err := retry(ctx, p, logger, "upsert corrected", func(ctx context.Context) (int64, error) {
			return p.store.UpsertCorrectedRecords(ctx, grp)
		})
		if err != nil {
			logger.Warn("skipping site: corrected rows not written", "place", grp[0].Place, "error", err)
			metrics.RowsDropped.WithLabelValues("correct", "store_error").Add(float64(len(grp)))
			continue
		}
		written += n
		stored = append(stored, grp...)
	}
	metrics.RowsProcessed.WithLabelValues("corrected").Add(float64(written))

	if p.sink != nil && len(stored) > 0 {
		if err := p.sink.Publish(ctx, stored); err != nil {
			logger.Warn("publish corrected water levels", "error", err)
		}
	}

	logger.Info("corrected water levels for drift",
		"depth", len(depth), "flagged", len(flagged)-len(accepted), "corrected_written", written)
	return nil
}

// retry runs op with a per-attempt timeout, retrying with exponential backoff up to
// StoreRetries more times.
func retry[T any](ctx context.Context, p *Pipeline, logger *slog.Logger, what string, op func(context.Context) (T, error)) (T, error) {
	var out T
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.opts.StoreRetryInterval
	bo.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		cctx := ctx
		if p.opts.StoreTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, p.opts.StoreTimeout)
			defer cancel()
		}
		v, err := op(cctx)
		if err != nil {
			logger.Debug("store call failed", "op", what, "attempt", attempt, "error", err)
			return err
		}
		out = v
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(max(p.opts.StoreRetries, 0))), ctx))
	return out, err
}

// byPlace splits rows sorted by place into consecutive per-place groups.
func byPlace[T any](rows []T, place func(T) string) [][]T {
	var groups [][]T
	for i := 0; i < len(rows); {
		j := i + 1
		for j < len(rows) && place(rows[j]) == place(rows[i]) {
			j++
		}
		groups = append(groups, rows[i:j])
		i = j
	}
	return groups
}

// withPredecessor drops the first row of each sensor in a sorted depth series. Those rows
// were not rate-checked in this window and their persisted flag must be left alone.
func withPredecessor(rows []models.DepthRecord) []models.DepthRecord {
	out := make([]models.DepthRecord, 0, len(rows))
	for i, r := range rows {
		if i > 0 && rows[i-1].Place == r.Place && rows[i-1].SensorID == r.SensorID {
			out = append(out, r)
		}
	}
	return out
}

func observeBatch(job string, started, finished time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.BatchDuration.WithLabelValues(job, status).Observe(finished.Sub(started).Seconds())
}
