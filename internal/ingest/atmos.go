package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sunny-day-flooding-project/sdfcal/internal/metrics"
	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
	"github.com/sunny-day-flooding-project/sdfcal/internal/store"
)

// SourceClient fetches barometric pressure from one upstream service.
type SourceClient interface {
	Fetch(ctx context.Context, stationID string, begin, end time.Time) ([]models.AtmosphericSample, *FetchResult, error)
}

// Auditor records every upstream request and its raw body. *store.Store satisfies it.
type Auditor interface {
	StartIngestRun(ctx context.Context, runID, source, endpoint, stationID string, begin, end time.Time) (*store.IngestRun, error)
	CompleteIngestRun(ctx context.Context, run *store.IngestRun) error
	StoreRawPayload(ctx context.Context, runID int64, source, endpoint, stationID string, payload []byte) (int64, error)
}

type runIDKey struct{}

// WithRunID tags ctx with the batch run that is fetching, for the audit trail.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func runIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Adapter routes atmospheric pressure requests to the client for the station's source
// and normalises what comes back. It never returns an error: failures become
// FetchUnavailable and empty responses FetchNoData.
type Adapter struct {
	clients map[models.SourceKind]SourceClient
	auditor Auditor
	logger  *slog.Logger
}

func NewAdapter(logger *slog.Logger) *Adapter {
	return &Adapter{clients: make(map[models.SourceKind]SourceClient), logger: logger}
}

// Register installs the client used for a source kind.
func (a *Adapter) Register(kind models.SourceKind, c SourceClient) {
	a.clients[kind] = c
}

// SetAuditor enables ingest run and raw payload auditing.
func (a *Adapter) SetAuditor(au Auditor) {
	a.auditor = au
}

func (a *Adapter) Fetch(ctx context.Context, stationID string, kind models.SourceKind, begin, end time.Time) models.AtmosphericResult {
	logger := a.logger.With("source", string(kind), "atm_station_id", stationID)

	client, ok := a.clients[kind]
	if !ok {
		err := fmt.Errorf("no client registered for source %s", kind)
		logger.Warn("atmospheric source not configured", "error", err)
		metrics.AtmosphericFetchesTotal.WithLabelValues(string(kind), models.FetchUnavailable.String()).Inc()
		return models.AtmosphericResult{Outcome: models.FetchUnavailable, Err: err}
	}

	started := time.Now()
	samples, fr, err := client.Fetch(ctx, stationID, begin, end)
	metrics.AtmosphericFetchLatency.WithLabelValues(string(kind)).Observe(time.Since(started).Seconds())

	res := models.AtmosphericResult{Outcome: models.FetchOK}
	switch {
	case err != nil:
		res = models.AtmosphericResult{Outcome: models.FetchUnavailable, Err: err}
		logger.Warn("atmospheric pressure fetch failed", "begin", begin, "end", end, "error", err)
	case len(samples) == 0:
		res.Outcome = models.FetchNoData
		logger.Debug("atmospheric pressure fetch returned no data", "begin", begin, "end", end)
	default:
		valid, dropped := filterValid(samples)
		if dropped > 0 {
			logger.Warn("dropped implausible atmospheric samples", "count", dropped)
			metrics.RowsDropped.WithLabelValues("atmospheric", FlagPressureOutOfRange).Add(float64(dropped))
		}
		if len(valid) == 0 {
			res.Outcome = models.FetchNoData
			break
		}
		res.Samples = normalise(valid, stationID, kind)
	}
	if fr != nil && fr.ParseErrors > 0 {
		logger.Warn("atmospheric pressure parse errors", "count", fr.ParseErrors, "first", fr.ParseError)
	}

	metrics.AtmosphericFetchesTotal.WithLabelValues(string(kind), res.Outcome.String()).Inc()
	a.audit(ctx, logger, stationID, kind, begin, end, fr, res)
	return res
}

func (a *Adapter) audit(ctx context.Context, logger *slog.Logger, stationID string, kind models.SourceKind, begin, end time.Time, fr *FetchResult, res models.AtmosphericResult) {
	if a.auditor == nil || fr == nil {
		return
	}

	run, err := a.auditor.StartIngestRun(ctx, runIDFrom(ctx), string(kind), fr.Endpoint, stationID, begin, end)
	if err != nil {
		logger.Warn("start ingest run", "error", err)
		return
	}
	run.Success = res.Outcome != models.FetchUnavailable
	run.Outcome = sql.NullString{String: res.Outcome.String(), Valid: true}
	run.HTTPStatus = sql.NullInt64{Int64: int64(fr.HTTPStatus), Valid: fr.HTTPStatus > 0}
	run.ResponseSizeBytes = sql.NullInt64{Int64: int64(fr.ResponseSize), Valid: fr.ResponseSize > 0}
	run.RecordsParsed = sql.NullInt64{Int64: int64(fr.RecordCount), Valid: true}
	if res.Err != nil {
		run.ErrorMessage = sql.NullString{String: res.Err.Error(), Valid: true}
	} else if fr.ParseErrors > 0 {
		run.ErrorMessage = sql.NullString{String: fr.ParseError, Valid: true}
	}

	if len(fr.Body) > 0 {
		if _, err := a.auditor.StoreRawPayload(ctx, run.ID, string(kind), fr.Endpoint, stationID, fr.Body); err != nil {
			logger.Warn("store raw payload", "error", err)
		}
	}
	if err := a.auditor.CompleteIngestRun(ctx, run); err != nil {
		logger.Warn("complete ingest run", "error", err)
	}
}

// normalise stamps station and source, forces UTC and sorts by time.
func normalise(samples []models.AtmosphericSample, stationID string, kind models.SourceKind) []models.AtmosphericSample {
	tag := string(kind)
	if kind == models.SourceNOAA {
		tag = "coop"
	}
	out := make([]models.AtmosphericSample, len(samples))
	for i, s := range samples {
		s.StationID = stationID
		s.Source = tag
		s.Date = s.Date.UTC()
		out[i] = s
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}
