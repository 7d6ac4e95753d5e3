package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
	"github.com/sunny-day-flooding-project/sdfcal/internal/store"
)

// Store is what the ops endpoints read. *store.Store satisfies it.
type Store interface {
	Ping(ctx context.Context) error
	GetIngestHealth(ctx context.Context, since time.Time) ([]store.IngestHealthSummary, error)
	GetRecentIngestErrors(ctx context.Context, limit int) ([]store.IngestRun, error)
	CorrectedRecords(ctx context.Context, start, end time.Time) ([]models.CorrectedRecord, error)
}

// Server exposes health, Prometheus metrics, the ingest audit trail and corrected water
// levels over HTTP while the scheduler runs.
type Server struct {
	store  Store
	addr   string
	logger *slog.Logger
	now    func() time.Time
}

func NewServer(st Store, addr string, logger *slog.Logger) *Server {
	return &Server{store: st, addr: addr, logger: logger, now: time.Now}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/ingest/health", s.handleIngestHealth)
	mux.HandleFunc("/api/ingest/errors", s.handleIngestErrors)
	mux.HandleFunc("/api/levels", s.handleLevels)
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("ops server listening", "addr", s.addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
