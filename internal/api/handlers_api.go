package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/sunny-day-flooding-project/sdfcal/internal/store"
)

const (
	healthWindow       = 24 * time.Hour
	defaultLevelWindow = 24 * time.Hour
	maxLevelWindow     = 31 * 24 * time.Hour
)

type SourceHealth struct {
	Source      string `json:"source"`
	Endpoint    string `json:"endpoint"`
	TotalRuns   int    `json:"total_runs"`
	FailedRuns  int    `json:"failed_runs"`
	RecordCount int64  `json:"records"`
	Failing     bool   `json:"failing"`
}

type HealthStatus struct {
	Status  string         `json:"status"`
	Sources []SourceHealth `json:"sources"`
	Errors  []string       `json:"errors,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := s.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
		return
	}

	health := HealthStatus{Status: "ok", Sources: []SourceHealth{}}
	summaries, err := s.store.GetIngestHealth(r.Context(), s.now().Add(-healthWindow))
	if err != nil {
		health.Errors = append(health.Errors, "ingest health: "+err.Error())
	}
	for _, h := range summaries {
		sh := SourceHealth{
			Source:      h.Source,
			Endpoint:    h.Endpoint,
			TotalRuns:   h.TotalRuns,
			FailedRuns:  h.FailedRuns,
			RecordCount: h.TotalRecords,
			Failing:     h.TotalRuns > 0 && h.SuccessRuns == 0,
		}
		if sh.Failing {
			health.Status = "degraded"
		}
		health.Sources = append(health.Sources, sh)
	}

	json.NewEncoder(w).Encode(health)
}

type IngestError struct {
	RunID      string    `json:"run_id,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	Source     string    `json:"source"`
	Endpoint   string    `json:"endpoint"`
	StationID  string    `json:"station_id,omitempty"`
	HTTPStatus int64     `json:"http_status,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (s *Server) handleIngestHealth(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if h, err := strconv.Atoi(r.URL.Query().Get("hours")); err == nil && h > 0 {
		hours = h
	}

	summaries, err := s.store.GetIngestHealth(r.Context(), s.now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if summaries == nil {
		summaries = []store.IngestHealthSummary{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summaries)
}

func (s *Server) handleIngestErrors(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 500 {
		limit = l
	}

	runs, err := s.store.GetRecentIngestErrors(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]IngestError, 0, len(runs))
	for _, run := range runs {
		out = append(out, IngestError{
			RunID:      run.RunID.String,
			StartedAt:  run.StartedAt,
			Source:     run.Source,
			Endpoint:   run.Endpoint,
			StationID:  run.StationID.String,
			HTTPStatus: run.HTTPStatus.Int64,
			Outcome:    run.Outcome.String,
			Error:      run.ErrorMessage.String,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

type WaterLevel struct {
	Place               string    `json:"place"`
	SensorID            string    `json:"sensor_ID"`
	Date                time.Time `json:"date"`
	SensorWaterDepth    float64   `json:"sensor_water_depth"`
	QAQCFlag            bool      `json:"qa_qc_flag"`
	Baseline            float64   `json:"smoothed_min_water_depth"`
	SensorWaterLevelAdj float64   `json:"sensor_water_level_adj"`
	RoadWaterLevelAdj   float64   `json:"road_water_level_adj"`
	AlertThreshold      float64   `json:"alert_threshold"`
}

// handleLevels returns corrected water levels, optionally for one sensor. start and end
// are RFC 3339; the window defaults to the last day and is capped at a month.
func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	end := s.now().UTC()
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid end: "+err.Error(), http.StatusBadRequest)
			return
		}
		end = t.UTC()
	}
	start := end.Add(-defaultLevelWindow)
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid start: "+err.Error(), http.StatusBadRequest)
			return
		}
		start = t.UTC()
	}
	if end.Before(start) || end.Sub(start) > maxLevelWindow {
		http.Error(w, "window must be non-empty and at most 31 days", http.StatusBadRequest)
		return
	}

	records, err := s.store.CorrectedRecords(r.Context(), start, end)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sensor := q.Get("sensor")
	out := make([]WaterLevel, 0, len(records))
	for _, c := range records {
		if sensor != "" && c.SensorID != sensor {
			continue
		}
		out = append(out, WaterLevel{
			Place:               c.Place,
			SensorID:            c.SensorID,
			Date:                c.Date,
			SensorWaterDepth:    c.SensorWaterDepth,
			QAQCFlag:            c.QAQCFlag,
			Baseline:            c.SmoothedMinWaterDepth,
			SensorWaterLevelAdj: c.SensorWaterLevelAdj,
			RoadWaterLevelAdj:   c.RoadWaterLevelAdj,
			AlertThreshold:      c.AlertThreshold,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
