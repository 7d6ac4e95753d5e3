package models

import (
	"fmt"
	"strings"
	"time"
)

// SourceKind names the external service a station's barometric pressure comes from.
type SourceKind string

const (
	SourceNOAA  SourceKind = "NOAA"
	SourceNWS   SourceKind = "NWS"
	SourceISU   SourceKind = "ISU"
	SourceFIMAN SourceKind = "FIMAN"
)

// ParseSourceKind normalises the free-text source stored alongside surveys and raw rows.
func ParseSourceKind(s string) (SourceKind, error) {
	switch k := SourceKind(strings.ToUpper(strings.TrimSpace(s))); k {
	case SourceNOAA, SourceNWS, SourceISU, SourceFIMAN:
		return k, nil
	default:
		return "", fmt.Errorf("unknown atmospheric source %q", s)
	}
}

type Station struct {
	ID     string
	Source SourceKind
}

// RecordKey is the natural key shared by raw, depth and display rows.
type RecordKey struct {
	Place    string
	SensorID string
	Date     time.Time
}

func (k RecordKey) String() string {
	return k.Place + "/" + k.SensorID + "@" + k.Date.UTC().Format(time.RFC3339)
}

type RawMeasurement struct {
	Place        string
	SensorID     string
	Date         time.Time
	Pressure     float64
	Voltage      float64
	Notes        string
	AtmStationID string
	AtmSource    string
	Processed    bool
}

func (m RawMeasurement) Key() RecordKey {
	return RecordKey{Place: m.Place, SensorID: m.SensorID, Date: m.Date}
}

type AtmosphericSample struct {
	StationID  string
	Date       time.Time
	PressureMB float64
	Source     string // "coop", "NWS", "ISU", "FIMAN"
}

type SurveyRecord struct {
	Place           string
	SensorID        string
	DateSurveyed    time.Time
	SensorElevation float64
	RoadElevation   float64
	Lat             float64
	Lng             float64
	AlertThreshold  float64
	Notes           string
	AtmStationID    string
	AtmSource       string
}

type DepthRecord struct {
	Place            string
	SensorID         string
	Date             time.Time
	AtmPressure      float64
	SensorPressure   float64
	SensorWaterDepth float64
	Voltage          float64
	Notes            string
	QAQCFlag         bool
	Tag              string
	AtmDataSrc       string
	AtmStationID     string
}

func (d DepthRecord) Key() RecordKey {
	return RecordKey{Place: d.Place, SensorID: d.SensorID, Date: d.Date}
}

type BaselineEstimate struct {
	Place                 string
	SensorID              string
	DateSurveyed          time.Time
	Date                  time.Time
	SmoothedMinWaterDepth float64
}

type CorrectedRecord struct {
	Place                 string
	SensorID              string
	Date                  time.Time
	Voltage               float64
	SensorWaterDepth      float64
	QAQCFlag              bool
	DateSurveyed          time.Time
	SensorElevation       float64
	RoadElevation         float64
	Lat                   float64
	Lng                   float64
	AlertThreshold        float64
	SmoothedMinWaterDepth float64
	SensorWaterLevel      float64
	RoadWaterLevel        float64
	SensorWaterLevelAdj   float64
	RoadWaterLevelAdj     float64
}

func (c CorrectedRecord) Key() RecordKey {
	return RecordKey{Place: c.Place, SensorID: c.SensorID, Date: c.Date}
}

// FetchOutcome classifies an atmospheric pressure request without using errors for control flow.
type FetchOutcome int

const (
	FetchOK FetchOutcome = iota
	FetchNoData
	FetchUnavailable
)

func (o FetchOutcome) String() string {
	switch o {
	case FetchOK:
		return "ok"
	case FetchNoData:
		return "no_data"
	case FetchUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// AtmosphericResult carries either samples or the reason there are none.
// Err is informational only; callers branch on Outcome.
type AtmosphericResult struct {
	Samples []AtmosphericSample
	Outcome FetchOutcome
	Err     error
}
