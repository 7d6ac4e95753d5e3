package ingest

import (
	"context"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

const (
	fimanPad          = time.Hour
	fimanTimeLayout   = "2006-01-02 15:04:05"
	fimanPressureName = "Barometric Pressure"
)

// FIMANClient reads barometric pressure from the NC Flood Inundation Mapping and Alert
// Network OneRain export. Stations are addressed by site id and mapped to the barometric
// sensor id through a gauge key table.
type FIMANClient struct {
	baseURL    string
	sensors    map[string]string // site_id -> sensor_id
	client     *http.Client
	maxElapsed time.Duration
}

func NewFIMANClient(baseURL string, sensors map[string]string, client *http.Client, maxElapsed time.Duration) *FIMANClient {
	return &FIMANClient{baseURL: baseURL, sensors: sensors, client: client, maxElapsed: maxElapsed}
}

// LoadGaugeKeys reads the site_id,Sensor,sensor_id CSV and returns the barometric
// pressure sensor for each site.
func LoadGaugeKeys(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open gauge keys: %w", err)
	}
	defer f.Close()
	return ParseGaugeKeys(f)
}

func ParseGaugeKeys(r io.Reader) (map[string]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read gauge key header: %w", err)
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[strings.TrimSpace(h)] = i
	}
	siteCol, ok1 := cols["site_id"]
	kindCol, ok2 := cols["Sensor"]
	sensorCol, ok3 := cols["sensor_id"]
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("gauge keys need site_id, Sensor and sensor_id columns, got %v", header)
	}

	keys := make(map[string]string)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read gauge keys: %w", err)
		}
		if len(rec) <= siteCol || len(rec) <= kindCol || len(rec) <= sensorCol {
			continue
		}
		if strings.TrimSpace(rec[kindCol]) != fimanPressureName {
			continue
		}
		site := strings.TrimSpace(rec[siteCol])
		if _, dup := keys[site]; !dup {
			keys[site] = strings.TrimSpace(rec[sensorCol])
		}
	}
	return keys, nil
}

type fimanDoc struct {
	XMLName  xml.Name `xml:"onerain"`
	Response struct {
		General struct {
			Rows []fimanRow `xml:"row"`
		} `xml:"general"`
	} `xml:"response"`
}

type fimanRow struct {
	DataTime  string `xml:"data_time"`
	DataValue string `xml:"data_value"`
}

func (c *FIMANClient) Fetch(ctx context.Context, stationID string, begin, end time.Time) ([]models.AtmosphericSample, *FetchResult, error) {
	result := &FetchResult{Endpoint: "onerain/general"}
	if c.baseURL == "" {
		return nil, result, errors.New("fiman: FIMAN_URL not configured")
	}
	sensorID, ok := c.sensors[stationID]
	if !ok {
		return nil, result, fmt.Errorf("fiman: no %s sensor for site %s in gauge keys", fimanPressureName, stationID)
	}

	q := url.Values{
		"site_id":         {stationID},
		"sensor_id":       {sensorID},
		"data_start":      {begin.Add(-fimanPad).UTC().Format(fimanTimeLayout)},
		"end_date":        {end.Add(fimanPad).UTC().Format(fimanTimeLayout)},
		"format_datetime": {"%Y-%m-%d %H:%M:%S"},
		"tz":              {"utc"},
		"show_raw":        {"True"},
		"show_quality":    {"True"},
	}
	sep := "?"
	if strings.Contains(c.baseURL, "?") {
		sep = "&"
	}

	body, err := getWithRetry(ctx, c.client, c.baseURL+sep+q.Encode(), nil, c.maxElapsed, result)
	if err != nil {
		return nil, result, fmt.Errorf("fiman %s: %w", stationID, err)
	}
	result.Body = body

	var doc fimanDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, result, fmt.Errorf("fiman %s: unmarshal xml: %w", stationID, err)
	}

	samples := make([]models.AtmosphericSample, 0, len(doc.Response.General.Rows))
	for i, row := range doc.Response.General.Rows {
		t, err := time.ParseInLocation(fimanTimeLayout, strings.TrimSpace(row.DataTime), time.UTC)
		if err != nil {
			result.parseFailed("row[%d].data_time=%q: %v", i, row.DataTime, err)
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row.DataValue), 64)
		if err != nil {
			result.parseFailed("row[%d].data_value=%q: %v", i, row.DataValue, err)
			continue
		}
		samples = append(samples, models.AtmosphericSample{StationID: stationID, Date: t, PressureMB: v})
	}
	result.RecordCount = len(samples)
	return samples, result, nil
}
