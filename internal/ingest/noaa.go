package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

const (
	noaaBaseURL     = "https://api.tidesandcurrents.noaa.gov/api/prod/datagetter"
	noaaDateLayout  = "20060102 15:04"
	noaaTimeLayout  = "2006-01-02 15:04"
	applicationName = "Sunny_Day_Flooding_project, https://github.com/sunny-day-flooding-project"
)

// NOAAClient reads air pressure from the NOAA CO-OPS tides and currents data API.
type NOAAClient struct {
	baseURL    string
	client     *http.Client
	maxElapsed time.Duration
}

func NewNOAAClient(client *http.Client, maxElapsed time.Duration) *NOAAClient {
	return &NOAAClient{baseURL: noaaBaseURL, client: client, maxElapsed: maxElapsed}
}

type noaaResponse struct {
	Data []struct {
		T string `json:"t"`
		V string `json:"v"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *NOAAClient) Fetch(ctx context.Context, stationID string, begin, end time.Time) ([]models.AtmosphericSample, *FetchResult, error) {
	q := url.Values{
		"station":     {stationID},
		"begin_date":  {begin.UTC().Format(noaaDateLayout)},
		"end_date":    {end.UTC().Format(noaaDateLayout)},
		"product":     {"air_pressure"},
		"units":       {"metric"},
		"time_zone":   {"gmt"},
		"format":      {"json"},
		"application": {applicationName},
	}
	result := &FetchResult{Endpoint: "datagetter/air_pressure"}

	body, err := getWithRetry(ctx, c.client, c.baseURL+"?"+q.Encode(), nil, c.maxElapsed, result)
	if err != nil {
		return nil, result, fmt.Errorf("noaa %s: %w", stationID, err)
	}
	result.Body = body

	var data noaaResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, result, fmt.Errorf("noaa %s: unmarshal: %w", stationID, err)
	}
	// CO-OPS reports "No data was found" as an error object with a 200 status.
	if data.Error != nil {
		return nil, result, nil
	}

	samples := make([]models.AtmosphericSample, 0, len(data.Data))
	for i, d := range data.Data {
		t, err := time.ParseInLocation(noaaTimeLayout, d.T, time.UTC)
		if err != nil {
			result.parseFailed("data[%d].t=%q: %v", i, d.T, err)
			continue
		}
		if strings.TrimSpace(d.V) == "" {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(d.V), 64)
		if err != nil {
			result.parseFailed("data[%d].v=%q: %v", i, d.V, err)
			continue
		}
		samples = append(samples, models.AtmosphericSample{StationID: stationID, Date: t, PressureMB: v})
	}
	result.RecordCount = len(samples)
	return samples, result, nil
}
