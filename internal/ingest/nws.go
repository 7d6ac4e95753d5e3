package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

const (
	nwsBaseURL  = "https://api.weather.gov"
	nwsPad      = time.Hour
	nwsMaxPages = 50
)

// NWSClient reads station observations from api.weather.gov. Barometric pressure is
// reported in pascals.
type NWSClient struct {
	baseURL    string
	client     *http.Client
	maxElapsed time.Duration
}

func NewNWSClient(client *http.Client, maxElapsed time.Duration) *NWSClient {
	return &NWSClient{baseURL: nwsBaseURL, client: client, maxElapsed: maxElapsed}
}

func (c *NWSClient) Fetch(ctx context.Context, stationID string, begin, end time.Time) ([]models.AtmosphericSample, *FetchResult, error) {
	q := url.Values{
		"start": {begin.Add(-nwsPad).UTC().Format(time.RFC3339)},
		"end":   {end.Add(nwsPad).UTC().Format(time.RFC3339)},
	}
	next := fmt.Sprintf("%s/stations/%s/observations?%s", c.baseURL, url.PathEscape(stationID), q.Encode())
	header := http.Header{"Accept": {"application/geo+json"}}
	result := &FetchResult{Endpoint: "stations/observations"}

	var samples []models.AtmosphericSample
	var bodies [][]byte
	for page := 0; next != "" && page < nwsMaxPages; page++ {
		body, err := getWithRetry(ctx, c.client, next, header, c.maxElapsed, result)
		if err != nil {
			return nil, result, fmt.Errorf("nws %s: %w", stationID, err)
		}
		if !gjson.ValidBytes(body) {
			return nil, result, fmt.Errorf("nws %s: invalid json", stationID)
		}
		bodies = append(bodies, body)

		features := gjson.GetBytes(body, "features")
		if len(features.Array()) == 0 {
			break
		}
		features.ForEach(func(_, f gjson.Result) bool {
			ts := f.Get("properties.timestamp").String()
			t, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				result.parseFailed("timestamp=%q: %v", ts, err)
				return true
			}
			p := f.Get("properties.barometricPressure.value")
			if p.Type != gjson.Number {
				return true
			}
			samples = append(samples, models.AtmosphericSample{StationID: stationID, Date: t.UTC(), PressureMB: p.Float() / 100})
			return true
		})

		next = gjson.GetBytes(body, "pagination.next").String()
	}

	result.Body = bytes.Join(bodies, []byte("\n"))
	result.RecordCount = len(samples)
	return samples, result, nil
}
