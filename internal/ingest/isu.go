package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

const (
	isuBaseURL     = "https://mesonet.agron.iastate.edu/cgi-bin/request/asos.py"
	isuValidLayout = "2006-01-02 15:04"
	inHgToMB       = 33.8639
)

// ISUClient reads ASOS altimeter settings from the Iowa Environmental Mesonet.
type ISUClient struct {
	baseURL    string
	client     *http.Client
	maxElapsed time.Duration
}

func NewISUClient(client *http.Client, maxElapsed time.Duration) *ISUClient {
	return &ISUClient{baseURL: isuBaseURL, client: client, maxElapsed: maxElapsed}
}

func (c *ISUClient) Fetch(ctx context.Context, stationID string, begin, end time.Time) ([]models.AtmosphericSample, *FetchResult, error) {
	b, e := begin.UTC(), end.UTC().AddDate(0, 0, 1)
	q := url.Values{
		"station": {stationID},
		"data":    {"alti"},
		"year1":   {strconv.Itoa(b.Year())},
		"month1":  {strconv.Itoa(int(b.Month()))},
		"day1":    {strconv.Itoa(b.Day())},
		"year2":   {strconv.Itoa(e.Year())},
		"month2":  {strconv.Itoa(int(e.Month()))},
		"day2":    {strconv.Itoa(e.Day())},
		"tz":      {"Etc/UTC"},
		"format":  {"comma"},
		"latlon":  {"yes"},
		"missing": {"M"},
	}
	header := http.Header{"User-Agent": {applicationName}}
	result := &FetchResult{Endpoint: "asos.py/alti"}

	body, err := getWithRetry(ctx, c.client, c.baseURL+"?"+q.Encode(), header, c.maxElapsed, result)
	if err != nil {
		return nil, result, fmt.Errorf("isu %s: %w", stationID, err)
	}
	result.Body = body

	samples, err := parseASOS(body, stationID, result)
	if err != nil {
		return nil, result, fmt.Errorf("isu %s: %w", stationID, err)
	}
	result.RecordCount = len(samples)
	return samples, result, nil
}

// parseASOS reads the comma-separated ASOS export. The service may prefix the table with
// debug lines, so everything before the "station" header is discarded.
func parseASOS(body []byte, stationID string, result *FetchResult) ([]models.AtmosphericSample, error) {
	idx := bytes.Index(body, []byte("station"))
	if idx < 0 {
		return nil, nil
	}

	r := csv.NewReader(bytes.NewReader(body[idx:]))
	r.FieldsPerRecord = -1
	r.Comment = '#'

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	validCol, altiCol := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case "valid":
			validCol = i
		case "alti":
			altiCol = i
		}
	}
	if validCol < 0 || altiCol < 0 {
		return nil, fmt.Errorf("missing valid/alti columns in %v", header)
	}

	var samples []models.AtmosphericSample
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) <= validCol || len(rec) <= altiCol {
			result.parseFailed("line %d: short record", line)
			continue
		}

		alti := strings.TrimSpace(rec[altiCol])
		if alti == "" || alti == "M" || alti == "NA" {
			continue
		}
		inHg, err := strconv.ParseFloat(alti, 64)
		if err != nil {
			result.parseFailed("line %d: alti=%q: %v", line, alti, err)
			continue
		}
		t, err := time.ParseInLocation(isuValidLayout, strings.TrimSpace(rec[validCol]), time.UTC)
		if err != nil {
			result.parseFailed("line %d: valid=%q: %v", line, rec[validCol], err)
			continue
		}
		samples = append(samples, models.AtmosphericSample{StationID: stationID, Date: t, PressureMB: inHg * inHgToMB})
	}
	return samples, nil
}
