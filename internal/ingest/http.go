package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultMaxElapsed = 2 * time.Minute

// FetchResult carries what one source request returned, for auditing as well as parsing.
type FetchResult struct {
	Endpoint     string
	HTTPStatus   int
	ResponseSize int
	RecordCount  int
	ParseErrors  int
	ParseError   string // first parse failure, if any
	Body         []byte
}

func (r *FetchResult) parseFailed(format string, args ...any) {
	if r.ParseErrors == 0 {
		r.ParseError = fmt.Sprintf(format, args...)
	}
	r.ParseErrors++
}

// getWithRetry performs a GET, retrying transport failures, rate-limit, auth-throttle and
// server errors with exponential backoff until maxElapsed. Other statuses are permanent.
func getWithRetry(ctx context.Context, client *http.Client, url string, header http.Header, maxElapsed time.Duration, result *FetchResult) ([]byte, error) {
	if maxElapsed <= 0 {
		maxElapsed = defaultMaxElapsed
	}

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("fetch: %w", ctx.Err()))
			}
			return fmt.Errorf("fetch: %w", err)
		}
		defer resp.Body.Close()

		result.HTTPStatus = resp.StatusCode

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden ||
			resp.StatusCode == http.StatusUnauthorized || resp.StatusCode >= 500 {
			return fmt.Errorf("retryable status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return backoff.Permanent(fmt.Errorf("status %d: %s", resp.StatusCode, string(b)))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("read body: %w", ctx.Err()))
			}
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	result.ResponseSize += len(body)
	return body, nil
}
