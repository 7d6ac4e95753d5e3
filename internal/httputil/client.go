package httputil

import (
	"net/http"
	"time"
)

const DefaultTimeout = 30 * time.Second

const userAgent = "sdfcal/1.0 (sunny-day-flooding-project)"

// NewClient returns an HTTP client with the given timeout (DefaultTimeout when zero)
// that identifies itself to upstream APIs. api.weather.gov rejects requests without
// a User-Agent.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: uaTransport{base: http.DefaultTransport},
	}
}

type uaTransport struct {
	base http.RoundTripper
}

func (t uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", userAgent)
	}
	return t.base.RoundTrip(req)
}
