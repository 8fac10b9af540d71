package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for the HTTP fetcher.
var (
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_fetch_requests_total",
		Help: "Total fetch requests by outcome",
	}, []string{"outcome"})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backfill_fetch_duration_seconds",
		Help:    "Fetch request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

// HTTPConfig holds the HTTP fetcher configuration.
type HTTPConfig struct {
	// BaseURL is the endpoint prefix; the identifier is appended as one
	// path segment.
	BaseURL string

	// UserAgent identifies this client to the upstream service. Required.
	UserAgent string

	// Timeout bounds a single request. Defaults to 30s.
	Timeout time.Duration
}

// HTTPFetcher fetches records over HTTP and classifies failures into the
// transient/permanent taxonomy: 5xx, 429, and network faults are transient;
// all other 4xx are permanent.
type HTTPFetcher struct {
	client *http.Client
	cfg    HTTPConfig
	logger zerolog.Logger
}

// NewHTTPFetcher creates an HTTP fetcher.
func NewHTTPFetcher(cfg HTTPConfig, logger zerolog.Logger) (*HTTPFetcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger.With().Str("component", "fetcher").Logger(),
	}, nil
}

// Fetch retrieves the record for one identifier.
func (f *HTTPFetcher) Fetch(ctx context.Context, id string) (*RawRecord, error) {
	start := time.Now()
	defer func() {
		fetchDuration.Observe(time.Since(start).Seconds())
	}()

	endpoint := f.cfg.BaseURL + "/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		fetchRequestsTotal.WithLabelValues("permanent").Inc()
		return nil, &PermanentError{Err: fmt.Errorf("create request for %s: %w", id, err)}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		fetchRequestsTotal.WithLabelValues("network").Inc()
		f.logger.Warn().Err(err).Str("id", id).Msg("Fetch request failed")
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			fetchRequestsTotal.WithLabelValues("network").Inc()
			return nil, &TransientError{Err: fmt.Errorf("read body for %s: %w", id, err)}
		}
		fetchRequestsTotal.WithLabelValues("ok").Inc()
		return &RawRecord{ID: id, Payload: body, FetchedAt: time.Now().UTC()}, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		fetchRequestsTotal.WithLabelValues("transient").Inc()
		f.logger.Warn().
			Str("id", id).
			Int("status", resp.StatusCode).
			Msg("Transient fetch error")
		return nil, &TransientError{Status: resp.StatusCode, Err: fmt.Errorf("fetch %s: %s", id, resp.Status)}

	default:
		fetchRequestsTotal.WithLabelValues("permanent").Inc()
		f.logger.Warn().
			Str("id", id).
			Int("status", resp.StatusCode).
			Msg("Permanent fetch error")
		return nil, &PermanentError{Status: resp.StatusCode, Err: fmt.Errorf("fetch %s: %s", id, resp.Status)}
	}
}
