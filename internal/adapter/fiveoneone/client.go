// Package fiveoneone is the upstream client for a 511-style traveler
// information GraphQL API.
package fiveoneone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/traffic-feed-service/internal/domain"
	"github.com/couchcryptid/traffic-feed-service/internal/observability"
)

// Error kinds, distinguishable with errors.Is. Transport failures and bad
// statuses after exhausted retries are ErrUnavailable; bodies that are not
// well-formed GraphQL responses are ErrMalformed.
var (
	ErrUnavailable = errors.New("upstream unavailable")
	ErrMalformed   = errors.New("upstream response malformed")
)

// Client issues GraphQL exchanges against the upstream feed. It is
// stateless; every call retries transient failures up to the configured
// attempt count with a fixed inter-attempt delay and surfaces the final
// failure to the caller.
type Client struct {
	url        string
	userAgent  string
	httpClient *http.Client
	attempts   int
	retryDelay time.Duration
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates an upstream client.
func NewClient(url, userAgent string, timeout time.Duration, attempts int, retryDelay time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Client {
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		url:        url,
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: timeout},
		attempts:   attempts,
		retryDelay: retryDelay,
		metrics:    metrics,
		logger:     logger,
	}
}

// graphqlError is the upstream's in-band error envelope.
type graphqlError struct {
	Message string `json:"message"`
}

type graphqlEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

// FetchMapFeatures fetches and normalizes the map-features layer set for a
// viewport. The plow layer uses a separate query document.
func (c *Client) FetchMapFeatures(ctx context.Context, vp domain.BBox, zoom int, layerSlugs []string, source string) ([]domain.Entity, error) {
	query := mapFeaturesQuery
	variables := mapFeaturesVariables(vp, zoom, layerSlugs)
	for _, slug := range layerSlugs {
		if slug == plowLayerSlug {
			query = mapFeaturesQueryPlow
			variables["plowType"] = plowLayerSlug
			break
		}
	}

	body, err := c.exchange(ctx, "map_features", query, variables)
	if err != nil {
		return nil, err
	}
	return domain.NormalizeMapFeatures(body, source), nil
}

// FetchWeatherStations fetches and normalizes all weather stations in the
// viewport.
func (c *Client) FetchWeatherStations(ctx context.Context, vp domain.BBox, source string) ([]domain.Entity, error) {
	body, err := c.exchange(ctx, "weather_stations", weatherStationsQuery, listArgsVariables(vp))
	if err != nil {
		return nil, err
	}
	return domain.NormalizeWeatherStations(body, source), nil
}

// FetchSigns fetches and normalizes all dynamic message signs in the
// viewport.
func (c *Client) FetchSigns(ctx context.Context, vp domain.BBox, source string) ([]domain.Entity, error) {
	body, err := c.exchange(ctx, "signs", signsQuery, listArgsVariables(vp))
	if err != nil {
		return nil, err
	}
	return domain.NormalizeSigns(body, source), nil
}

// FetchCameraViews fetches and normalizes all camera views in the viewport.
func (c *Client) FetchCameraViews(ctx context.Context, vp domain.BBox, source string) ([]domain.Entity, error) {
	body, err := c.exchange(ctx, "camera_views", cameraViewsQuery, listArgsVariables(vp))
	if err != nil {
		return nil, err
	}
	return domain.NormalizeCameraViews(body, source), nil
}

// FetchDashboardUpdates fetches the per-collection update summary used to
// backfill missing event timestamps.
func (c *Client) FetchDashboardUpdates(ctx context.Context, layerSlugs []string) (map[string]int64, error) {
	body, err := c.exchange(ctx, "dashboard", dashboardQuery, dashboardVariables(layerSlugs))
	if err != nil {
		return nil, err
	}
	return domain.NormalizeDashboardUpdates(body), nil
}

// exchange POSTs one GraphQL request, retrying transport failures and bad
// statuses. Malformed bodies are not retried: a parse failure on a 2xx
// response means the upstream is broken, not briefly unreachable.
func (c *Client) exchange(ctx context.Context, queryName, query string, variables map[string]any) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			if !sleepWithContext(ctx, c.retryDelay) {
				return nil, ctx.Err()
			}
			c.logger.Debug("retrying upstream request", "query", queryName, "attempt", attempt)
		}

		body, err := c.doRequest(ctx, payload)
		if err == nil {
			c.metrics.UpstreamRequests.WithLabelValues(queryName, "success").Inc()
			return body, nil
		}
		if errors.Is(err, ErrMalformed) || ctx.Err() != nil {
			c.metrics.UpstreamRequests.WithLabelValues(queryName, "malformed").Inc()
			return nil, err
		}
		lastErr = err
	}

	c.metrics.UpstreamRequests.WithLabelValues(queryName, "error").Inc()
	return nil, fmt.Errorf("%s after %d attempts: %w", queryName, c.attempts, lastErr)
}

func (c *Client) doRequest(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, truncate(body, 300))
	}

	var env graphqlEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: non-JSON body: %s", ErrMalformed, truncate(body, 300))
	}
	if len(env.Errors) > 0 {
		return nil, fmt.Errorf("%w: graphql error: %s", ErrMalformed, env.Errors[0].Message)
	}

	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
