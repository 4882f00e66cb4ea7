package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MetricsSource answers the point-in-time queries made by gate stages,
// e.g. an error-budget or latency SLO signal.
type MetricsSource interface {
	Value(ctx context.Context, metric string) (float64, error)
}

// StaticMetrics serves fixed values. Used in tests and dry runs.
type StaticMetrics map[string]float64

func (m StaticMetrics) Value(_ context.Context, metric string) (float64, error) {
	v, ok := m[metric]
	if !ok {
		return 0, fmt.Errorf("unknown metric %q", metric)
	}
	return v, nil
}

// HTTPMetrics queries GET {base}?metric={name} expecting
// {"value": <number>}.
type HTTPMetrics struct {
	Base   string
	Client *http.Client
}

func (m HTTPMetrics) Value(ctx context.Context, metric string) (float64, error) {
	u := strings.TrimRight(m.Base, "/") + "?metric=" + url.QueryEscape(metric)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	client := m.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("metrics endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("metrics endpoint: %s for %q", resp.Status, metric)
	}
	var payload struct {
		Value float64 `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("metrics endpoint: %w", err)
	}
	return payload.Value, nil
}
