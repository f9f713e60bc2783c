// Package client is a thin HTTP client for the pipeline API, used by the
// CLI commands.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/telhawk-systems/transferpipe/internal/model"
)

// Client talks to a running pipeline instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// IngestResult is the response to an ingest request.
type IngestResult struct {
	BatchID string `json:"batch_id"`
	Records int    `json:"records"`
	Invalid int    `json:"invalid"`
}

// Ingest posts a raw payload. flush seals the batch immediately.
func (c *Client) Ingest(ctx context.Context, format model.Format, source string, payload []byte, flush bool) (*IngestResult, error) {
	q := url.Values{}
	q.Set("format", string(format))
	q.Set("source", source)
	if flush {
		q.Set("flush", "true")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/ingest?"+q.Encode(), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	var out IngestResult
	if err := c.do(req, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DailySummary is one day's rollup as served by the API.
type DailySummary struct {
	Date            string   `json:"date"`
	TotalCount      int64    `json:"total_count"`
	OkCount         int64    `json:"ok_count"`
	MissingCount    int64    `json:"missing_count"`
	DelayedCount    int64    `json:"delayed_count"`
	AvgAgeMinutes   *float64 `json:"avg_age_minutes"`
	SlaAdherencePct float64  `json:"sla_adherence_pct"`
}

// SummaryDaily lists rollup rows for the inclusive day range.
func (c *Client) SummaryDaily(ctx context.Context, from, to time.Time) ([]DailySummary, error) {
	var out struct {
		Days []DailySummary `json:"days"`
	}
	if err := c.get(ctx, "/api/v1/summary/daily", timeParams(from, to), &out); err != nil {
		return nil, err
	}
	return out.Days, nil
}

// Percentile fetches an age quantile for one day. The returned pointer is
// nil when the day has no age data.
func (c *Client) Percentile(ctx context.Context, day time.Time, p float64) (*float64, error) {
	path := fmt.Sprintf("/api/v1/summary/daily/%s/percentile", day.Format("2006-01-02"))
	params := url.Values{}
	params.Set("p", fmt.Sprintf("%g", p))

	var out struct {
		AgeMinutes *float64 `json:"age_minutes"`
	}
	if err := c.get(ctx, path, params, &out); err != nil {
		return nil, err
	}
	return out.AgeMinutes, nil
}

// Observations fetches committed records in a time window.
func (c *Client) Observations(ctx context.Context, from, to time.Time, limit int) ([]json.RawMessage, error) {
	params := timeParams(from, to)
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	var out struct {
		Observations []json.RawMessage `json:"observations"`
	}
	if err := c.get(ctx, "/api/v1/observations", params, &out); err != nil {
		return nil, err
	}
	return out.Observations, nil
}

// Errors fetches dead-letter entries in a time window.
func (c *Client) Errors(ctx context.Context, from, to time.Time) ([]model.DeadLetterEntry, error) {
	var out struct {
		Errors []model.DeadLetterEntry `json:"errors"`
	}
	if err := c.get(ctx, "/api/v1/errors", timeParams(from, to), &out); err != nil {
		return nil, err
	}
	return out.Errors, nil
}

// SignalStatus is one signal's on-demand measurement.
type SignalStatus struct {
	Signal    string  `json:"signal"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Active    bool    `json:"active"`
}

// Signals measures the threshold signals right now.
func (c *Client) Signals(ctx context.Context) ([]SignalStatus, error) {
	var out struct {
		Signals []SignalStatus `json:"signals"`
	}
	if err := c.get(ctx, "/api/v1/signals", nil, &out); err != nil {
		return nil, err
	}
	return out.Signals, nil
}

// Ready reports whether the instance passes its readiness probe.
func (c *Client) Ready(ctx context.Context) error {
	return c.get(ctx, "/readyz", nil, nil)
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusOK, out)
}

func (c *Client) do(req *http.Request, wantStatus int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s returned %d: %s", req.Method, req.URL.Path, resp.StatusCode, bytes.TrimSpace(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func timeParams(from, to time.Time) url.Values {
	params := url.Values{}
	params.Set("from", from.UTC().Format(time.RFC3339))
	params.Set("to", to.UTC().Format(time.RFC3339))
	return params
}
