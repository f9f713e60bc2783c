package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/telhawk-systems/transferpipe/pkg/logging"
)

// Event describes one fired threshold signal.
type Event struct {
	Signal    string        `json:"signal"`
	Message   string        `json:"message"`
	Value     float64       `json:"value"`
	Threshold float64       `json:"threshold"`
	Window    time.Duration `json:"window"`
	At        time.Time     `json:"at"`
}

// Channel delivers fired signals somewhere a human will see them.
type Channel interface {
	Notify(ctx context.Context, ev Event) error
}

// LogChannel writes fired signals to the structured log.
type LogChannel struct {
	logger *logging.Logger
}

// NewLogChannel creates a log-backed channel.
func NewLogChannel(logger *logging.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Notify(ctx context.Context, ev Event) error {
	c.logger.WarnContext(ctx, "threshold signal fired",
		"signal", ev.Signal,
		"message", ev.Message,
		"value", ev.Value,
		"threshold", ev.Threshold,
		"window", ev.Window.String(),
	)
	return nil
}

// WebhookChannel POSTs fired signals as JSON to a configured endpoint.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook channel for the given URL.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *WebhookChannel) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal signal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
