// Package messaging wires the pipeline to NATS: raw payloads arrive on the
// transfer.raw.<format> subjects and every committed batch is announced on
// transfer.committed.
package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/telhawk-systems/transferpipe/internal/model"
	"github.com/telhawk-systems/transferpipe/pkg/logging"
)

// Subjects used by the pipeline.
const (
	SubjectRawPrefix = "transfer.raw."
	SubjectCommitted = "transfer.committed"

	rawQueue = "transferpipe-ingest"
)

// RawSubject returns the inbound subject for a format.
func RawSubject(f model.Format) string {
	return SubjectRawPrefix + string(f)
}

// RawMessage is the envelope on transfer.raw.<format>: a source tag plus the
// raw payload in that format's serialization.
type RawMessage struct {
	Source  string `json:"source"`
	Payload []byte `json:"payload"`
}

// CommitEvent is published on transfer.committed after each batch commit.
type CommitEvent struct {
	BatchID   string    `json:"batch_id"`
	Committed int       `json:"committed"`
	Diverted  int       `json:"diverted"`
	At        time.Time `json:"at"`
}

// RawHandler processes one inbound raw payload.
type RawHandler func(ctx context.Context, source string, format model.Format, payload []byte) error

// Client wraps the NATS connection for the pipeline's subjects.
type Client struct {
	conn   *nats.Conn
	logger *logging.Logger
	subs   []*nats.Subscription
}

// Connect establishes the NATS connection with infinite reconnects.
func Connect(url, name string, logger *logging.Logger) (*Client, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Client{conn: conn, logger: logger}, nil
}

// SubscribeRaw queue-subscribes to both format subjects so replicas share
// the inbound load.
func (c *Client) SubscribeRaw(handler RawHandler) error {
	for _, format := range []model.Format{model.FormatCSV, model.FormatJSON} {
		format := format
		sub, err := c.conn.QueueSubscribe(RawSubject(format), rawQueue, func(msg *nats.Msg) {
			var raw RawMessage
			if err := json.Unmarshal(msg.Data, &raw); err != nil {
				c.logger.Error("dropping malformed raw message",
					"subject", msg.Subject,
					"error", err,
				)
				return
			}
			if err := handler(context.Background(), raw.Source, format, raw.Payload); err != nil {
				c.logger.Error("raw message handler failed",
					"subject", msg.Subject,
					"source", raw.Source,
					"error", err,
				)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", RawSubject(format), err)
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}

// SubscribeCommitted signals the returned channel after every commit event.
// The channel has capacity one; coalesced wakeups are fine because the
// consumer drains everything past its watermark anyway.
func (c *Client) SubscribeCommitted() (<-chan struct{}, error) {
	wake := make(chan struct{}, 1)
	sub, err := c.conn.Subscribe(SubjectCommitted, func(*nats.Msg) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", SubjectCommitted, err)
	}
	c.subs = append(c.subs, sub)
	return wake, nil
}

// BatchCommitted publishes the commit event. It satisfies the commit
// engine's notifier hook; publish failures are logged, not surfaced, since
// the commit itself already succeeded.
func (c *Client) BatchCommitted(ctx context.Context, batchID string, committed, diverted int) {
	ev := CommitEvent{
		BatchID:   batchID,
		Committed: committed,
		Diverted:  diverted,
		At:        time.Now().UTC(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to marshal commit event", "batch_id", batchID, "error", err)
		return
	}
	if err := c.conn.Publish(SubjectCommitted, data); err != nil {
		c.logger.ErrorContext(ctx, "failed to publish commit event", "batch_id", batchID, "error", err)
	}
}

// PublishRaw publishes a raw payload for ingestion. Used by the CLI.
func (c *Client) PublishRaw(ctx context.Context, source string, format model.Format, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(RawMessage{Source: source, Payload: bytes.TrimSpace(payload)})
	if err != nil {
		return fmt.Errorf("failed to marshal raw message: %w", err)
	}
	if err := c.conn.Publish(RawSubject(format), data); err != nil {
		return fmt.Errorf("failed to publish raw message: %w", err)
	}
	return nil
}

// IsConnected reports connection health for the readiness probe.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() error {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = nil
	c.conn.Close()
	return nil
}
