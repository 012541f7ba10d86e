// Package nats is a thin JetStream publisher used for fire-and-forget
// notification events.
package nats

import (
	"context"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Config controls the connection.
type Config struct {
	URL        string
	ClientName string
	Timeout    time.Duration
}

// Client publishes to JetStream, falling back to core NATS when the subject
// has no stream bound to it.
type Client struct {
	conn    *natsgo.Conn
	js      jetstream.JetStream
	timeout time.Duration
}

// Connect dials the server and prepares a JetStream context.
func Connect(cfg Config) (*Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	conn, err := natsgo.Connect(cfg.URL,
		natsgo.Name(cfg.ClientName),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(time.Second),
		natsgo.Timeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Client{conn: conn, js: js, timeout: timeout}, nil
}

// Publish sends data to subject.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		if err == jetstream.ErrNoStreamResponse {
			return c.conn.Publish(subject, data)
		}
		return err
	}
	return nil
}

// Close drains the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}
