// Package natsclient wraps the NATS JetStream connection used as the
// supervision bus, and provisions the streams the correlator relies on.
package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Handlers receives connection lifecycle notifications. The dispatcher
// uses them to start and stop the rule runner pool.
type Handlers struct {
	OnConnected    func()
	OnDisconnected func()
}

// Client wraps a NATS connection and its JetStream context.
type Client struct {
	Conn *nats.Conn
	JS   nats.JetStreamContext
	Log  *zap.Logger
}

// NewClient connects to NATS and initialises a JetStream context. The
// connection retries forever; h is invoked on every loss and recovery of
// the connection.
func NewClient(url string, logger *zap.Logger, h Handlers) (*Client, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	}
	if h.OnDisconnected != nil {
		opts = append(opts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS connection lost", zap.Error(err))
			h.OnDisconnected()
		}))
	}
	if h.OnConnected != nil {
		opts = append(opts, nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS connection re-established")
			h.OnConnected()
		}))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}

	logger.Info("NATS JetStream connected", zap.String("url", url))
	return &Client{Conn: nc, JS: js, Log: logger}, nil
}

// Publish sends one frame through JetStream and waits for the stream
// acknowledgment.
func (c *Client) Publish(subject string, data []byte) error {
	if _, err := c.JS.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the underlying NATS connection. Drain flushes
// pending publish acknowledgments and outstanding deliveries before
// closing; Close alone would drop in-flight messages.
func (c *Client) Close() {
	if c.Conn != nil {
		if err := c.Conn.Drain(); err != nil {
			c.Conn.Close()
		}
	}
}
