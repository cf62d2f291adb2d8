// Package natsclient manages the NATS connection and JetStream resources
// (KV buckets for locks, object store buckets for artifacts) used by the engine.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Connection errors
var (
	ErrNotConnected      = stderrors.New("not connected to NATS")
	ErrConnectionTimeout = stderrors.New("connection timeout")
)

// Client manages a NATS connection and its JetStream context.
// Clients are constructed explicitly and injected; they are opened at
// service start and closed at shutdown.
type Client struct {
	url    string
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	clientName    string
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithLogger sets the client logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithClientName sets the connection name reported to the server
func WithClientName(name string) ClientOption {
	return func(c *Client) { c.clientName = name }
}

// WithTimeout sets the connect and request timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates an unconnected client for the given URL
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("natsclient: url cannot be empty")
	}

	c := &Client{
		url:           url,
		logger:        slog.Default(),
		maxReconnects: 10,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
		clientName:    "metricflow",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// URL returns the configured server URL
func (c *Client) URL() string {
	return c.url
}

// Connect establishes the connection and JetStream context
func (c *Client) Connect(ctx context.Context) error {
	conn, err := nats.Connect(c.url,
		nats.Name(c.clientName),
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("natsclient: connect %s: %w", c.url, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("natsclient: jetstream context: %w", err)
	}

	c.conn = conn
	c.js = js
	c.logger.Info("Connected to NATS", "url", conn.ConnectedUrl())

	_ = ctx
	return nil
}

// Close drains and closes the connection
func (c *Client) Close(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("NATS drain failed, closing hard", "error", err)
		c.conn.Close()
	}

	// Wait for the connection to finish draining
	deadline := time.Now().Add(c.timeout)
	for c.conn.IsConnected() && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			c.conn.Close()
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

// IsConnected reports whether the underlying connection is up
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// GetConnection returns the raw NATS connection
func (c *Client) GetConnection() *nats.Conn {
	return c.conn
}

// Request performs a request/reply exchange on the given subject
func (c *Client) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("natsclient: request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// JetStream returns the JetStream context
func (c *Client) JetStream() (jetstream.JetStream, error) {
	if c.js == nil {
		return nil, ErrNotConnected
	}
	return c.js, nil
}

// CreateKeyValueBucket creates or binds to a KV bucket
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("natsclient: create KV bucket %s: %w", cfg.Bucket, err)
	}
	return kv, nil
}

// CreateObjectStore creates or binds to an object store bucket
func (c *Client) CreateObjectStore(ctx context.Context, cfg jetstream.ObjectStoreConfig) (jetstream.ObjectStore, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	obs, err := js.CreateOrUpdateObjectStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("natsclient: create object store %s: %w", cfg.Bucket, err)
	}
	return obs, nil
}
