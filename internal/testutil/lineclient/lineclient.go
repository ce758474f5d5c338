// Package lineclient provides a TCP client that streams NDJSON log records
// to a listener, for integration tests.
package lineclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Client streams newline-delimited records to a listener.
type Client struct {
	Address   string
	UseTLS    bool
	TLSConfig *tls.Config

	// LineDelay pauses before each line.
	LineDelay time.Duration

	conn      net.Conn
	LinesSent int
	Errors    []error

	verbose bool
}

// Option is a functional option for configuring Client.
type Option func(*Client)

// WithTLS enables TLS with the provided configuration.
func WithTLS(config *tls.Config) Option {
	return func(c *Client) {
		c.UseTLS = true
		c.TLSConfig = config
	}
}

// WithLineDelay sets the delay between sending lines.
func WithLineDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.LineDelay = delay
	}
}

// WithVerbose enables verbose logging.
func WithVerbose(verbose bool) Option {
	return func(c *Client) {
		c.verbose = verbose
	}
}

// New creates a Client for address.
func New(address string, opts ...Option) *Client {
	client := &Client{Address: address}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Connect dials the listener.
func (c *Client) Connect(ctx context.Context) error {
	c.logEvent("connecting", "address", c.Address, "tls", c.UseTLS)

	var conn net.Conn
	var err error

	dialer := &net.Dialer{}

	if c.UseTLS {
		cfg := c.TLSConfig
		if cfg == nil {
			// #nosec G402 -- test listeners use self-signed certificates
			cfg = &tls.Config{InsecureSkipVerify: true}
		}
		td := &tls.Dialer{NetDialer: dialer, Config: cfg}
		conn, err = td.DialContext(ctx, "tcp", c.Address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.Address)
	}

	if err != nil {
		c.recordError(err)
		c.logEvent("connection_failed", "error", err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.conn = conn
	c.logEvent("connected", "local_addr", conn.LocalAddr().String(), "remote_addr", conn.RemoteAddr().String())

	return nil
}

// SendLine writes one record, appending a newline if missing.
func (c *Client) SendLine(line string) error {
	if c.conn == nil {
		return errors.New("not connected")
	}

	if c.LineDelay > 0 {
		time.Sleep(c.LineDelay)
	}

	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	if _, err := c.conn.Write([]byte(line)); err != nil {
		c.recordError(err)
		c.logEvent("send_failed", "error", err, "line", c.LinesSent+1)
		return fmt.Errorf("failed to send line: %w", err)
	}

	c.LinesSent++
	c.logEvent("line_sent", "line_number", c.LinesSent, "bytes", len(line))

	return nil
}

// SendLines sends each line in order.
func (c *Client) SendLines(lines []string) error {
	for i, line := range lines {
		if err := c.SendLine(line); err != nil {
			return fmt.Errorf("failed to send line %d: %w", i, err)
		}
	}

	c.logEvent("batch_sent", "lines", len(lines))
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	c.logEvent("closing", "lines_sent", c.LinesSent, "errors", len(c.Errors))

	err := c.conn.Close()
	c.conn = nil

	if err != nil {
		c.recordError(err)
		return err
	}
	return nil
}

func (c *Client) recordError(err error) {
	c.Errors = append(c.Errors, err)
}

func (c *Client) logEvent(event string, args ...any) {
	if !c.verbose {
		return
	}
	slog.Info(event, append([]any{"component", "lineclient"}, args...)...)
}

// Record renders a minimal log record line.
func Record(level, logger, message string) string {
	return fmt.Sprintf(`{"level":%q,"logger":%q,"message":%q}`, level, logger, message)
}

// TruncatedJSON drops the closing brace of a record.
func TruncatedJSON(validJSON string) string {
	truncated := strings.TrimSuffix(validJSON, "\n")
	return strings.TrimSuffix(truncated, "}")
}

// OversizedLine returns a record of exactly size bytes.
func OversizedLine(size int) string {
	const frame = `{"level":"Info","message":""}`
	if size < len(frame) {
		size = len(frame)
	}
	return `{"level":"Info","message":"` + strings.Repeat("A", size-len(frame)) + `"}`
}

// InvalidJSON returns syntactically invalid JSON.
func InvalidJSON() string {
	return "{invalid json without quotes}"
}
