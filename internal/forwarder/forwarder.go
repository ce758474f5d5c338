package forwarder

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/scottbrown/hecsender/internal/batch"
	"github.com/scottbrown/hecsender/internal/circuitbreaker"
	"github.com/scottbrown/hecsender/internal/metrics"
)

// DefaultClientTimeout bounds a single HTTP attempt.
const DefaultClientTimeout = 15 * time.Second

// maxResponseBytes caps how much of a collector response is read.
const maxResponseBytes = 64 * 1024

// Config contains configuration for the Splunk HEC forwarder
type Config struct {
	URL             string
	Token           string
	UseGzip         bool
	IgnoreSSLErrors bool
	ClientTimeout   time.Duration
	CircuitBreaker  circuitbreaker.Config
}

// HEC posts batches to a Splunk HTTP Event Collector. It owns its HTTP client,
// so TLS settings never leak into other clients in the process.
type HEC struct {
	config         Config
	endpoint       *url.URL
	client         *http.Client
	circuitBreaker *circuitbreaker.CircuitBreaker
}

var gzipWriters = sync.Pool{
	New: func() any {
		return gzip.NewWriter(io.Discard)
	},
}

// New creates a new HEC forwarder with the given configuration
func New(config Config) (*HEC, error) {
	if config.Token == "" {
		return nil, errors.New("hec token is required")
	}

	endpoint, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid hec url: %w", err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("invalid hec url %q: scheme must be http or https", config.URL)
	}
	if endpoint.Host == "" {
		return nil, fmt.Errorf("invalid hec url %q: missing host", config.URL)
	}

	timeout := config.ClientTimeout
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}

	return &HEC{
		config:   config,
		endpoint: endpoint,
		client: &http.Client{
			Timeout:   timeout,
			Transport: newTransport(endpoint, config.IgnoreSSLErrors, http.ProxyFromEnvironment),
		},
		circuitBreaker: circuitbreaker.New(config.CircuitBreaker),
	}, nil
}

// Send performs exactly one POST of the batch. Retrying is the caller's concern.
func (h *HEC) Send(ctx context.Context, b batch.Batch) (Ack, error) {
	payload, encoding, err := h.encode(b)
	if err != nil {
		return Ack{}, &TransportError{Cause: fmt.Errorf("encode batch: %w", err)}
	}

	var ack Ack
	err = h.circuitBreaker.Call(func() error {
		var postErr error
		ack, postErr = h.post(ctx, b.ID, payload, encoding)
		return postErr
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return Ack{}, &TransportError{Cause: err}
	}
	if err != nil {
		metrics.TransportAttempts.WithLabelValues("failure").Inc()
		return Ack{}, err
	}

	metrics.TransportAttempts.WithLabelValues("success").Inc()
	metrics.BytesSent.Add(float64(len(payload)))
	return ack, nil
}

// CircuitState returns the state of the breaker guarding this forwarder.
func (h *HEC) CircuitState() circuitbreaker.State {
	return h.circuitBreaker.State()
}

func (h *HEC) post(ctx context.Context, batchID string, payload []byte, encoding string) (Ack, error) {
	slog.Debug("posting batch to HEC", "batch_id", batchID, "bytes", len(payload), "hec_url", h.endpoint.Redacted())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return Ack{}, &TransportError{Cause: err}
	}

	req.Header.Set("Authorization", "Splunk "+h.config.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", batchID)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Ack{}, &TransportError{Cause: err}
	}
	defer func() {
		// Drain and close response body to enable connection reuse
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Ack{}, &TransportError{StatusCode: resp.StatusCode, Cause: fmt.Errorf("read response: %w", err)}
	}

	ack, err := parseResponse(resp.StatusCode, body)
	if err != nil {
		slog.Debug("HEC post failed", "batch_id", batchID, "status", resp.StatusCode, "error", err)
		return Ack{}, err
	}

	slog.Debug("HEC post succeeded", "batch_id", batchID, "status", resp.StatusCode)
	return ack, nil
}

// encode concatenates the newline-terminated envelopes of b, gzipping the
// result when enabled.
func (h *HEC) encode(b batch.Batch) ([]byte, string, error) {
	var buf bytes.Buffer
	buf.Grow(b.Bytes)

	if !h.config.UseGzip {
		for _, env := range b.Envelopes {
			buf.Write(env.Bytes())
		}
		return buf.Bytes(), "", nil
	}

	zw := gzipWriters.Get().(*gzip.Writer)
	defer gzipWriters.Put(zw)
	zw.Reset(&buf)

	for _, env := range b.Envelopes {
		if _, err := zw.Write(env.Bytes()); err != nil {
			return nil, "", err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), "gzip", nil
}

// HealthCheck verifies that the HEC endpoint and token are valid
func (h *HEC) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.getHealthURL(), nil)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Splunk "+h.config.Token)

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusForbidden {
			return errors.New("invalid Splunk HEC token (403 Forbidden)")
		}
		return errors.New("HEC health check failed with status: " + resp.Status)
	}

	return nil
}

// getHealthURL converts collector URL to health endpoint URL
func (h *HEC) getHealthURL() string {
	u := *h.endpoint
	u.RawQuery = ""
	path := strings.TrimSuffix(u.Path, "/")

	switch {
	case strings.Contains(path, "/services/collector/health"):
		return u.String()
	case strings.Contains(path, "/services/collector"):
		u.Path = path[:strings.Index(path, "/services/collector")] + "/services/collector/health"
	case strings.Contains(path, "/services"):
		u.Path = path[:strings.Index(path, "/services")] + "/services/collector/health"
	default:
		u.Path = path + "/services/collector/health"
	}

	return u.String()
}
