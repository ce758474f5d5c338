package sender

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/scottbrown/hecsender/internal/batch"
	"github.com/scottbrown/hecsender/internal/circuitbreaker"
	"github.com/scottbrown/hecsender/internal/delivery"
	"github.com/scottbrown/hecsender/internal/envelope"
	"github.com/scottbrown/hecsender/internal/forwarder"
)

// FailurePolicy decides what happens after a batch fails terminally.
type FailurePolicy int

const (
	// FailLog logs the failure at error level.
	FailLog FailurePolicy = iota
	// FailRaise keeps the failure and returns it from the next Send, Log or Flush.
	FailRaise
	// FailIgnore drops the failure silently.
	FailIgnore
)

func (p FailurePolicy) String() string {
	switch p {
	case FailLog:
		return "log"
	case FailRaise:
		return "raise"
	case FailIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// ParseFailurePolicy parses "log", "raise" or "ignore". An empty string is FailLog.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "log":
		return FailLog, nil
	case "raise":
		return FailRaise, nil
	case "ignore":
		return FailIgnore, nil
	default:
		return FailLog, fmt.Errorf("unknown failure policy %q (must be log, raise or ignore)", s)
	}
}

// ConfigurationError reports a missing or invalid setting. It is returned
// before any event is accepted and is never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// DeadLetter stores batches that failed terminally.
type DeadLetter interface {
	Write(batchID string, attempts int, records [][]byte, cause error) error
}

// Config configures a Sender.
type Config struct {
	URL   string
	Token string

	// Metadata holds the defaults applied to every envelope.
	Metadata envelope.Metadata

	Mode        delivery.Mode
	MaxInFlight int
	Batch       batch.Config
	Retry       delivery.RetryConfig

	IgnoreSSLErrors bool
	UseGzip         bool
	ClientTimeout   time.Duration
	CircuitBreaker  circuitbreaker.Config

	OnFailure    FailurePolicy
	ErrorHandler func(error)
	DeadLetter   DeadLetter

	// Forwarder replaces the HTTP transport when set.
	Forwarder forwarder.Forwarder
}

func (c Config) validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return &ConfigurationError{Field: "url", Reason: "must not be empty"}
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return &ConfigurationError{Field: "url", Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ConfigurationError{Field: "url", Reason: fmt.Sprintf("scheme must be http or https, got %q", u.Scheme)}
	}
	if u.Host == "" || u.Hostname() == "" {
		return &ConfigurationError{Field: "url", Reason: "missing host"}
	}

	if strings.TrimSpace(c.Token) == "" {
		return &ConfigurationError{Field: "token", Reason: "must not be empty"}
	}

	if c.Mode != delivery.Sequential && c.Mode != delivery.Parallel {
		return &ConfigurationError{Field: "mode", Reason: fmt.Sprintf("unknown delivery mode %d", c.Mode)}
	}
	if c.MaxInFlight < 0 {
		return &ConfigurationError{Field: "max_in_flight", Reason: "must not be negative"}
	}

	if c.Retry.MaxRetries < 0 {
		return &ConfigurationError{Field: "retries_on_error", Reason: "must not be negative"}
	}

	if c.Batch.MaxInterval < 0 || c.Batch.MaxBytes < 0 || c.Batch.MaxCount < 0 {
		return &ConfigurationError{Field: "batch", Reason: "thresholds must not be negative"}
	}

	if c.OnFailure < FailLog || c.OnFailure > FailIgnore {
		return &ConfigurationError{Field: "on_failure", Reason: fmt.Sprintf("unknown failure policy %d", c.OnFailure)}
	}

	return nil
}
