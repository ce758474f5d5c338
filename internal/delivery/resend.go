package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/scottbrown/hecsender/internal/batch"
	"github.com/scottbrown/hecsender/internal/forwarder"
	"github.com/scottbrown/hecsender/internal/metrics"
)

// Transport performs a single delivery attempt of a batch.
type Transport interface {
	Send(ctx context.Context, b batch.Batch) (forwarder.Ack, error)
}

// ErrorHandler receives the terminal failure of a batch.
type ErrorHandler func(err error)

// RetryConfig bounds the resend policy. MaxRetries is the number of attempts
// after the first one.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns a policy that makes a single attempt, with
// backoff settings ready for when retries are enabled.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     0,
		InitialBackoff: 250 * time.Millisecond,
		Multiplier:     2,
		MaxBackoff:     30 * time.Second,
	}
}

// DeliveryError reports a batch that could not be delivered within its
// retry budget. Cause is the error of the last attempt.
type DeliveryError struct {
	BatchID  string
	Attempts int
	Batch    batch.Batch
	Cause    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of batch %s failed after %d attempt(s): %v", e.BatchID, e.Attempts, e.Cause)
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// Policy retries failed transport calls with capped exponential backoff.
type Policy struct {
	transport Transport
	cfg       RetryConfig
	onError   ErrorHandler
}

// NewPolicy creates a resend policy. Zero backoff settings take the defaults.
func NewPolicy(t Transport, cfg RetryConfig, onError ErrorHandler) *Policy {
	def := DefaultRetryConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	return &Policy{
		transport: t,
		cfg:       cfg,
		onError:   onError,
	}
}

// Config returns the effective retry configuration.
func (p *Policy) Config() RetryConfig {
	return p.cfg
}

func (p *Policy) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.InitialBackoff
	eb.Multiplier = p.cfg.Multiplier
	eb.MaxInterval = p.cfg.MaxBackoff
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.cfg.MaxRetries)), ctx)
}

// SendWithRetry delivers a.Batch, retrying transport failures until the budget
// is spent or ctx is done. On terminal failure it returns a *DeliveryError and
// invokes the error handler exactly once.
func (p *Policy) SendWithRetry(ctx context.Context, a *Attempt) (forwarder.Ack, error) {
	operation := func() (forwarder.Ack, error) {
		a.Count++
		a.transition(StateInFlight)

		ack, err := p.transport.Send(ctx, a.Batch)
		if err == nil {
			a.LastErr = nil
			a.transition(StateDelivered)
			return ack, nil
		}

		a.LastErr = err
		a.transition(StateFailed)

		var te *forwarder.TransportError
		if !errors.As(err, &te) {
			return forwarder.Ack{}, backoff.Permanent(err)
		}
		return forwarder.Ack{}, err
	}

	notify := func(err error, wait time.Duration) {
		metrics.Retries.Inc()
		slog.Warn("batch delivery failed, retrying",
			"batch_id", a.Batch.ID,
			"attempt", a.Count,
			"max_retries", p.cfg.MaxRetries,
			"backoff", wait,
			"error", err)
	}

	ack, err := backoff.RetryNotifyWithData(operation, p.newBackOff(ctx), notify)
	if err == nil {
		slog.Debug("batch delivered", "batch_id", a.Batch.ID, "attempt", a.Count, "events", a.Batch.Len())
		return ack, nil
	}

	cause := a.LastErr
	if cause == nil {
		cause = err
	}

	derr := &DeliveryError{
		BatchID:  a.Batch.ID,
		Attempts: a.Count,
		Batch:    a.Batch,
		Cause:    cause,
	}
	p.fail(derr)
	return forwarder.Ack{}, derr
}

// fail runs the error handler. A panicking handler is logged and swallowed.
func (p *Policy) fail(err *DeliveryError) {
	if p.onError == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("error handler panicked", "batch_id", err.BatchID, "panic", r)
		}
	}()

	p.onError(err)
}
