// Package sender is the entry point for shipping log events to Splunk HEC.
// A Sender builds envelopes, batches them and delivers the batches in the
// configured mode, reporting terminal failures through its failure policy.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/scottbrown/hecsender/internal/batch"
	"github.com/scottbrown/hecsender/internal/delivery"
	"github.com/scottbrown/hecsender/internal/envelope"
	"github.com/scottbrown/hecsender/internal/forwarder"
	"github.com/scottbrown/hecsender/internal/metrics"
)

// Sender is safe for concurrent use by multiple goroutines.
type Sender struct {
	cfg        Config
	transport  forwarder.Forwarder
	controller *delivery.Controller
	queue      *batch.Queue

	mu            sync.Mutex
	raised        error
	lastFailure   error
	lastFailureAt time.Time
	lastSuccessAt time.Time
}

// New validates cfg and returns a ready Sender. Invalid settings produce a
// *ConfigurationError.
func New(cfg Config) (*Sender, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Sender{cfg: cfg, transport: cfg.Forwarder}

	if s.transport == nil {
		hec, err := forwarder.New(forwarder.Config{
			URL:             cfg.URL,
			Token:           cfg.Token,
			UseGzip:         cfg.UseGzip,
			IgnoreSSLErrors: cfg.IgnoreSSLErrors,
			ClientTimeout:   cfg.ClientTimeout,
			CircuitBreaker:  cfg.CircuitBreaker,
		})
		if err != nil {
			return nil, &ConfigurationError{Field: "url", Reason: err.Error()}
		}
		s.transport = hec
	}

	policy := delivery.NewPolicy(s.transport, cfg.Retry, s.handleFailure)
	s.controller = delivery.NewController(policy, delivery.ControllerConfig{
		Mode:        cfg.Mode,
		MaxInFlight: cfg.MaxInFlight,
		Observer:    s.observe,
	})
	s.queue = batch.New(cfg.Batch, s.controller)

	slog.Debug("sender ready",
		"mode", cfg.Mode.String(),
		"retries", policy.Config().MaxRetries,
		"max_interval", cfg.Batch.MaxInterval,
		"max_bytes", cfg.Batch.MaxBytes,
		"max_count", cfg.Batch.MaxCount,
		"on_failure", cfg.OnFailure.String())

	return s, nil
}

// Send builds an envelope and queues it for delivery. Per-envelope metadata
// overrides the sender defaults field by field. An invalid envelope is
// rejected with envelope.ErrInvalidEnvelope.
//
// With batching disabled Send returns only once the event is delivered or has
// failed, so under FailRaise its own failure is returned by this call.
func (s *Sender) Send(id, severity, message string, fields map[string]any, detail *envelope.ErrorDetail, meta envelope.Metadata, opts ...envelope.Option) error {
	env, err := envelope.Build(id, severity, message, fields, detail, meta.Merge(s.cfg.Metadata), opts...)
	if err != nil {
		metrics.EventsRejected.Inc()
		return multierr.Append(err, s.takeRaised())
	}

	if s.cfg.Batch.Unbatched() {
		err = s.queue.SubmitWait(context.Background(), env)
	} else {
		err = s.queue.Submit(env)
	}
	if err != nil {
		return multierr.Append(err, s.takeRaised())
	}

	metrics.EventsSubmitted.Inc()
	return s.takeRaised()
}

// Log is the call a logging framework makes for each event: a fresh ID is
// generated, the logger name becomes the event source, and err (if any) is
// captured as the error detail.
func (s *Sender) Log(severity, logger, message string, fields map[string]any, err error) error {
	var opts []envelope.Option
	if logger != "" {
		opts = append(opts, envelope.WithLogger(logger))
	}

	return s.Send(envelope.NewID(), severity, message, fields, envelope.NewErrorDetail(err),
		envelope.Metadata{Source: logger}, opts...)
}

// Flush ships any partially filled batch and waits until every dispatched
// batch is delivered or has failed. ctx bounds the wait only; deliveries in
// progress are never aborted by it.
func (s *Sender) Flush(ctx context.Context) error {
	err := s.queue.Flush(ctx)
	return multierr.Append(err, s.takeRaised())
}

// Close flushes outstanding events and stops the sender. If ctx expires,
// pending retries are abandoned and, like batches that never got a delivery
// slot, reported as failures.
func (s *Sender) Close(ctx context.Context) error {
	qerr := s.queue.Close(ctx)
	cerr := s.controller.Close(ctx)
	if errors.Is(qerr, cerr) {
		cerr = nil
	}

	for _, b := range s.queue.Drain() {
		metrics.BatchesTotal.WithLabelValues("failed").Inc()
		cause := qerr
		if cause == nil {
			cause = batch.ErrClosed
		}
		s.handleFailure(&delivery.DeliveryError{
			BatchID: b.ID,
			Batch:   b,
			Cause:   cause,
		})
	}

	return multierr.Combine(qerr, cerr, s.takeRaised())
}

// HealthCheck probes the collector's health endpoint.
func (s *Sender) HealthCheck(ctx context.Context) error {
	return s.transport.HealthCheck(ctx)
}

// Healthy returns the most recent terminal failure unless a batch has been
// delivered since.
func (s *Sender) Healthy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastFailure == nil || s.lastSuccessAt.After(s.lastFailureAt) {
		return nil
	}
	return s.lastFailure
}

// Pending returns the number of events waiting in the open batch.
func (s *Sender) Pending() int {
	return s.queue.Pending()
}

func (s *Sender) observe(batchID string, from, to delivery.State) {
	if to != delivery.StateDelivered {
		return
	}

	s.mu.Lock()
	s.lastSuccessAt = time.Now()
	s.mu.Unlock()
}

// handleFailure runs once per terminally failed batch.
func (s *Sender) handleFailure(err error) {
	s.mu.Lock()
	s.lastFailure = err
	s.lastFailureAt = time.Now()
	s.mu.Unlock()

	var derr *delivery.DeliveryError
	if errors.As(err, &derr) && s.cfg.DeadLetter != nil {
		records := make([][]byte, 0, derr.Batch.Len())
		for _, env := range derr.Batch.Envelopes {
			records = append(records, env.Bytes())
		}
		if dlqErr := s.cfg.DeadLetter.Write(derr.BatchID, derr.Attempts, records, derr.Cause); dlqErr != nil {
			slog.Error("failed to write batch to DLQ", "batch_id", derr.BatchID, "error", dlqErr)
		}
	}

	if s.cfg.ErrorHandler != nil {
		s.callErrorHandler(err)
	}

	switch s.cfg.OnFailure {
	case FailLog:
		attrs := []any{"error", err}
		if derr != nil {
			attrs = append(attrs, "batch_id", derr.BatchID, "attempts", derr.Attempts, "events", derr.Batch.Len())
		}
		slog.Error("batch delivery failed", attrs...)
	case FailRaise:
		s.mu.Lock()
		s.raised = multierr.Append(s.raised, err)
		s.mu.Unlock()
	case FailIgnore:
	}
}

func (s *Sender) callErrorHandler(err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("error handler panicked", "panic", fmt.Sprint(r))
		}
	}()
	s.cfg.ErrorHandler(err)
}

func (s *Sender) takeRaised() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.raised
	s.raised = nil
	return err
}
