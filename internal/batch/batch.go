// Package batch accumulates event envelopes and decides when a batch is ready
// to ship, based on interval, byte size and event count thresholds.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scottbrown/hecsender/internal/envelope"
)

// ErrClosed is returned when submitting to a closed queue.
var ErrClosed = errors.New("batch queue is closed")

// Batch is an ordered sequence of envelopes awaiting transmission.
type Batch struct {
	ID        string
	Envelopes []envelope.Envelope
	Bytes     int
}

// Len returns the number of envelopes in the batch.
func (b Batch) Len() int {
	return len(b.Envelopes)
}

// Config holds the flush thresholds. A zero value disables a threshold; with
// every threshold disabled each envelope is shipped on its own.
type Config struct {
	MaxInterval time.Duration
	MaxBytes    int
	MaxCount    int
}

// Unbatched reports whether every threshold is disabled.
func (c Config) Unbatched() bool {
	return c.MaxInterval <= 0 && c.MaxBytes <= 0 && c.MaxCount <= 0
}

// Dispatcher receives closed batches and tracks them to a terminal state.
type Dispatcher interface {
	// Dispatch hands a batch over for delivery. It may block to apply
	// backpressure until ctx is done. The returned channel is closed once the
	// batch is delivered or has failed.
	Dispatch(ctx context.Context, b Batch) (<-chan struct{}, error)
	// Wait blocks until every dispatched batch is terminal or ctx is done.
	Wait(ctx context.Context) error
}

// Queue buffers envelopes into batches.
//
// Queue is safe for concurrent use by multiple goroutines. Dispatch is called
// with the queue lock held, so batches reach the dispatcher in submission order.
// A sealed batch whose dispatch was interrupted stays queued, ahead of newer
// ones, until a later flush or Drain.
type Queue struct {
	cfg        Config
	dispatcher Dispatcher

	// closing is cancelled by Close to release callers blocked on backpressure
	closing context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	open      []envelope.Envelope
	openBytes int
	ready     []Batch
	timer     *time.Timer
	gen       uint64
	closed    bool
}

// New creates a queue that hands full batches to d.
func New(cfg Config, d Dispatcher) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:        cfg,
		dispatcher: d,
		closing:    ctx,
		cancel:     cancel,
	}
}

// Submit appends env to the open batch and dispatches the batch if a
// threshold has been reached.
func (q *Queue) Submit(env envelope.Envelope) error {
	_, err := q.submit(env)
	return err
}

// SubmitWait is Submit, except that when env completes a batch it also waits
// until that batch is delivered or has failed, or ctx is done.
func (q *Queue) SubmitWait(ctx context.Context, env envelope.Envelope) error {
	done, err := q.submit(env)
	if err != nil || done == nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit returns the completion channel of the batch holding env, or nil
// while env is still waiting in the open batch.
func (q *Queue) submit(env envelope.Envelope) (<-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	// Ship what we have first if this envelope would push the batch past the byte limit
	if q.cfg.MaxBytes > 0 && len(q.open) > 0 && q.openBytes+env.Size() > q.cfg.MaxBytes {
		q.sealLocked()
	}

	q.open = append(q.open, env)
	q.openBytes += env.Size()

	sealed := q.full()
	if sealed {
		q.sealLocked()
	} else if len(q.open) == 1 && q.cfg.MaxInterval > 0 {
		gen := q.gen
		q.timer = time.AfterFunc(q.cfg.MaxInterval, func() {
			q.onInterval(gen)
		})
	}

	done, err := q.dispatchLocked(q.closing)
	if err != nil {
		if q.closing.Err() != nil {
			// Held for Close to ship
			return nil, nil
		}
		return nil, err
	}
	if !sealed {
		return nil, nil
	}
	return done, nil
}

// Flush dispatches any partially filled batch and blocks until every
// dispatched batch reaches a terminal state. ctx bounds both the wait for a
// free delivery slot and the wait for completion; deliveries already in
// flight are not aborted.
func (q *Queue) Flush(ctx context.Context) error {
	dctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(q.closing, cancel)
	defer func() {
		stop()
		cancel()
	}()

	q.mu.Lock()
	q.sealLocked()
	_, err := q.dispatchLocked(dctx)
	q.mu.Unlock()
	if err != nil {
		return err
	}

	return q.dispatcher.Wait(ctx)
}

// Close flushes the queue and rejects further submissions. Batches that could
// not be dispatched before ctx was done remain available through Drain.
func (q *Queue) Close(ctx context.Context) error {
	q.cancel()

	q.mu.Lock()
	q.closed = true
	q.sealLocked()
	_, err := q.dispatchLocked(ctx)
	q.mu.Unlock()
	if err != nil {
		return err
	}

	return q.dispatcher.Wait(ctx)
}

// Drain removes and returns every envelope never handed to the dispatcher,
// grouped into batches in submission order.
func (q *Queue) Drain() []Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.sealLocked()
	out := q.ready
	q.ready = nil
	return out
}

// Pending returns the number of envelopes not yet handed to the dispatcher.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.open)
	for _, b := range q.ready {
		n += b.Len()
	}
	return n
}

func (q *Queue) full() bool {
	if q.cfg.Unbatched() {
		return true
	}
	if q.cfg.MaxCount > 0 && len(q.open) >= q.cfg.MaxCount {
		return true
	}
	if q.cfg.MaxBytes > 0 && q.openBytes >= q.cfg.MaxBytes {
		return true
	}
	return false
}

func (q *Queue) onInterval(gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// A newer batch was opened since this timer was armed
	if gen != q.gen {
		return
	}

	q.sealLocked()
	if _, err := q.dispatchLocked(q.closing); err != nil && q.closing.Err() == nil {
		slog.Error("interval flush failed", "error", err)
	}
}

// sealLocked closes the open batch. It must be called with q.mu held.
func (q *Queue) sealLocked() {
	if len(q.open) == 0 {
		return
	}

	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.gen++

	q.ready = append(q.ready, Batch{
		ID:        uuid.NewString(),
		Envelopes: q.open,
		Bytes:     q.openBytes,
	})
	q.open = nil
	q.openBytes = 0
}

// dispatchLocked hands sealed batches to the dispatcher in order and returns
// the completion channel of the last one. It must be called with q.mu held.
func (q *Queue) dispatchLocked(ctx context.Context) (<-chan struct{}, error) {
	var done <-chan struct{}
	for len(q.ready) > 0 {
		b := q.ready[0]
		slog.Debug("dispatching batch", "batch_id", b.ID, "events", b.Len(), "bytes", b.Bytes)

		d, err := q.dispatcher.Dispatch(ctx, b)
		if err != nil {
			return nil, err
		}
		q.ready = q.ready[1:]
		done = d
	}
	if len(q.ready) == 0 {
		q.ready = nil
	}
	return done, nil
}
