package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/scottbrown/hecsender/internal/batch"
	"github.com/scottbrown/hecsender/internal/metrics"
)

// ErrClosed is returned when dispatching to a closed controller.
var ErrClosed = errors.New("delivery controller is closed")

// DefaultMaxInFlight bounds concurrent deliveries in parallel mode.
const DefaultMaxInFlight = 4

// Mode selects how many batches may be in flight at once.
type Mode int

const (
	// Sequential allows one batch in flight; batches reach the collector in
	// submission order.
	Sequential Mode = iota
	// Parallel allows up to MaxInFlight batches in flight, in no particular order.
	Parallel
)

func (m Mode) String() string {
	switch m {
	case Sequential:
		return "sequential"
	case Parallel:
		return "parallel"
	default:
		return "unknown"
	}
}

// ParseMode parses "sequential" or "parallel". An empty string is Sequential.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sequential":
		return Sequential, nil
	case "parallel":
		return Parallel, nil
	default:
		return Sequential, fmt.Errorf("unknown delivery mode %q (must be sequential or parallel)", s)
	}
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Mode        Mode
	MaxInFlight int
	Observer    Observer
}

// Controller schedules dispatched batches onto the resend policy. It
// implements batch.Dispatcher.
type Controller struct {
	policy   *Policy
	mode     Mode
	sem      *semaphore.Weighted
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending int
	idle    chan struct{}
	closed  bool
}

// NewController creates a controller delivering through p.
func NewController(p *Policy, cfg ControllerConfig) *Controller {
	slots := int64(1)
	if cfg.Mode == Parallel {
		slots = int64(cfg.MaxInFlight)
		if slots <= 0 {
			slots = DefaultMaxInFlight
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &Controller{
		policy:   p,
		mode:     cfg.Mode,
		sem:      semaphore.NewWeighted(slots),
		observer: cfg.Observer,
		ctx:      ctx,
		cancel:   cancel,
		idle:     idle,
	}
}

// Mode returns the delivery mode.
func (c *Controller) Mode() Mode {
	return c.mode
}

// Dispatch starts delivery of b. It blocks while every in-flight slot is
// taken; in sequential mode that means until the previous batch is terminal.
// The wait ends early when ctx is done or the controller is closed. The
// returned channel is closed once b reaches a terminal state.
func (c *Controller) Dispatch(ctx context.Context, b batch.Batch) (<-chan struct{}, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		if c.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("dispatch batch %s: %w", b.ID, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.sem.Release(1)
		return nil, ErrClosed
	}
	c.beginLocked()
	c.mu.Unlock()

	metrics.InFlight.Inc()
	metrics.BatchEvents.Observe(float64(b.Len()))

	done := make(chan struct{})
	go c.deliver(NewAttempt(b, c.observer), done)
	return done, nil
}

func (c *Controller) deliver(a *Attempt, done chan<- struct{}) {
	defer close(done)
	defer c.done()
	defer c.sem.Release(1)
	defer metrics.InFlight.Dec()

	start := time.Now()
	_, err := c.policy.SendWithRetry(c.ctx, a)
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.BatchesTotal.WithLabelValues("failed").Inc()
		return
	}
	metrics.BatchesTotal.WithLabelValues("delivered").Inc()
}

// beginLocked must be called with c.mu held.
func (c *Controller) beginLocked() {
	if c.pending == 0 {
		c.idle = make(chan struct{})
	}
	c.pending++
}

func (c *Controller) done() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending--
	if c.pending == 0 {
		close(c.idle)
	}
}

// InFlight returns the number of batches not yet terminal.
func (c *Controller) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Wait blocks until every dispatched batch is terminal or ctx is done.
// Expiry of ctx does not affect the deliveries themselves.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further dispatches and waits for outstanding deliveries. If
// ctx expires first, remaining retries are abandoned and the batches fail.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	err := c.Wait(ctx)
	c.cancel()
	if err != nil {
		// Cancelled deliveries finish promptly; let them report their failure
		_ = c.Wait(context.Background())
	}
	return err
}
