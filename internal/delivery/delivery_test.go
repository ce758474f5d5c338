package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottbrown/hecsender/internal/batch"
	"github.com/scottbrown/hecsender/internal/forwarder"
)

// scriptedTransport fails the first failures calls, then succeeds.
type scriptedTransport struct {
	mu       sync.Mutex
	failures int
	calls    []string
	delay    time.Duration
	active   atomic.Int32
	peak     atomic.Int32
}

func (s *scriptedTransport) Send(ctx context.Context, b batch.Batch) (forwarder.Ack, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return forwarder.Ack{}, &forwarder.TransportError{Cause: ctx.Err()}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, b.ID)
	if s.failures < 0 || len(s.calls) <= s.failures {
		return forwarder.Ack{}, &forwarder.TransportError{
			StatusCode: 503,
			Cause:      fmt.Errorf("attempt %d unavailable", len(s.calls)),
		}
	}
	return forwarder.Ack{Text: "Success"}, nil
}

func (s *scriptedTransport) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func fastRetry(n int) RetryConfig {
	return RetryConfig{
		MaxRetries:     n,
		InitialBackoff: time.Millisecond,
		Multiplier:     2,
		MaxBackoff:     5 * time.Millisecond,
	}
}

type handlerRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (h *handlerRecorder) handle(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *handlerRecorder) Errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func TestSendWithRetry_ZeroRetriesSingleAttempt(t *testing.T) {
	for _, failures := range []int{0, -1} {
		t.Run(fmt.Sprintf("failures=%d", failures), func(t *testing.T) {
			tr := &scriptedTransport{failures: failures}
			rec := &handlerRecorder{}
			p := NewPolicy(tr, fastRetry(0), rec.handle)

			a := NewAttempt(batch.Batch{ID: "b1"}, nil)
			_, err := p.SendWithRetry(context.Background(), a)

			assert.Len(t, tr.Calls(), 1)
			assert.Equal(t, 1, a.Count)
			if failures == 0 {
				assert.NoError(t, err)
				assert.Equal(t, StateDelivered, a.State)
				assert.Empty(t, rec.Errors())
				return
			}

			var derr *DeliveryError
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, 1, derr.Attempts)
			assert.Equal(t, StateFailed, a.State)
			assert.Len(t, rec.Errors(), 1)
		})
	}
}

func TestSendWithRetry_PersistentFailureMakesNPlusOneAttempts(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("retries=%d", n), func(t *testing.T) {
			tr := &scriptedTransport{failures: -1}
			rec := &handlerRecorder{}
			p := NewPolicy(tr, fastRetry(n), rec.handle)

			a := NewAttempt(batch.Batch{ID: "b1"}, nil)
			_, err := p.SendWithRetry(context.Background(), a)
			require.Error(t, err)

			assert.Len(t, tr.Calls(), n+1)
			assert.Equal(t, n+1, a.Count)

			errs := rec.Errors()
			require.Len(t, errs, 1)

			var derr *DeliveryError
			require.ErrorAs(t, errs[0], &derr)
			assert.Equal(t, "b1", derr.BatchID)
			assert.Equal(t, n+1, derr.Attempts)
			assert.Contains(t, derr.Cause.Error(), fmt.Sprintf("attempt %d", n+1))

			var te *forwarder.TransportError
			assert.ErrorAs(t, err, &te)
		})
	}
}

func TestSendWithRetry_SucceedsOnThirdAttempt(t *testing.T) {
	tr := &scriptedTransport{failures: 2}
	rec := &handlerRecorder{}
	p := NewPolicy(tr, fastRetry(3), rec.handle)

	a := NewAttempt(batch.Batch{ID: "b1"}, nil)
	ack, err := p.SendWithRetry(context.Background(), a)

	require.NoError(t, err)
	assert.Equal(t, "Success", ack.Text)
	assert.Len(t, tr.Calls(), 3)
	assert.Equal(t, 3, a.Count)
	assert.Nil(t, a.LastErr)
	assert.Empty(t, rec.Errors())
}

func TestSendWithRetry_OneRetryAlwaysFailing(t *testing.T) {
	tr := &scriptedTransport{failures: -1}
	rec := &handlerRecorder{}
	p := NewPolicy(tr, fastRetry(1), rec.handle)

	_, err := p.SendWithRetry(context.Background(), NewAttempt(batch.Batch{ID: "b1"}, nil))
	require.Error(t, err)

	assert.Len(t, tr.Calls(), 2)
	errs := rec.Errors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "attempt 2 unavailable")
}

func TestSendWithRetry_NonTransportErrorIsNotRetried(t *testing.T) {
	calls := 0
	tr := transportFunc(func(ctx context.Context, b batch.Batch) (forwarder.Ack, error) {
		calls++
		return forwarder.Ack{}, errors.New("not a transport failure")
	})

	p := NewPolicy(tr, fastRetry(3), nil)
	_, err := p.SendWithRetry(context.Background(), NewAttempt(batch.Batch{ID: "b1"}, nil))

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestSendWithRetry_PanickingHandlerIsRecovered(t *testing.T) {
	tr := &scriptedTransport{failures: -1}
	p := NewPolicy(tr, fastRetry(0), func(err error) {
		panic("handler exploded")
	})

	assert.NotPanics(t, func() {
		_, err := p.SendWithRetry(context.Background(), NewAttempt(batch.Batch{ID: "b1"}, nil))
		assert.Error(t, err)
	})
}

func TestSendWithRetry_StopsWhenContextCancelled(t *testing.T) {
	tr := &scriptedTransport{failures: -1}
	rec := &handlerRecorder{}
	p := NewPolicy(tr, RetryConfig{
		MaxRetries:     10,
		InitialBackoff: time.Hour,
	}, rec.handle)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := p.SendWithRetry(ctx, NewAttempt(batch.Batch{ID: "b1"}, nil))
	require.Error(t, err)

	assert.Len(t, tr.Calls(), 1)
	assert.Len(t, rec.Errors(), 1)
}

func TestSendWithRetry_StateTransitions(t *testing.T) {
	tr := &scriptedTransport{failures: 1}
	var transitions []string
	observe := func(id string, from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	}

	p := NewPolicy(tr, fastRetry(2), nil)
	_, err := p.SendWithRetry(context.Background(), NewAttempt(batch.Batch{ID: "b1"}, observe))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"pending>in-flight",
		"in-flight>failed",
		"failed>in-flight",
		"in-flight>delivered",
	}, transitions)
}

func TestNewPolicy_Defaults(t *testing.T) {
	p := NewPolicy(nil, RetryConfig{MaxRetries: -3}, nil)
	cfg := p.Config()

	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 2.0, cfg.Multiplier)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
}

func TestBackOff_MonotonicAndCapped(t *testing.T) {
	p := NewPolicy(nil, RetryConfig{
		MaxRetries:     8,
		InitialBackoff: 100 * time.Millisecond,
		Multiplier:     2,
		MaxBackoff:     time.Second,
	}, nil)

	b := p.newBackOff(context.Background())
	var prev time.Duration
	for i := 0; i < 8; i++ {
		next := b.NextBackOff()
		assert.GreaterOrEqual(t, next, prev)
		assert.LessOrEqual(t, next, time.Second)
		prev = next
	}
	assert.Equal(t, time.Second, prev)
}

type transportFunc func(ctx context.Context, b batch.Batch) (forwarder.Ack, error)

func (f transportFunc) Send(ctx context.Context, b batch.Batch) (forwarder.Ack, error) {
	return f(ctx, b)
}

func dispatch(t *testing.T, c *Controller, b batch.Batch) <-chan struct{} {
	t.Helper()
	done, err := c.Dispatch(context.Background(), b)
	require.NoError(t, err)
	return done
}

func TestController_SequentialPreservesOrder(t *testing.T) {
	tr := &scriptedTransport{delay: 2 * time.Millisecond}
	c := NewController(NewPolicy(tr, fastRetry(0), nil), ControllerConfig{Mode: Sequential})

	var want []string
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("b%02d", i)
		want = append(want, id)
		dispatch(t, c, batch.Batch{ID: id})
	}

	require.NoError(t, c.Wait(context.Background()))
	assert.Equal(t, want, tr.Calls())
	assert.Equal(t, int32(1), tr.peak.Load())
}

func TestController_SequentialRetriesBeforeNextBatch(t *testing.T) {
	tr := &scriptedTransport{failures: 2}
	c := NewController(NewPolicy(tr, fastRetry(3), nil), ControllerConfig{Mode: Sequential})

	dispatch(t, c, batch.Batch{ID: "first"})
	dispatch(t, c, batch.Batch{ID: "second"})
	require.NoError(t, c.Wait(context.Background()))

	assert.Equal(t, []string{"first", "first", "first", "second"}, tr.Calls())
}

func TestController_ParallelBoundsInFlight(t *testing.T) {
	tr := &scriptedTransport{delay: 20 * time.Millisecond}
	c := NewController(NewPolicy(tr, fastRetry(0), nil), ControllerConfig{Mode: Parallel, MaxInFlight: 3})

	for i := 0; i < 12; i++ {
		dispatch(t, c, batch.Batch{ID: fmt.Sprintf("b%d", i)})
	}

	require.NoError(t, c.Wait(context.Background()))
	assert.Len(t, tr.Calls(), 12)
	assert.LessOrEqual(t, tr.peak.Load(), int32(3))
	assert.Greater(t, tr.peak.Load(), int32(1))
}

func TestController_ParallelDefaultSlots(t *testing.T) {
	tr := &scriptedTransport{delay: 20 * time.Millisecond}
	c := NewController(NewPolicy(tr, fastRetry(0), nil), ControllerConfig{Mode: Parallel})

	for i := 0; i < 10; i++ {
		dispatch(t, c, batch.Batch{ID: fmt.Sprintf("b%d", i)})
	}
	require.NoError(t, c.Wait(context.Background()))
	assert.LessOrEqual(t, tr.peak.Load(), int32(DefaultMaxInFlight))
}

func TestController_WaitOnIdleReturnsImmediately(t *testing.T) {
	tr := &scriptedTransport{}
	c := NewController(NewPolicy(tr, fastRetry(0), nil), ControllerConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, c.Wait(ctx))
	assert.Empty(t, tr.Calls())
	assert.Equal(t, 0, c.InFlight())
}

func TestController_WaitTimeoutDoesNotAbortDelivery(t *testing.T) {
	tr := &scriptedTransport{delay: 50 * time.Millisecond}
	rec := &handlerRecorder{}
	c := NewController(NewPolicy(tr, fastRetry(0), rec.handle), ControllerConfig{})

	dispatch(t, c, batch.Batch{ID: "slow"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)

	require.NoError(t, c.Wait(context.Background()))
	assert.Equal(t, []string{"slow"}, tr.Calls())
	assert.Empty(t, rec.Errors())
}

func TestController_CloseTimeoutCancelsRetries(t *testing.T) {
	tr := &scriptedTransport{failures: -1}
	rec := &handlerRecorder{}
	p := NewPolicy(tr, RetryConfig{MaxRetries: 100, InitialBackoff: time.Hour}, rec.handle)
	c := NewController(p, ControllerConfig{})

	dispatch(t, c, batch.Batch{ID: "doomed"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.InFlight())
	assert.Len(t, rec.Errors(), 1)

	_, err = c.Dispatch(context.Background(), batch.Batch{ID: "late"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestController_DispatchDoneClosesWhenTerminal(t *testing.T) {
	tr := &scriptedTransport{delay: 20 * time.Millisecond}
	c := NewController(NewPolicy(tr, fastRetry(0), nil), ControllerConfig{})

	done := dispatch(t, c, batch.Batch{ID: "one"})
	select {
	case <-done:
		t.Fatal("done closed before delivery finished")
	default:
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done not closed after delivery")
	}
	assert.Equal(t, []string{"one"}, tr.Calls())
}

func TestController_DispatchWaitBoundedByContext(t *testing.T) {
	tr := &scriptedTransport{failures: -1}
	p := NewPolicy(tr, RetryConfig{MaxRetries: 100, InitialBackoff: time.Hour}, nil)
	c := NewController(p, ControllerConfig{Mode: Sequential})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_ = c.Close(ctx)
	}()

	dispatch(t, c, batch.Batch{ID: "retrying"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Dispatch(ctx, batch.Batch{ID: "waiting"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, c.InFlight())
}

func TestController_CloseReleasesBlockedDispatch(t *testing.T) {
	tr := &scriptedTransport{failures: -1}
	p := NewPolicy(tr, RetryConfig{MaxRetries: 100, InitialBackoff: time.Hour}, nil)
	c := NewController(p, ControllerConfig{Mode: Sequential})

	dispatch(t, c, batch.Batch{ID: "retrying"})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Dispatch(context.Background(), batch.Batch{ID: "waiting"})
		errCh <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Close(ctx), context.DeadlineExceeded)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked dispatch not released by Close")
	}
	assert.NotContains(t, tr.Calls(), "waiting")
}

func TestController_FailedBatchDoesNotBlockNext(t *testing.T) {
	tr := transportFunc(func(ctx context.Context, b batch.Batch) (forwarder.Ack, error) {
		if b.ID == "bad" {
			return forwarder.Ack{}, &forwarder.TransportError{StatusCode: 400, Cause: errors.New("bad request")}
		}
		return forwarder.Ack{}, nil
	})
	rec := &handlerRecorder{}
	c := NewController(NewPolicy(tr, fastRetry(1), rec.handle), ControllerConfig{})

	dispatch(t, c, batch.Batch{ID: "bad"})
	dispatch(t, c, batch.Batch{ID: "good"})
	require.NoError(t, c.Wait(context.Background()))

	errs := rec.Errors()
	require.Len(t, errs, 1)
	var derr *DeliveryError
	require.ErrorAs(t, errs[0], &derr)
	assert.Equal(t, "bad", derr.BatchID)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", Sequential, false},
		{"sequential", Sequential, false},
		{"Parallel", Parallel, false},
		{" parallel ", Parallel, false},
		{"burst", Sequential, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.String(), got.String())
		})
	}
}

func TestDeliveryError(t *testing.T) {
	cause := &forwarder.TransportError{StatusCode: 500, Cause: errors.New("boom")}
	err := &DeliveryError{BatchID: "b1", Attempts: 3, Cause: cause}

	assert.Contains(t, err.Error(), "b1")
	assert.Contains(t, err.Error(), "3 attempt(s)")
	assert.ErrorIs(t, err, cause)
}
