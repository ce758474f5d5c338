// Package delivery drives batches to a terminal state: the resend policy
// retries a failed transport call within a budget, and the controller decides
// how many batches may be in flight at once.
package delivery

import (
	"github.com/scottbrown/hecsender/internal/batch"
)

// State is the lifecycle stage of a batch delivery.
type State int

const (
	// StatePending means the batch is dispatched but no attempt has started.
	StatePending State = iota
	// StateInFlight means a transport call for the batch is in progress.
	StateInFlight
	// StateDelivered is terminal: the collector acknowledged the batch.
	StateDelivered
	// StateFailed means the last attempt failed. It is terminal once the retry
	// budget is spent.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in-flight"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Observer is told about every state transition of every batch.
type Observer func(batchID string, from, to State)

// Attempt tracks one batch from dispatch to a terminal state. It is owned by a
// single goroutine at a time and is not safe for concurrent use.
type Attempt struct {
	Batch   batch.Batch
	Count   int
	LastErr error
	State   State

	observe Observer
}

// NewAttempt returns a pending attempt for b.
func NewAttempt(b batch.Batch, observe Observer) *Attempt {
	return &Attempt{
		Batch:   b,
		State:   StatePending,
		observe: observe,
	}
}

func (a *Attempt) transition(to State) {
	from := a.State
	a.State = to
	if a.observe != nil {
		a.observe(a.Batch.ID, from, to)
	}
}
