// Package forwarder sends batches of event envelopes to a Splunk HEC endpoint.
package forwarder

import (
	"context"

	"github.com/scottbrown/hecsender/internal/batch"
)

// Forwarder defines the transport used to ship one batch to the collector.
type Forwarder interface {
	// Send serialises the batch, posts it to the collector and interprets the
	// response. Any failure is returned as a *TransportError.
	Send(ctx context.Context, b batch.Batch) (Ack, error)

	// HealthCheck verifies that the endpoint is reachable and the token is valid.
	HealthCheck(ctx context.Context) error
}
