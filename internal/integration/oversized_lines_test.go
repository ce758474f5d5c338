//go:build integration

package integration

import (
	"testing"

	"github.com/scottbrown/hecsender/internal/testutil/hecmock"
	"github.com/scottbrown/hecsender/internal/testutil/lineclient"
	"github.com/scottbrown/hecsender/internal/testutil/pipelinetest"
)

// TestOversizedLines verifies that lines over the limit are dropped and the
// connection keeps serving the lines after them.
func TestOversizedLines(t *testing.T) {
	hec := hecmock.NewMockHECServer("test-token-oversized")
	defer hec.Close()

	const limit = 1024

	p := pipelinetest.New(t,
		pipelinetest.WithHEC(hec.EventURL(), "test-token-oversized", false),
		pipelinetest.WithMaxLineBytes(limit),
	)
	defer p.Stop()
	p.MustStart()

	lines := []string{
		lineclient.Record("Info", "app", "before"),
		lineclient.OversizedLine(limit * 4),
		lineclient.OversizedLine(limit),
		lineclient.Record("Info", "app", "after"),
	}
	sendFixture(t, p.ListenAddr, lines)

	events := waitForEvents(t, hec, 3)
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[0].Event.Message != "before" || events[2].Event.Message != "after" {
		t.Errorf("Unexpected events: %q ... %q", events[0].Event.Message, events[2].Event.Message)
	}
	if len(events[1].Event.Message) != limit-len(`{"level":"Info","message":""}`) {
		t.Errorf("Line at the limit was altered: %d bytes", len(events[1].Event.Message))
	}
}
