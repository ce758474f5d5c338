// Package hecsender ships structured log events to a Splunk HTTP Event
// Collector. It batches events, retries failed deliveries and reports
// terminal failures through a configurable policy.
package hecsender

import (
	"fmt"
)

// AppName is the name of the binary.
const AppName = "hecsender"

var (
	version string
	build   string
)

// Version returns the application version and build information.
// The version and build values are injected at compile time via ldflags.
func Version() string {
	return fmt.Sprintf("%s (%s)", version, build)
}
