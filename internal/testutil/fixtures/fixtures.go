// Package fixtures provides NDJSON log records for tests.
package fixtures

import (
	"embed"
	"path"
	"strings"
	"testing"
)

//go:embed testdata/*.ndjson
var files embed.FS

// Fixture names.
const (
	// ValidRecords holds three well-formed records from one logger.
	ValidRecords = "valid-records.ndjson"
	// MalformedRecords mixes two valid records with four unusable lines.
	MalformedRecords = "malformed-records.ndjson"
	// EdgeCases holds blank lines, non-ASCII text, a bare record and a CRLF line.
	EdgeCases = "edge-cases.ndjson"
)

// LoadFixture loads a fixture file and returns its content as a slice of lines.
// Each line represents one NDJSON record.
func LoadFixture(t *testing.T, name string) []string {
	t.Helper()

	content := LoadFixtureBytes(t, name)
	lines := strings.Split(string(content), "\n")

	// Remove trailing empty line if present
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	return lines
}

// LoadFixtureBytes loads a fixture file and returns its raw content as bytes.
func LoadFixtureBytes(t *testing.T, name string) []byte {
	t.Helper()

	content, err := files.ReadFile(path.Join("testdata", name))
	if err != nil {
		t.Fatalf("Failed to load fixture %s: %v", name, err)
	}

	return content
}

// Names lists the available fixtures.
func Names() []string {
	entries, err := files.ReadDir("testdata")
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
