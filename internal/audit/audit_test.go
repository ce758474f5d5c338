package audit

import (
	"bufio"
	stdjson "encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func TestNew_Disabled(t *testing.T) {
	logger, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New should succeed with disabled config: %v", err)
	}

	if logger.Enabled() {
		t.Error("logger should not be enabled")
	}
	if err := logger.Log(Event{EventType: EventConnectionAccepted}); err != nil {
		t.Errorf("Log should be no-op when disabled: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("Close should be no-op when disabled: %v", err)
	}
}

func TestNilLogger(t *testing.T) {
	var logger *Logger

	if logger.Enabled() {
		t.Error("nil logger should not be enabled")
	}
	if err := logger.Log(Event{}); err != nil {
		t.Errorf("nil Log returned %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("nil Close returned %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"json", Config{Enabled: true, LogFile: "a.log", Format: FormatJSON}, false},
		{"cef", Config{Enabled: true, LogFile: "a.log", Format: FormatCEF}, false},
		{"default format", Config{Enabled: true, LogFile: "a.log"}, false},
		{"missing file", Config{Enabled: true}, true},
		{"bad format", Config{Enabled: true, LogFile: "a.log", Format: "xml"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_UnwritablePath(t *testing.T) {
	_, err := New(Config{Enabled: true, LogFile: filepath.Join(t.TempDir(), "missing", "audit.log")})
	if err == nil {
		t.Error("expected error for a file in a missing directory")
	}
}

func TestLogger_Log_JSON(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "audit.log")

	logger, err := New(Config{Enabled: true, LogFile: logFile, Format: FormatJSON})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	logger.now = func() time.Time { return fixed }

	if err := logger.Log(Event{
		EventType:    EventConnectionRejected,
		Actor:        "192.0.2.10",
		Resource:     "app",
		Action:       "connect",
		Result:       "rejected",
		Details:      map[string]any{"reason": "acl"},
		ConnectionID: "c-1",
	}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	lines := readLines(t, logFile)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}

	var got Event
	if err := stdjson.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !got.Timestamp.Equal(fixed) || got.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp should be %v in UTC, got %v", fixed, got.Timestamp)
	}
	if got.EventType != EventConnectionRejected || got.Actor != "192.0.2.10" || got.ConnectionID != "c-1" {
		t.Errorf("unexpected event %+v", got)
	}
	if got.Details["reason"] != "acl" {
		t.Errorf("unexpected details %v", got.Details)
	}
}

func TestLogger_Log_CEF(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "audit.cef")

	logger, err := New(Config{Enabled: true, LogFile: logFile, Format: FormatCEF})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer logger.Close()

	if err := logger.Log(Event{EventType: EventServerStart, Success: true, Actor: "system", Action: "start", Result: "ok"}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	lines := readLines(t, logFile)
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "CEF:0|") {
		t.Errorf("expected one CEF line, got %v", lines)
	}
}

func TestLogger_LogAfterClose(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "audit.log")

	logger, err := New(Config{Enabled: true, LogFile: logFile})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
	if err := logger.Log(Event{EventType: EventServerStop}); err != nil {
		t.Errorf("Log after Close returned %v", err)
	}
	if lines := readLines(t, logFile); len(lines) != 0 {
		t.Errorf("expected no lines after close, got %d", len(lines))
	}
}

func TestLogger_Append(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "audit.log")

	for i := 0; i < 2; i++ {
		logger, err := New(Config{Enabled: true, LogFile: logFile})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if err := logger.Log(Event{EventType: EventServerStart, Success: true}); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
		logger.Close()
	}

	if lines := readLines(t, logFile); len(lines) != 2 {
		t.Errorf("expected reopened log to append, got %d lines", len(lines))
	}

	info, err := os.Stat(logFile)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("audit log permissions = %v, want 0600", info.Mode().Perm())
	}
}

func TestLogger_ConcurrentWrites(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "audit.log")

	logger, err := New(Config{Enabled: true, LogFile: logFile})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = logger.Log(Event{EventType: EventConnectionAccepted, Success: true})
		}()
	}
	wg.Wait()
	logger.Close()

	lines := readLines(t, logFile)
	if len(lines) != n {
		t.Fatalf("expected %d lines, got %d", n, len(lines))
	}
	for i, line := range lines {
		if !stdjson.Valid([]byte(line)) {
			t.Errorf("line %d is not valid JSON: %s", i, line)
		}
	}
}
