// Package audit writes a security audit trail of listener connections,
// configuration reloads and terminal delivery failures to a dedicated file,
// as JSON lines or CEF records.
package audit

import (
	"fmt"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventType represents the type of audit event.
type EventType string

const (
	EventConnectionAccepted EventType = "connection.accepted"
	EventConnectionRejected EventType = "connection.rejected"
	EventConnectionClosed   EventType = "connection.closed"
	EventConfigChange       EventType = "config.changed"
	EventDeliveryFailed     EventType = "delivery.failed"
	EventServerStart        EventType = "server.start"
	EventServerStop         EventType = "server.stop"
)

// Formats accepted by Config.Format.
const (
	FormatJSON = "json"
	FormatCEF  = "cef"
)

// Event is one audit record.
type Event struct {
	Timestamp    time.Time      `json:"timestamp"`
	EventType    EventType      `json:"event_type"`
	Success      bool           `json:"success"`
	Actor        string         `json:"actor"` // client address or "system"
	Resource     string         `json:"resource,omitempty"`
	Action       string         `json:"action"`
	Result       string         `json:"result"`
	Details      map[string]any `json:"details,omitempty"`
	ConnectionID string         `json:"connection_id,omitempty"`
}

// Config holds audit logging configuration.
type Config struct {
	Enabled bool
	LogFile string
	Format  string // "json" (default) or "cef"
}

// Validate checks the settings of an enabled audit log.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.LogFile == "" {
		return fmt.Errorf("audit log file is required")
	}
	switch c.Format {
	case "", FormatJSON, FormatCEF:
		return nil
	default:
		return fmt.Errorf("unknown audit format %q (must be json or cef)", c.Format)
	}
}

// Logger appends events to the audit file. A nil or disabled Logger
// discards every event.
//
// Logger is safe for concurrent use by multiple goroutines.
type Logger struct {
	file   *os.File
	mu     sync.Mutex
	cfg    Config
	now    func() time.Time
	closed bool
}

// New opens the audit file with owner-only permissions. A disabled config
// yields a no-op Logger.
func New(cfg Config) (*Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return &Logger{cfg: cfg, now: time.Now}, nil
	}

	// #nosec G304 -- path comes from configuration
	f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &Logger{file: f, cfg: cfg, now: time.Now}, nil
}

// Log timestamps event and writes it, syncing the file before returning.
func (al *Logger) Log(event Event) error {
	if al == nil {
		return nil
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	if al.file == nil || al.closed {
		return nil
	}

	event.Timestamp = al.now().UTC()

	var line []byte
	if al.cfg.Format == FormatCEF {
		line = formatCEF(event)
	} else {
		var err error
		if line, err = json.Marshal(event); err != nil {
			return err
		}
	}

	if _, err := al.file.Write(append(line, '\n')); err != nil {
		return err
	}
	return al.file.Sync()
}

// Close closes the audit file. Later events are discarded.
func (al *Logger) Close() error {
	if al == nil {
		return nil
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	if al.file == nil || al.closed {
		return nil
	}
	al.closed = true
	return al.file.Close()
}

// Enabled reports whether events are being written.
func (al *Logger) Enabled() bool {
	return al != nil && al.cfg.Enabled && al.file != nil
}
