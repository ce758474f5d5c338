// Package dlq keeps batches that could not be delivered to HEC.
// Each failed batch becomes one NDJSON line holding its event records and the
// reason for the failure, so the events can be inspected or re-sent later.
package dlq

import (
	"bytes"
	stdjson "encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/scottbrown/hecsender/internal/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Entry is one dead-lettered batch.
type Entry struct {
	Timestamp string               `json:"timestamp"` // ISO 8601 timestamp of failure
	BatchID   string               `json:"batch_id"`
	Attempts  int                  `json:"attempts"`
	Error     string               `json:"error"`
	Events    []stdjson.RawMessage `json:"events"` // HEC event records as sent
}

// Writer appends failed batches to daily files named dlq-YYYY-MM-DD.ndjson.
//
// Writer is safe for concurrent use by multiple goroutines.
type Writer struct {
	baseDir string
	file    *os.File
	curDay  string
	now     func() time.Time
	mu      sync.Mutex
}

// New creates a new DLQ Writer for the given directory.
// The directory is created if it does not exist.
func New(baseDir string) (*Writer, error) {
	if err := ensureDir(baseDir); err != nil {
		return nil, err
	}

	return &Writer{
		baseDir: baseDir,
		now:     time.Now,
	}, nil
}

// Write records a batch that failed after attempts tries. Each element of
// records is one encoded event; trailing newlines are stripped.
func (w *Writer) Write(batchID string, attempts int, records [][]byte, cause error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now().UTC()
	day := now.Format("2006-01-02")

	if day != w.curDay {
		if w.file != nil {
			if closeErr := w.file.Close(); closeErr != nil {
				return closeErr
			}
			w.file = nil
		}

		var openErr error
		w.file, openErr = w.openDayFile(day)
		if openErr != nil {
			return openErr
		}
		w.curDay = day
	}

	entry := Entry{
		Timestamp: now.Format(time.RFC3339),
		BatchID:   batchID,
		Attempts:  attempts,
		Events:    make([]stdjson.RawMessage, 0, len(records)),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	for _, r := range records {
		entry.Events = append(entry.Events, stdjson.RawMessage(bytes.TrimRight(r, "\n")))
	}

	jsonData, marshalErr := json.Marshal(entry)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal DLQ entry: %w", marshalErr)
	}

	if _, writeErr := w.file.Write(append(jsonData, '\n')); writeErr != nil {
		return writeErr
	}

	metrics.LinesProcessed.Add("dlq", int64(len(records)))
	slog.Debug("wrote batch to DLQ", "batch_id", batchID, "events", len(records), "error", entry.Error)
	return nil
}

// Close closes the current day's file if open.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.curDay = ""
	return err
}

// openDayFile opens or creates the DLQ file for the given day.
func (w *Writer) openDayFile(day string) (*os.File, error) {
	filename := filepath.Join(w.baseDir, fmt.Sprintf("dlq-%s.ndjson", day))
	// #nosec G304 -- baseDir comes from config and day from the clock
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	slog.Info("opened DLQ file", "path", filename)
	return file, nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// CurrentFile returns the path to the current day's DLQ file, or "" if none is open.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ""
	}
	return w.file.Name()
}
