// Package tailer follows log files and submits each new line to the sender.
// A line holding a JSON record is parsed as one; any other text becomes the
// message of an event built from the file's default severity and logger.
package tailer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/hpcloud/tail"

	"github.com/scottbrown/hecsender/internal/batch"
	"github.com/scottbrown/hecsender/internal/metrics"
	"github.com/scottbrown/hecsender/internal/processor"
)

// Config describes one followed file.
type Config struct {
	Path     string
	Logger   string
	Severity string
	// FromStart reads the existing content before following. By default only
	// lines appended after startup are sent.
	FromStart bool
	// Poll watches the file by polling instead of inotify.
	Poll         bool
	MaxLineBytes int
}

// Tailer follows a single file.
type Tailer struct {
	config   Config
	defaults processor.Defaults
	sink     processor.Sink
}

// New returns a Tailer for cfg. The logger defaults to the file's base name.
func New(cfg Config, sink processor.Sink) (*Tailer, error) {
	if cfg.Path == "" {
		return nil, errors.New("tail path is required")
	}
	if sink == nil {
		return nil, errors.New("tailer requires a sink")
	}
	if cfg.Logger == "" {
		cfg.Logger = filepath.Base(cfg.Path)
	}

	return &Tailer{
		config:   cfg,
		defaults: processor.Defaults{Severity: cfg.Severity, Logger: cfg.Logger},
		sink:     sink,
	}, nil
}

// Path returns the followed file.
func (t *Tailer) Path() string {
	return t.config.Path
}

// Run follows the file until ctx is cancelled or the sender is closed.
func (t *Tailer) Run(ctx context.Context) error {
	whence := io.SeekEnd
	if t.config.FromStart {
		whence = io.SeekStart
	}

	tf, err := tail.TailFile(t.config.Path, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     t.config.Poll,
		Location: &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		return err
	}
	defer tf.Cleanup()
	defer func() {
		_ = tf.Stop()
	}()

	slog.Info("tailing file", "path", t.config.Path, "logger", t.config.Logger, "from_start", t.config.FromStart)

	for {
		select {
		case line, ok := <-tf.Lines:
			if !ok {
				return tf.Err()
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				slog.Warn("tail read error", "path", t.config.Path, "error", line.Err)
				continue
			}
			if err := t.handleLine(line.Text); errors.Is(err, batch.ErrClosed) {
				slog.Debug("sender closed, stopping tail", "path", t.config.Path)
				return nil
			}

		case <-ctx.Done():
			slog.Debug("tail stopped", "path", t.config.Path)
			return nil
		}
	}
}

func (t *Tailer) handleLine(text string) error {
	metrics.BytesReceived.Add(int64(len(text) + 1))

	if t.config.MaxLineBytes > 0 && len(text) > t.config.MaxLineBytes {
		metrics.LinesProcessed.Add("oversized", 1)
		slog.Warn("line exceeds limit", "path", t.config.Path, "limit", t.config.MaxLineBytes)
		return nil
	}

	record, err := processor.ParseLine([]byte(text), t.defaults, true)
	if err != nil {
		// blank lines are common in plain-text logs
		metrics.LinesProcessed.Add("invalid", 1)
		return nil
	}

	if err := processor.Deliver(t.sink, record); err != nil {
		if !errors.Is(err, batch.ErrClosed) {
			slog.Warn("submit failed", "path", t.config.Path, "error", err)
		}
		return err
	}
	metrics.LinesProcessed.Add("accepted", 1)
	return nil
}
