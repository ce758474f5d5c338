package dlq

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultRetentionInterval is how often old DLQ files are swept.
const DefaultRetentionInterval = time.Hour

// RetentionPolicy decides when daily DLQ files are compressed or removed.
// A zero age disables that step.
type RetentionPolicy struct {
	MaxAgeDays        int
	CompressAfterDays int
	CheckInterval     time.Duration
}

// Enabled reports whether the policy does anything.
func (p RetentionPolicy) Enabled() bool {
	return p.MaxAgeDays > 0 || p.CompressAfterDays > 0
}

// SweepResult summarises one retention pass.
type SweepResult struct {
	Deleted    int
	Compressed int
	BytesFreed int64
}

// Retention ages out the files a Writer leaves in its directory.
type Retention struct {
	policy RetentionPolicy
	dir    string
	now    func() time.Time
}

// NewRetention returns a Retention for the DLQ files in dir.
func NewRetention(dir string, policy RetentionPolicy) *Retention {
	if policy.CheckInterval <= 0 {
		policy.CheckInterval = DefaultRetentionInterval
	}
	return &Retention{policy: policy, dir: dir, now: time.Now}
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (r *Retention) Run(ctx context.Context) {
	if !r.policy.Enabled() {
		slog.Debug("DLQ retention disabled")
		return
	}

	slog.Info("starting DLQ retention",
		"dir", r.dir,
		"max_age_days", r.policy.MaxAgeDays,
		"compress_after_days", r.policy.CompressAfterDays,
		"check_interval", r.policy.CheckInterval)

	r.Sweep()

	ticker := time.NewTicker(r.policy.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-ctx.Done():
			slog.Debug("DLQ retention stopped")
			return
		}
	}
}

// Sweep compresses and deletes files according to the policy.
func (r *Retention) Sweep() SweepResult {
	var res SweepResult

	today := r.now().UTC().Truncate(24 * time.Hour)
	var deleteCutoff, compressCutoff time.Time
	if r.policy.MaxAgeDays > 0 {
		deleteCutoff = today.AddDate(0, 0, -r.policy.MaxAgeDays)
	}
	if r.policy.CompressAfterDays > 0 {
		compressCutoff = today.AddDate(0, 0, -r.policy.CompressAfterDays)
	}

	for _, pattern := range []string{"dlq-????-??-??.ndjson", "dlq-????-??-??.ndjson.gz"} {
		files, err := filepath.Glob(filepath.Join(r.dir, pattern))
		if err != nil {
			slog.Error("failed to list DLQ files", "dir", r.dir, "error", err)
			continue
		}

		for _, file := range files {
			day, ok := fileDay(file)
			if !ok {
				slog.Warn("failed to parse date from DLQ filename", "file", file)
				continue
			}

			if !deleteCutoff.IsZero() && day.Before(deleteCutoff) {
				size, err := removeFile(file)
				if err != nil {
					slog.Error("failed to delete old DLQ file", "file", file, "error", err)
					continue
				}
				res.Deleted++
				res.BytesFreed += size
				slog.Info("deleted old DLQ file", "file", filepath.Base(file), "size_bytes", size)
				continue
			}

			if !compressCutoff.IsZero() && day.Before(compressCutoff) && !strings.HasSuffix(file, ".gz") {
				orig, compressed, err := compressFile(file)
				if err != nil {
					slog.Error("failed to compress DLQ file", "file", file, "error", err)
					continue
				}
				res.Compressed++
				res.BytesFreed += orig - compressed
				slog.Info("compressed old DLQ file",
					"file", filepath.Base(file),
					"original_size", orig,
					"compressed_size", compressed)
			}
		}
	}

	if res.Deleted > 0 || res.Compressed > 0 {
		slog.Info("DLQ retention sweep complete",
			"files_deleted", res.Deleted,
			"files_compressed", res.Compressed,
			"bytes_freed", res.BytesFreed)
	}
	return res
}

// fileDay extracts the day from names like dlq-2025-01-15.ndjson(.gz).
func fileDay(path string) (time.Time, bool) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".gz")
	base = strings.TrimSuffix(base, ".ndjson")
	base = strings.TrimPrefix(base, "dlq-")

	day, err := time.Parse("2006-01-02", base)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

func removeFile(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return 0, fmt.Errorf("failed to remove file: %w", err)
	}
	return info.Size(), nil
}

// compressFile gzips path to path.gz and removes the original.
func compressFile(path string) (origSize, compressedSize int64, err error) {
	// #nosec G304 -- path comes from a glob over the DLQ directory
	in, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer in.Close()

	outPath := path + ".gz"
	// #nosec G304 -- path comes from a glob over the DLQ directory
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create gzip file: %w", err)
	}

	gz := gzip.NewWriter(out)
	origSize, err = io.Copy(gz, in)
	if err == nil {
		err = gz.Close()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(outPath)
		return 0, 0, fmt.Errorf("failed to write compressed data: %w", err)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to stat compressed file: %w", err)
	}

	if err := os.Remove(path); err != nil {
		slog.Warn("compressed DLQ file but failed to delete original", "file", path, "error", err)
	}

	return origSize, info.Size(), nil
}
