package tailer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottbrown/hecsender/internal/batch"
	"github.com/scottbrown/hecsender/internal/envelope"
)

type event struct {
	severity string
	message  string
	source   string
	detail   *envelope.ErrorDetail
}

type fakeSink struct {
	mu     sync.Mutex
	events []event
	err    error
}

func (f *fakeSink) Send(id, severity, message string, fields map[string]any, detail *envelope.ErrorDetail, meta envelope.Metadata, opts ...envelope.Option) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event{severity: severity, message: message, source: meta.Source, detail: detail})
	return nil
}

func (f *fakeSink) snapshot() []event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]event(nil), f.events...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func runTailer(t *testing.T, tl *Tailer) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tl.Run(ctx)
	}()
	t.Cleanup(cancel)
	return cancel, done
}

func TestNew(t *testing.T) {
	sink := &fakeSink{}

	_, err := New(Config{}, sink)
	assert.Error(t, err)

	_, err = New(Config{Path: "/var/log/app.log"}, nil)
	assert.Error(t, err)

	tl, err := New(Config{Path: "/var/log/app.log", Severity: "Warning"}, sink)
	require.NoError(t, err)
	assert.Equal(t, "/var/log/app.log", tl.Path())
	assert.Equal(t, "app.log", tl.defaults.Logger)
	assert.Equal(t, "Warning", tl.defaults.Severity)
}

func TestRun_FromStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "plain first line\n"+`{"level":"Error","message":"json line","exception":{"type":"IOError","message":"disk"}}`+"\n")

	sink := &fakeSink{}
	tl, err := New(Config{Path: path, Logger: "app", Severity: "Info", FromStart: true, Poll: true}, sink)
	require.NoError(t, err)

	cancel, done := runTailer(t, tl)

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, 5*time.Second, 20*time.Millisecond)

	events := sink.snapshot()
	assert.Equal(t, event{severity: "Info", message: "plain first line", source: "app"}, events[0])
	assert.Equal(t, "Error", events[1].severity)
	assert.Equal(t, "json line", events[1].message)
	require.NotNil(t, events[1].detail)
	assert.Equal(t, "IOError", events[1].detail.Type)

	appendFile(t, path, "appended\n")
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 3 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "appended", sink.snapshot()[2].message)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tailer did not stop after cancel")
	}
}

func TestRun_SkipsBlankAndOversizedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "\n   \n"+strings.Repeat("x", 100)+"\nkept\n")

	sink := &fakeSink{}
	tl, err := New(Config{Path: path, FromStart: true, Poll: true, MaxLineBytes: 50}, sink)
	require.NoError(t, err)

	runTailer(t, tl)

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "kept", sink.snapshot()[0].message)
	assert.Equal(t, "app.log", sink.snapshot()[0].source)
}

func TestRun_StopsWhenSenderClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	writeFile(t, path, "line\n")

	sink := &fakeSink{err: batch.ErrClosed}
	tl, err := New(Config{Path: path, FromStart: true, Poll: true}, sink)
	require.NoError(t, err)

	_, done := runTailer(t, tl)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tailer did not stop after the sender closed")
	}
}

func TestHandleLine_DefaultSeverity(t *testing.T) {
	sink := &fakeSink{}
	tl, err := New(Config{Path: "/tmp/x.log"}, sink)
	require.NoError(t, err)

	require.NoError(t, tl.handleLine("no severity configured"))
	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "Info", events[0].severity)
}
