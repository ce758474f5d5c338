package healthcheck

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestNew(t *testing.T) {
	srv, err := New(":0", func() error { return nil })
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.addr != ":0" {
		t.Errorf("New() addr = %v, want :0", srv.addr)
	}

	if _, err := New(":0", nil); err == nil {
		t.Error("New() without a check function should fail")
	}
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name       string
		check      CheckFunc
		wantStatus int
		wantBody   string
	}{
		{
			name:       "healthy",
			check:      func() error { return nil },
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"ok"}`,
		},
		{
			name:       "unhealthy",
			check:      func() error { return errors.New("delivery of batch b1 failed") },
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `{"status":"unhealthy","error":"delivery of batch b1 failed"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := New(":0", tt.check)

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Path, nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tt.wantBody {
				t.Errorf("body = %s, want %s", got, tt.wantBody)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
		})
	}
}

func TestHandler_UnknownPath(t *testing.T) {
	srv, _ := New(":0", func() error { return nil })

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestServerStartStop(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv, err := New("127.0.0.1:0", func() error {
		if healthy.Load() {
			return nil
		}
		return errors.New("down")
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if srv.Addr() != nil {
		t.Error("Addr() should be nil before Start")
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	url := "http://" + srv.Addr().String() + Path

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	healthy.Store(false)
	resp, err = http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, err := http.Get(url); err == nil {
		t.Error("expected request to fail after Stop")
	}
}

func TestServerStart_InvalidAddr(t *testing.T) {
	srv, _ := New("invalid-address:99999", func() error { return nil })
	if err := srv.Start(); err == nil {
		t.Error("Start() with invalid address should fail")
	}
}

func TestStop_NotStarted(t *testing.T) {
	srv, _ := New(":0", func() error { return nil })
	if err := srv.Stop(); err != nil {
		t.Errorf("Stop() before Start should succeed: %v", err)
	}
}
