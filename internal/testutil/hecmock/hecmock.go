// Package hecmock provides a mock Splunk HEC event endpoint for tests.
package hecmock

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// EventPath is the collector path the mock accepts events on.
const EventPath = "/services/collector/event"

// HealthPath is the collector health endpoint.
const HealthPath = "/services/collector/health"

// ResponseMode defines the type of response the mock server should return.
type ResponseMode int

const (
	// ResponseOK returns 200 OK
	ResponseOK ResponseMode = iota
	// ResponseBadRequest returns 400 Bad Request
	ResponseBadRequest
	// ResponseUnauthorised returns 401 Unauthorised
	ResponseUnauthorised
	// ResponseForbidden returns 403 Forbidden
	ResponseForbidden
	// ResponseServerError returns 500 Internal Server Error
	ResponseServerError
	// ResponseServiceUnavailable returns 503 Service Unavailable
	ResponseServiceUnavailable
	// ResponseDrop drops the connection without responding
	ResponseDrop
)

func (r ResponseMode) String() string {
	switch r {
	case ResponseOK:
		return "ok"
	case ResponseBadRequest:
		return "bad_request"
	case ResponseUnauthorised:
		return "unauthorised"
	case ResponseForbidden:
		return "forbidden"
	case ResponseServerError:
		return "server_error"
	case ResponseServiceUnavailable:
		return "service_unavailable"
	case ResponseDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Event is the decoded form of one HEC event record.
type Event struct {
	Time       string `json:"time"`
	Host       string `json:"host"`
	Source     string `json:"source"`
	SourceType string `json:"sourcetype"`
	Index      string `json:"index"`
	Event      struct {
		ID       string         `json:"id"`
		Severity string         `json:"severity"`
		Logger   string         `json:"logger"`
		Message  string         `json:"message"`
		Data     map[string]any `json:"data"`
	} `json:"event"`
}

// RecordedRequest is one accepted POST to the event endpoint.
type RecordedRequest struct {
	Timestamp  time.Time
	Headers    http.Header
	Body       []byte
	Events     []Event
	Compressed bool
}

// MockHECServer simulates a Splunk HEC endpoint.
type MockHECServer struct {
	// Server is the underlying HTTP test server
	Server *httptest.Server
	// URL is the base URL of the mock server
	URL string
	// Token is the expected authorisation token
	Token string

	mu           sync.Mutex
	responseMode ResponseMode
	failNext     int
	failMode     ResponseMode
	delay        time.Duration
	requests     []RecordedRequest
	attempts     int

	verbose bool
}

// NewMockHECServer creates a new mock HEC server with the specified authorisation token.
func NewMockHECServer(token string) *MockHECServer {
	m := &MockHECServer{Token: token}
	m.Server = httptest.NewServer(http.HandlerFunc(m.handler))
	m.URL = m.Server.URL
	return m
}

// NewTLSMockHECServer is like NewMockHECServer but serves HTTPS with a
// self-signed certificate.
func NewTLSMockHECServer(token string) *MockHECServer {
	m := &MockHECServer{Token: token}
	m.Server = httptest.NewTLSServer(http.HandlerFunc(m.handler))
	m.URL = m.Server.URL
	return m
}

// NewVerboseMockHECServer creates a new mock HEC server that logs every request.
func NewVerboseMockHECServer(token string) *MockHECServer {
	m := NewMockHECServer(token)
	m.verbose = true
	return m
}

// EventURL returns the full URL of the event endpoint.
func (m *MockHECServer) EventURL() string {
	return m.URL + EventPath
}

func (m *MockHECServer) handler(w http.ResponseWriter, r *http.Request) {
	m.logEvent("request_received", "method", r.Method, "path", r.URL.Path)

	if d := m.getDelay(); d > 0 {
		time.Sleep(d)
	}

	if r.URL.Path == HealthPath {
		m.handleHealth(w, r)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != EventPath {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if r.Header.Get("Authorization") != "Splunk "+m.Token {
		m.logEvent("auth_failed", "received", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"text":"Token is required","code":2}`)
		return
	}

	mode := m.nextMode()

	if mode == ResponseDrop {
		m.logEvent("connection_dropped")
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, err := hj.Hijack()
			if err == nil {
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var bodyReader io.Reader = r.Body
	compressed := false
	if r.Header.Get("Content-Encoding") == "gzip" {
		compressed = true
		gzReader, err := gzip.NewReader(r.Body)
		if err != nil {
			http.Error(w, "Invalid gzip content", http.StatusBadRequest)
			return
		}
		defer gzReader.Close()
		bodyReader = gzReader
	}

	body, err := io.ReadAll(bodyReader)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	events, err := decodeEvents(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"text":"Invalid data format","code":6}`)
		return
	}

	if mode == ResponseOK {
		m.mu.Lock()
		m.requests = append(m.requests, RecordedRequest{
			Timestamp:  time.Now(),
			Headers:    r.Header.Clone(),
			Body:       body,
			Events:     events,
			Compressed: compressed,
		})
		m.mu.Unlock()
	}

	m.logEvent("request_handled", "events", len(events), "compressed", compressed, "bytes", len(body), "mode", mode)

	switch mode {
	case ResponseOK:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"text":"Success","code":0}`)
	case ResponseBadRequest:
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"text":"Invalid data format","code":6}`)
	case ResponseUnauthorised:
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"text":"Token is required","code":2}`)
	case ResponseForbidden:
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"text":"Invalid token","code":4}`)
	case ResponseServerError:
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"text":"Internal server error","code":8}`)
	case ResponseServiceUnavailable:
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"text":"Server is busy","code":9}`)
	}
}

func (m *MockHECServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Authorization") != "Splunk "+m.Token {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"text":"HEC is healthy","code":17}`)
}

// decodeEvents decodes a stream of concatenated event records.
func decodeEvents(body []byte) ([]Event, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	var events []Event
	for {
		var ev Event
		err := dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
}

// nextMode returns the response for the current request, consuming one
// scripted failure if any are left.
func (m *MockHECServer) nextMode() ResponseMode {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts++
	if m.failNext > 0 {
		m.failNext--
		return m.failMode
	}
	return m.responseMode
}

// SetResponse sets the response mode for subsequent requests.
func (m *MockHECServer) SetResponse(mode ResponseMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responseMode = mode
}

// FailNext answers the next n event posts with mode, then falls back to the
// configured response mode.
func (m *MockHECServer) FailNext(n int, mode ResponseMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failMode = mode
}

// SetDelay sets a delay before responding to requests.
func (m *MockHECServer) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

func (m *MockHECServer) getDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delay
}

// GetRequests returns all successfully accepted requests.
func (m *MockHECServer) GetRequests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]RecordedRequest, len(m.requests))
	copy(result, m.requests)
	return result
}

// Events returns every accepted event in arrival order.
func (m *MockHECServer) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []Event
	for _, r := range m.requests {
		events = append(events, r.Events...)
	}
	return events
}

// RequestCount returns the number of accepted requests.
func (m *MockHECServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Attempts returns the number of authorised event posts, accepted or not.
func (m *MockHECServer) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Reset clears all recorded requests and resets the response behaviour.
func (m *MockHECServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.attempts = 0
	m.failNext = 0
	m.responseMode = ResponseOK
	m.delay = 0
}

// Close shuts down the mock server.
func (m *MockHECServer) Close() {
	m.Server.Close()
}

func (m *MockHECServer) logEvent(event string, args ...any) {
	if !m.verbose {
		return
	}
	slog.Info(event, append([]any{"component", "hecmock"}, args...)...)
}
