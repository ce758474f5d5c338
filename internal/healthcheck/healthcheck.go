// Package healthcheck serves an HTTP health endpoint reporting whether the
// sender's most recent batch was delivered.
package healthcheck

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Path is the endpoint served by the health server.
const Path = "/healthz"

// CheckFunc reports the current health; nil means healthy.
type CheckFunc func() error

type status struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Server represents a simple HTTP healthcheck server
type Server struct {
	addr     string
	check    CheckFunc
	listener net.Listener
	server   *http.Server
}

// New creates a new healthcheck server with the given address
func New(addr string, check CheckFunc) (*Server, error) {
	if check == nil {
		return nil, errors.New("healthcheck requires a check function")
	}
	return &Server{
		addr:  addr,
		check: check,
	}, nil
}

// Handler returns the health endpoint handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.serveHealth)
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	resp := status{Status: "ok"}
	code := http.StatusOK

	if err := s.check(); err != nil {
		resp = status{Status: "unhealthy", Error: err.Error()}
		code = http.StatusServiceUnavailable
	}

	slog.Debug("healthcheck request", "client_addr", r.RemoteAddr, "status", resp.Status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Debug("failed to write healthcheck response", "error", err)
	}
}

// Start starts the healthcheck server in the background
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	slog.Debug("healthcheck server started", "addr", s.listener.Addr().String())

	go func() {
		if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("healthcheck server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the healthcheck server
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}
