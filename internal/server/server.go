// Package server accepts newline-delimited JSON log records over TCP or TLS
// and submits each record to the sender.
package server

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/scottbrown/hecsender/internal/acl"
	"github.com/scottbrown/hecsender/internal/audit"
	"github.com/scottbrown/hecsender/internal/batch"
	"github.com/scottbrown/hecsender/internal/envelope"
	"github.com/scottbrown/hecsender/internal/metrics"
	"github.com/scottbrown/hecsender/internal/processor"
)

// DefaultMaxLineBytes bounds a single inbound record when no limit is configured.
const DefaultMaxLineBytes = 1 << 20

// Config contains server configuration
type Config struct {
	Name         string
	ListenAddr   string
	TLSCertFile  string
	TLSKeyFile   string
	MaxLineBytes int
	Defaults     processor.Defaults
	// Audit records connection events. Nil disables auditing.
	Audit *audit.Logger
}

// Server is a TCP listener feeding a processor.Sink.
type Server struct {
	config Config
	sink   processor.Sink

	mu           sync.RWMutex
	acl          *acl.List
	maxLineBytes int
	listener     net.Listener
	conns        map[net.Conn]struct{}
	stopped      bool

	handlers sync.WaitGroup
}

// New creates a new server with the given configuration
func New(config Config, aclList *acl.List, sink processor.Sink) (*Server, error) {
	if sink == nil {
		return nil, errors.New("server requires a sink")
	}
	if aclList == nil {
		aclList = &acl.List{}
	}
	if config.MaxLineBytes <= 0 {
		config.MaxLineBytes = DefaultMaxLineBytes
	}
	if config.Name == "" {
		config.Name = config.ListenAddr
	}

	return &Server{
		config:       config,
		sink:         sink,
		acl:          aclList,
		maxLineBytes: config.MaxLineBytes,
		conns:        make(map[net.Conn]struct{}),
	}, nil
}

// Start listens on the configured address and serves connections until Stop
// is called.
func (s *Server) Start() error {
	ln, err := s.listen()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ln.Close()
	}
	s.listener = ln
	s.mu.Unlock()

	return s.acceptLoop(ln)
}

func (s *Server) listen() (net.Listener, error) {
	if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			return nil, err
		}

		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}

		ln, err := tls.Listen("tcp", s.config.ListenAddr, tlsConfig)
		if err != nil {
			return nil, err
		}
		slog.Info("server listening", "listener", s.config.Name, "addr", ln.Addr().String(), "tls_enabled", true)
		return ln, nil
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return nil, err
	}
	slog.Info("server listening", "listener", s.config.Name, "addr", ln.Addr().String(), "tls_enabled", false)
	return ln, nil
}

// Addr returns the bound address, or nil before Start has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for the
// connection handlers to return.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.handlers.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// UpdateACL replaces the allow list for new connections.
func (s *Server) UpdateACL(aclList *acl.List) {
	if aclList == nil {
		aclList = &acl.List{}
	}

	s.mu.Lock()
	s.acl = aclList
	s.mu.Unlock()

	slog.Info("ACL updated", "listener", s.config.Name, "networks", aclList.Len())
}

// UpdateMaxLineBytes changes the per-line limit for subsequent reads.
func (s *Server) UpdateMaxLineBytes(limit int) {
	if limit <= 0 {
		limit = DefaultMaxLineBytes
	}

	s.mu.Lock()
	s.maxLineBytes = limit
	s.mu.Unlock()
}

func (s *Server) allows(addr net.Addr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.acl.AllowsAddr(addr)
}

func (s *Server) getMaxLineBytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxLineBytes
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Warn("accept error", "listener", s.config.Name, "error", err)
			continue
		}

		if !s.allows(conn.RemoteAddr()) {
			metrics.ConnectionsRejected.Add(1)
			slog.Warn("connection denied by ACL", "listener", s.config.Name, "client_addr", conn.RemoteAddr().String())
			s.audit(audit.Event{
				EventType: audit.EventConnectionRejected,
				Actor:     conn.RemoteAddr().String(),
				Action:    "connect",
				Result:    "denied by ACL",
			}, "")
			if err := conn.Close(); err != nil {
				slog.Warn("failed to close denied connection", "error", err)
			}
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}

		go func() {
			defer s.handlers.Done()
			defer s.untrack(conn)
			s.handleConnection(conn)
		}()
	}
}

// track registers conn with the server; it fails once Stop has run.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	s.conns[conn] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	metrics.ConnectionsAccepted.Add(1)
	metrics.ConnectionsActive.Add(1)
	defer metrics.ConnectionsActive.Add(-1)

	connID := uuid.NewString()
	clientAddr := conn.RemoteAddr().String()
	slog.Info("connection accepted", "listener", s.config.Name, "conn_id", connID, "client_addr", clientAddr)
	s.audit(audit.Event{
		EventType: audit.EventConnectionAccepted,
		Success:   true,
		Actor:     clientAddr,
		Action:    "connect",
		Result:    "accepted",
	}, connID)

	var accepted, dropped int
	defer func() {
		s.audit(audit.Event{
			EventType: audit.EventConnectionClosed,
			Success:   true,
			Actor:     clientAddr,
			Action:    "disconnect",
			Result:    "closed",
			Details:   map[string]any{"accepted": accepted, "dropped": dropped},
		}, connID)
	}()

	br := bufio.NewReader(conn)

	for {
		line, err := processor.ReadLineLimited(br, s.getMaxLineBytes())
		if err != nil {
			if errors.Is(err, processor.ErrLineTooLong) {
				metrics.LinesProcessed.Add("oversized", 1)
				dropped++
				slog.Warn("line exceeds limit", "conn_id", connID, "client_addr", clientAddr, "limit", s.getMaxLineBytes())
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				slog.Debug("connection closed", "conn_id", connID, "client_addr", clientAddr)
				return
			}
			slog.Warn("read error", "conn_id", connID, "client_addr", clientAddr, "error", err)
			return
		}
		metrics.BytesReceived.Add(int64(len(line) + 1))

		record, err := processor.ParseLine(line, s.config.Defaults, false)
		if err != nil {
			metrics.LinesProcessed.Add("invalid", 1)
			dropped++
			slog.Warn("invalid record", "conn_id", connID, "client_addr", clientAddr,
				"error", err, "line", processor.Truncate(line, 200))
			continue
		}

		if err := processor.Deliver(s.sink, record); err != nil {
			if errors.Is(err, batch.ErrClosed) {
				slog.Debug("sender closed, dropping connection", "conn_id", connID)
				return
			}
			if errors.Is(err, envelope.ErrInvalidEnvelope) {
				metrics.LinesProcessed.Add("rejected", 1)
			}
			dropped++
			slog.Warn("submit failed", "conn_id", connID, "client_addr", clientAddr, "error", err)
			continue
		}
		metrics.LinesProcessed.Add("accepted", 1)
		accepted++
	}
}

func (s *Server) audit(event audit.Event, connID string) {
	if !s.config.Audit.Enabled() {
		return
	}
	event.Resource = s.config.Name
	event.ConnectionID = connID
	if err := s.config.Audit.Log(event); err != nil {
		slog.Warn("failed to write audit event", "listener", s.config.Name, "error", err)
	}
}
