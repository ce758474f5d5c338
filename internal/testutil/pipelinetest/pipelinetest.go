// Package pipelinetest runs a listener wired to a sender in-process, for
// end-to-end tests against a mock collector.
package pipelinetest

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/scottbrown/hecsender/internal/acl"
	"github.com/scottbrown/hecsender/internal/batch"
	"github.com/scottbrown/hecsender/internal/delivery"
	"github.com/scottbrown/hecsender/internal/processor"
	"github.com/scottbrown/hecsender/internal/sender"
	"github.com/scottbrown/hecsender/internal/server"
)

// HECConfig is the collector the instance delivers to.
type HECConfig struct {
	URL     string
	Token   string
	UseGzip bool
}

// TLSConfig represents TLS configuration for incoming connections.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Instance is a listener plus sender running in the test process.
type Instance struct {
	ListenAddr   string
	HECConfig    *HECConfig
	TLSConfig    *TLSConfig
	MaxLineBytes int
	AllowedCIDRs string
	Logger       string
	Retries      int
	Backoff      time.Duration
	Mode         delivery.Mode
	Batch        batch.Config
	OnFailure    sender.FailurePolicy
	DeadLetter   sender.DeadLetter

	Sender *sender.Sender
	Server *server.Server

	done chan error
	t    *testing.T
}

// Option is a functional option for configuring Instance.
type Option func(*Instance)

// WithHEC points the instance at a collector.
func WithHEC(url, token string, useGzip bool) Option {
	return func(i *Instance) {
		i.HECConfig = &HECConfig{URL: url, Token: token, UseGzip: useGzip}
	}
}

// WithTLS enables TLS for incoming connections.
func WithTLS(certFile, keyFile string) Option {
	return func(i *Instance) {
		i.TLSConfig = &TLSConfig{CertFile: certFile, KeyFile: keyFile}
	}
}

// WithMaxLineBytes sets the maximum line size.
func WithMaxLineBytes(maxBytes int) Option {
	return func(i *Instance) {
		i.MaxLineBytes = maxBytes
	}
}

// WithAllowedCIDRs sets the allowed CIDR list for access control.
func WithAllowedCIDRs(cidrs string) Option {
	return func(i *Instance) {
		i.AllowedCIDRs = cidrs
	}
}

// WithRetries sets the resend count and the first backoff interval.
func WithRetries(n int, backoff time.Duration) Option {
	return func(i *Instance) {
		i.Retries = n
		i.Backoff = backoff
	}
}

// WithMode selects sequential or parallel delivery.
func WithMode(m delivery.Mode) Option {
	return func(i *Instance) {
		i.Mode = m
	}
}

// WithBatch sets the batch thresholds.
func WithBatch(cfg batch.Config) Option {
	return func(i *Instance) {
		i.Batch = cfg
	}
}

// WithDeadLetter stores terminally failed batches in dl.
func WithDeadLetter(dl sender.DeadLetter) Option {
	return func(i *Instance) {
		i.DeadLetter = dl
	}
}

// New creates an instance listening on a free loopback port.
func New(t *testing.T, opts ...Option) *Instance {
	t.Helper()

	i := &Instance{
		ListenAddr:   "127.0.0.1:0",
		MaxLineBytes: server.DefaultMaxLineBytes,
		Logger:       "test",
		Backoff:      10 * time.Millisecond,
		t:            t,
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// Start builds the sender and starts the listener.
func (i *Instance) Start() error {
	i.t.Helper()

	if i.HECConfig == nil {
		return fmt.Errorf("no HEC configured")
	}

	retry := delivery.DefaultRetryConfig()
	retry.MaxRetries = i.Retries
	retry.InitialBackoff = i.Backoff
	retry.MaxBackoff = 10 * i.Backoff

	s, err := sender.New(sender.Config{
		URL:         i.HECConfig.URL,
		Token:       i.HECConfig.Token,
		UseGzip:     i.HECConfig.UseGzip,
		Mode:        i.Mode,
		Batch:       i.Batch,
		Retry:       retry,
		OnFailure:   i.OnFailure,
		DeadLetter:  i.DeadLetter,
		MaxInFlight: 4,
	})
	if err != nil {
		return fmt.Errorf("failed to create sender: %w", err)
	}
	i.Sender = s

	aclList, err := acl.New(i.AllowedCIDRs)
	if err != nil {
		return err
	}

	cfg := server.Config{
		Name:         "test",
		ListenAddr:   i.ListenAddr,
		MaxLineBytes: i.MaxLineBytes,
		Defaults:     processor.Defaults{Severity: "Info", Logger: i.Logger},
	}
	if i.TLSConfig != nil {
		cfg.TLSCertFile = i.TLSConfig.CertFile
		cfg.TLSKeyFile = i.TLSConfig.KeyFile
	}

	srv, err := server.New(cfg, aclList, s)
	if err != nil {
		return err
	}
	i.Server = srv

	i.done = make(chan error, 1)
	go func() {
		i.done <- srv.Start()
	}()

	return nil
}

// WaitForReady waits until the listener accepts connections.
func (i *Instance) WaitForReady(timeout time.Duration) error {
	i.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case err := <-i.done:
			return fmt.Errorf("listener exited prematurely: %v", err)
		default:
		}

		if addr := i.Server.Addr(); addr != nil {
			conn, err := net.DialTimeout("tcp", addr.String(), 100*time.Millisecond)
			if err == nil {
				conn.Close()
				i.ListenAddr = addr.String()
				return nil
			}
		}

		time.Sleep(20 * time.Millisecond)
	}

	return fmt.Errorf("timeout waiting for listener to be ready")
}

// Flush waits until every accepted event has been delivered or has failed.
func (i *Instance) Flush(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return i.Sender.Flush(ctx)
}

// Stop closes the listener and the sender.
func (i *Instance) Stop() error {
	i.t.Helper()

	var err error
	if i.Server != nil {
		err = i.Server.Stop()
	}
	if i.Sender != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cerr := i.Sender.Close(ctx); err == nil {
			err = cerr
		}
	}
	return err
}

// MustStart starts the instance and waits for it to be ready, or fails the test.
func (i *Instance) MustStart() {
	i.t.Helper()

	if err := i.Start(); err != nil {
		i.t.Fatalf("Failed to start pipeline: %v", err)
	}

	if err := i.WaitForReady(5 * time.Second); err != nil {
		i.t.Fatalf("Pipeline not ready: %v", err)
	}
}
