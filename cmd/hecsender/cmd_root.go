package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/scottbrown/hecsender"
	"github.com/scottbrown/hecsender/internal/acl"
	"github.com/scottbrown/hecsender/internal/audit"
	"github.com/scottbrown/hecsender/internal/config"
	"github.com/scottbrown/hecsender/internal/delivery"
	"github.com/scottbrown/hecsender/internal/dlq"
	"github.com/scottbrown/hecsender/internal/healthcheck"
	"github.com/scottbrown/hecsender/internal/metrics"
	"github.com/scottbrown/hecsender/internal/processor"
	"github.com/scottbrown/hecsender/internal/sender"
	"github.com/scottbrown/hecsender/internal/server"
	"github.com/scottbrown/hecsender/internal/tailer"
)

const (
	shutdownTimeout    = 30 * time.Second
	healthCheckTimeout = 10 * time.Second
)

var rootCmd = &cobra.Command{
	Use:          hecsender.AppName,
	Short:        "Ship structured log events to Splunk HEC",
	Long:         "Receives log records over TCP/TLS and from tailed files, batches them and delivers them to a Splunk HTTP Event Collector with retries.",
	Version:      hecsender.Version(),
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(cmd.ErrOrStderr(), logLevel)
	},
	RunE: handleRootCmd,
}

// parseLogLevel maps a --log-level value to a slog level.
func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
}

func setupLogging(w io.Writer, levelName string) {
	level, err := parseLogLevel(levelName)
	if err != nil {
		fmt.Fprintf(w, "%v, using info\n", err)
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Convert all timestamps to UTC
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.TimeValue(t.UTC())
				}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(handler))
}

// loadConfig reads the configuration file (if any) and applies flag overrides.
// Validation is left to the caller.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	applyFlagOverrides(cfg, cmd)
	return cfg, nil
}

func applyFlagOverrides(cfg *config.Config, cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("hec-url") {
		cfg.HEC.URL = hecURL
	}
	if flags.Changed("hec-token") {
		cfg.HEC.Token = hecToken
	}
	if flags.Changed("retries") {
		cfg.HEC.RetriesOnError = retries
	}
	if flags.Changed("ignore-ssl-errors") {
		cfg.HEC.IgnoreSSLErrors = ignoreSSLErrors
	}
	if flags.Changed("gzip") {
		cfg.HEC.Gzip = gzipHEC
	}
	if flags.Changed("mode") {
		cfg.HEC.Mode = deliveryMode
	}
	if flags.Changed("on-failure") {
		cfg.HEC.OnFailure = onFailure
	}
	if flags.Lookup("metrics-addr") != nil && flags.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
}

// newSender builds the sender described by cfg, attaching a DLQ writer when
// the DLQ is enabled. The writer, if any, must be closed after the sender.
// Terminal delivery failures are recorded in auditLog.
func newSender(cfg *config.Config, auditLog *audit.Logger) (*sender.Sender, *dlq.Writer, error) {
	sc, err := cfg.SenderConfig()
	if err != nil {
		return nil, nil, err
	}

	if auditLog.Enabled() {
		sc.ErrorHandler = func(err error) {
			event := audit.Event{
				EventType: audit.EventDeliveryFailed,
				Actor:     "system",
				Resource:  cfg.HEC.URL,
				Action:    "deliver",
				Result:    err.Error(),
			}
			var de *delivery.DeliveryError
			if errors.As(err, &de) {
				event.Details = map[string]any{
					"batch_id": de.BatchID,
					"attempts": de.Attempts,
					"events":   de.Batch.Len(),
				}
			}
			if aerr := auditLog.Log(event); aerr != nil {
				slog.Warn("failed to write audit event", "error", aerr)
			}
		}
	}

	var dlqWriter *dlq.Writer
	if cfg.HEC.DLQ.Enabled {
		dlqWriter, err = dlq.New(cfg.HEC.DLQ.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize DLQ: %w", err)
		}
		sc.DeadLetter = dlqWriter
		slog.Info("initialized DLQ", "dir", cfg.HEC.DLQ.Dir)
	}

	s, err := sender.New(sc)
	if err != nil {
		if dlqWriter != nil {
			_ = dlqWriter.Close()
		}
		return nil, nil, err
	}
	return s, dlqWriter, nil
}

func handleRootCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	metrics.Init(hecsender.Version())

	metricsSrv, err := metrics.StartServer(cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	if metricsSrv != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)

	reload := make(chan struct{}, 1)
	go func() {
		for range hupCh {
			select {
			case reload <- struct{}{}:
			default:
			}
		}
	}()

	return run(ctx, cfg, reload, runOptions{
		configPath:         configFile,
		startupHealthCheck: !skipHealthCheck,
	})
}

type runOptions struct {
	configPath         string
	startupHealthCheck bool
	shutdownTimeout    time.Duration
}

// run drives the configured inputs into a sender until ctx is done or an
// input fails, then flushes outstanding events.
func run(ctx context.Context, cfg *config.Config, reload <-chan struct{}, opts runOptions) error {
	if len(cfg.Listeners) == 0 && len(cfg.Tail) == 0 {
		return errors.New("no inputs configured: add at least one listener or tail entry")
	}
	if opts.shutdownTimeout <= 0 {
		opts.shutdownTimeout = shutdownTimeout
	}

	auditLog, err := audit.New(cfg.Audit.LoggerConfig())
	if err != nil {
		return err
	}
	defer auditLog.Close()

	s, dlqWriter, err := newSender(cfg, auditLog)
	if err != nil {
		return err
	}
	if dlqWriter != nil {
		defer dlqWriter.Close()
	}

	if opts.startupHealthCheck {
		slog.Info("testing Splunk HEC connectivity")
		hctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		err := s.HealthCheck(hctx)
		cancel()
		if err != nil {
			_ = s.Close(context.Background())
			return fmt.Errorf("Splunk HEC health check failed: %w", err)
		}
		slog.Info("Splunk HEC connectivity verified")
	}

	if cfg.HealthCheckEnabled {
		healthSrv, err := healthcheck.New(cfg.HealthCheckAddr, s.Healthy)
		if err == nil {
			err = healthSrv.Start()
		}
		if err != nil {
			_ = s.Close(context.Background())
			return fmt.Errorf("failed to start healthcheck server: %w", err)
		}
		defer healthSrv.Stop()
		slog.Info("healthcheck server listening", "addr", healthSrv.Addr().String())
	}

	if dlqWriter != nil && cfg.HEC.DLQ.RetentionPolicy().Enabled() {
		rctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go dlq.NewRetention(cfg.HEC.DLQ.Dir, cfg.HEC.DLQ.RetentionPolicy()).Run(rctx)
	}

	in, err := startInputs(ctx, cfg, s, auditLog)
	if err != nil {
		_ = s.Close(context.Background())
		return err
	}
	logSystemEvent(auditLog, audit.EventServerStart, "start", hecsender.Version())
	defer logSystemEvent(auditLog, audit.EventServerStop, "stop", "")

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			slog.Info("received signal, initiating graceful shutdown")
			break loop
		case <-reload:
			slog.Info("received SIGHUP, reloading configuration")
			if err := reloadListeners(opts.configPath, cfg, in.servers); err != nil {
				slog.Error("failed to reload configuration", "error", err)
				_ = auditLog.Log(audit.Event{EventType: audit.EventConfigChange, Actor: "system", Action: "reload", Result: err.Error()})
			} else {
				slog.Info("configuration reloaded successfully")
				_ = auditLog.Log(audit.Event{EventType: audit.EventConfigChange, Success: true, Actor: "system", Action: "reload", Result: "applied"})
			}
		case err := <-in.errCh:
			slog.Error("input failed, shutting down", "error", err)
			runErr = err
			break loop
		}
	}

	if err := in.stop(); err != nil {
		slog.Warn("input shutdown error", "error", err)
	}

	slog.Info("flushing outstanding events", "pending", s.Pending())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer cancel()

	if err := s.Close(shutdownCtx); err != nil {
		slog.Error("sender shutdown error", "error", err)
		runErr = multierr.Append(runErr, err)
	}

	return runErr
}

// inputs are the running listeners and tailers feeding a sender.
type inputs struct {
	servers map[string]*server.Server
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errCh   chan error
}

func logSystemEvent(auditLog *audit.Logger, t audit.EventType, action, result string) {
	if err := auditLog.Log(audit.Event{EventType: t, Success: true, Actor: "system", Action: action, Result: result}); err != nil {
		slog.Warn("failed to write audit event", "error", err)
	}
}

func startInputs(ctx context.Context, cfg *config.Config, sink processor.Sink, auditLog *audit.Logger) (*inputs, error) {
	tctx, cancel := context.WithCancel(ctx)
	in := &inputs{
		servers: make(map[string]*server.Server, len(cfg.Listeners)),
		cancel:  cancel,
		errCh:   make(chan error, len(cfg.Listeners)+len(cfg.Tail)),
	}

	for _, l := range cfg.Listeners {
		aclList, err := acl.New(l.AllowedCIDRs)
		if err != nil {
			_ = in.stop()
			return nil, fmt.Errorf("listener %s: failed to initialize ACL: %w", l.Name, err)
		}

		var certFile, keyFile string
		if l.TLS != nil {
			certFile = l.TLS.CertFile
			keyFile = l.TLS.KeyFile
		}

		srv, err := server.New(server.Config{
			Name:         l.Name,
			ListenAddr:   l.ListenAddr,
			TLSCertFile:  certFile,
			TLSKeyFile:   keyFile,
			MaxLineBytes: l.MaxLineBytes,
			Defaults:     processor.Defaults{Severity: l.Severity, Logger: l.Logger},
			Audit:        auditLog,
		}, aclList, sink)
		if err != nil {
			_ = in.stop()
			return nil, fmt.Errorf("listener %s: %w", l.Name, err)
		}
		in.servers[l.Name] = srv

		name := l.Name
		in.wg.Add(1)
		go func() {
			defer in.wg.Done()
			slog.Info("starting listener", "listener", name)
			if err := srv.Start(); err != nil {
				in.errCh <- fmt.Errorf("listener %s: %w", name, err)
			}
		}()
	}

	for _, tc := range cfg.Tail {
		tl, err := tailer.New(tailer.Config{
			Path:         tc.Path,
			Logger:       tc.Logger,
			Severity:     tc.Severity,
			FromStart:    tc.FromStart,
			Poll:         tc.Poll,
			MaxLineBytes: tc.MaxLineBytes,
		}, sink)
		if err != nil {
			_ = in.stop()
			return nil, fmt.Errorf("tail %s: %w", tc.Path, err)
		}

		in.wg.Add(1)
		go func() {
			defer in.wg.Done()
			if err := tl.Run(tctx); err != nil {
				in.errCh <- fmt.Errorf("tail %s: %w", tl.Path(), err)
			}
		}()
	}

	return in, nil
}

// stop closes every listener, cancels the tailers and waits for them to return.
func (in *inputs) stop() error {
	in.cancel()

	var errs error
	for name, srv := range in.servers {
		if err := srv.Stop(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("listener %s: %w", name, err))
		}
	}

	in.wg.Wait()
	return errs
}

// reloadListeners re-reads the configuration file and applies the settings
// that can change at runtime: each listener's ACL and line limit. Added or
// removed listeners need a restart and are only reported.
func reloadListeners(configPath string, current *config.Config, servers map[string]*server.Server) error {
	if configPath == "" {
		return errors.New("no configuration file to reload")
	}

	newCfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	type update struct {
		srv   *server.Server
		acl   *acl.List
		limit int
	}
	var updates []update

	for _, l := range newCfg.Listeners {
		srv, ok := servers[l.Name]
		if !ok {
			slog.Warn("new listener requires restart", "listener", l.Name)
			continue
		}
		if l.MaxLineBytes < 0 {
			return fmt.Errorf("listener %s: max_line_bytes must not be negative", l.Name)
		}
		aclList, err := acl.New(l.AllowedCIDRs)
		if err != nil {
			return fmt.Errorf("listener %s: invalid CIDR list: %w", l.Name, err)
		}
		updates = append(updates, update{srv: srv, acl: aclList, limit: l.MaxLineBytes})
	}

	for _, u := range updates {
		u.srv.UpdateACL(u.acl)
		u.srv.UpdateMaxLineBytes(u.limit)
	}

	for i := range current.Listeners {
		for _, l := range newCfg.Listeners {
			if l.Name == current.Listeners[i].Name {
				current.Listeners[i].AllowedCIDRs = l.AllowedCIDRs
				current.Listeners[i].MaxLineBytes = l.MaxLineBytes
			}
		}
	}

	if newCfg.HEC.URL != current.HEC.URL || newCfg.HEC.Token != current.HEC.Token || newCfg.HEC.Mode != current.HEC.Mode {
		slog.Warn("HEC settings change requires restart")
	}

	return nil
}
