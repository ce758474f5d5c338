// Package config handles loading and validation of application configuration.
// It supports YAML-based configuration files, a .env file for credentials,
// and provides sensible defaults.
package config

import (
	"crypto/tls"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/scottbrown/hecsender/internal/acl"
	"github.com/scottbrown/hecsender/internal/audit"
	"github.com/scottbrown/hecsender/internal/batch"
	"github.com/scottbrown/hecsender/internal/circuitbreaker"
	"github.com/scottbrown/hecsender/internal/delivery"
	"github.com/scottbrown/hecsender/internal/dlq"
	"github.com/scottbrown/hecsender/internal/envelope"
	"github.com/scottbrown/hecsender/internal/sender"
)

const (
	// DefaultMaxLineBytes is the default maximum size for a single log line (1 MiB).
	DefaultMaxLineBytes int = 1 << 20
	// DefaultHealthCheckAddr is the default address for the health check server.
	DefaultHealthCheckAddr string = ":9099"
	// DefaultClientTimeoutSeconds bounds a single HTTP request to the collector.
	DefaultClientTimeoutSeconds int = 15
	// DefaultDLQDir is where failed batches are written when the DLQ is enabled.
	DefaultDLQDir string = "./dlq"
	// DefaultSeverity is used for tailed lines that carry no level.
	DefaultSeverity string = "Info"
)

// Environment variables that override the HEC credentials. They may also be
// set in a .env file in the working directory.
const (
	EnvHECURL   = "HECSENDER_HEC_URL"
	EnvHECToken = "HECSENDER_HEC_TOKEN"
)

//go:embed config.template.yml
var configTemplate string

// MetadataConfig holds the indexing defaults applied to every event.
type MetadataConfig struct {
	Index      string `yaml:"index"`
	Source     string `yaml:"source"`
	SourceType string `yaml:"source_type"`
	Host       string `yaml:"host"`
}

// BatchConfig holds the flush thresholds. Zero disables a threshold.
type BatchConfig struct {
	MaxIntervalMS int `yaml:"max_interval_ms"`
	MaxBytes      int `yaml:"max_bytes"`
	MaxCount      int `yaml:"max_count"`
}

// RetryConfig holds the backoff schedule between resends. Zero values fall
// back to the delivery defaults.
type RetryConfig struct {
	InitialBackoffMS  int     `yaml:"initial_backoff_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	MaxBackoffSeconds int     `yaml:"max_backoff_seconds"`
}

// CircuitBreakerConfig holds configuration for the circuit breaker pattern.
// The circuit breaker prevents cascading failures by temporarily stopping
// requests to a failing collector.
type CircuitBreakerConfig struct {
	Enabled          *bool `yaml:"enabled"`
	FailureThreshold int   `yaml:"failure_threshold"`
	SuccessThreshold int   `yaml:"success_threshold"`
	Timeout          int   `yaml:"timeout_seconds"`
	HalfOpenMaxCalls int   `yaml:"half_open_max_calls"`
}

// DLQConfig controls the dead-letter queue for terminally failed batches.
type DLQConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	// MaxAgeDays deletes daily DLQ files older than this (0 keeps them).
	MaxAgeDays int `yaml:"max_age_days"`
	// CompressAfterDays gzips daily DLQ files older than this (0 disables).
	CompressAfterDays int `yaml:"compress_after_days"`
}

// RetentionPolicy converts the DLQ age limits.
func (d DLQConfig) RetentionPolicy() dlq.RetentionPolicy {
	return dlq.RetentionPolicy{
		MaxAgeDays:        d.MaxAgeDays,
		CompressAfterDays: d.CompressAfterDays,
	}
}

// HECConfig holds Splunk HEC (HTTP Event Collector) configuration.
type HECConfig struct {
	URL                  string               `yaml:"url"`
	Token                string               `yaml:"token"`
	RetriesOnError       int                  `yaml:"retries_on_error"`
	IgnoreSSLErrors      bool                 `yaml:"ignore_ssl_errors"`
	Gzip                 bool                 `yaml:"gzip"`
	ClientTimeoutSeconds int                  `yaml:"client_timeout_seconds"`
	Mode                 string               `yaml:"mode"`
	MaxInFlight          int                  `yaml:"max_in_flight"`
	OnFailure            string               `yaml:"on_failure"`
	Metadata             MetadataConfig       `yaml:"metadata"`
	Batch                BatchConfig          `yaml:"batch"`
	Retry                RetryConfig          `yaml:"retry"`
	CircuitBreaker       CircuitBreakerConfig `yaml:"circuit_breaker"`
	DLQ                  DLQConfig            `yaml:"dlq"`
}

// TLSConfig holds TLS certificate configuration for encrypted connections.
// Both CertFile and KeyFile must be specified together.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ListenerConfig holds configuration for a single TCP listener accepting
// newline-delimited JSON records.
type ListenerConfig struct {
	Name         string     `yaml:"name"`
	ListenAddr   string     `yaml:"listen_addr"`
	TLS          *TLSConfig `yaml:"tls"`
	AllowedCIDRs string     `yaml:"allowed_cidrs"`
	MaxLineBytes int        `yaml:"max_line_bytes"`
	Severity     string     `yaml:"severity"`
	Logger       string     `yaml:"logger"`
}

// TailConfig describes a followed log file.
type TailConfig struct {
	Path         string `yaml:"path"`
	Logger       string `yaml:"logger"`
	Severity     string `yaml:"severity"`
	FromStart    bool   `yaml:"from_start"`
	Poll         bool   `yaml:"poll"`
	MaxLineBytes int    `yaml:"max_line_bytes"`
}

// AuditConfig controls the security audit log.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogFile string `yaml:"log_file"`
	Format  string `yaml:"format"`
}

// LoggerConfig converts the section for audit.New.
func (a AuditConfig) LoggerConfig() audit.Config {
	return audit.Config{Enabled: a.Enabled, LogFile: a.LogFile, Format: a.Format}
}

// Config represents the complete application configuration.
type Config struct {
	HEC                HECConfig        `yaml:"hec"`
	Listeners          []ListenerConfig `yaml:"listeners"`
	Tail               []TailConfig     `yaml:"tail"`
	MetricsAddr        string           `yaml:"metrics_addr"`
	HealthCheckEnabled bool             `yaml:"health_check_enabled"`
	HealthCheckAddr    string           `yaml:"health_check_addr"`
	Audit              AuditConfig      `yaml:"audit"`
}

// Load reads the YAML file at configFile, applies defaults and environment
// overrides, and returns the result without validating it. An empty path
// yields the defaults plus environment overrides.
func Load(configFile string) (*Config, error) {
	// a missing .env file is normal
	_ = godotenv.Load()

	cfg := &Config{}

	if configFile != "" {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", configFile)
		}

		// #nosec G304 -- configFile is provided by the user via the --config flag, which is the
		// expected and documented way to specify the configuration file path.
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
		slog.Debug("read configuration", "file", configFile)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	return cfg, nil
}

// LoadConfig reads and validates configuration from the specified YAML file.
// It returns an error if the file cannot be read, parsed, or contains invalid settings.
func LoadConfig(configFile string) (*Config, error) {
	cfg, err := Load(configFile)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("loaded configuration", "file", configFile)
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HealthCheckAddr == "" {
		c.HealthCheckAddr = DefaultHealthCheckAddr
	}
	if c.HEC.ClientTimeoutSeconds == 0 {
		c.HEC.ClientTimeoutSeconds = DefaultClientTimeoutSeconds
	}
	if c.HEC.Mode == "" {
		c.HEC.Mode = delivery.Sequential.String()
	}
	if c.HEC.OnFailure == "" {
		c.HEC.OnFailure = sender.FailLog.String()
	}
	if c.HEC.DLQ.Dir == "" {
		c.HEC.DLQ.Dir = DefaultDLQDir
	}

	for i := range c.Listeners {
		l := &c.Listeners[i]
		if l.MaxLineBytes == 0 {
			l.MaxLineBytes = DefaultMaxLineBytes
		}
		if l.Severity == "" {
			l.Severity = DefaultSeverity
		}
		if l.Logger == "" {
			l.Logger = l.Name
		}
	}

	for i := range c.Tail {
		t := &c.Tail[i]
		if t.Severity == "" {
			t.Severity = DefaultSeverity
		}
		if t.Logger == "" && t.Path != "" {
			t.Logger = filepath.Base(t.Path)
		}
		if t.MaxLineBytes == 0 {
			t.MaxLineBytes = DefaultMaxLineBytes
		}
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvHECURL); v != "" {
		c.HEC.URL = v
	}
	if v := os.Getenv(EnvHECToken); v != "" {
		c.HEC.Token = v
	}
}

// Validate checks every section. Listener addresses are bound briefly to
// confirm they are available.
func (c *Config) Validate() error {
	if err := c.HEC.validate(); err != nil {
		return err
	}

	listenAddrs := make(map[string]bool)
	names := make(map[string]bool)

	for i, listener := range c.Listeners {
		if listener.Name == "" {
			return fmt.Errorf("listener %d: name is required", i)
		}
		if names[listener.Name] {
			return fmt.Errorf("listener %s: duplicate name", listener.Name)
		}
		names[listener.Name] = true

		if listener.ListenAddr == "" {
			return fmt.Errorf("listener %s: listen_addr is required", listener.Name)
		}
		if listenAddrs[listener.ListenAddr] {
			return fmt.Errorf("listener %s: duplicate listen_addr '%s'", listener.Name, listener.ListenAddr)
		}
		listenAddrs[listener.ListenAddr] = true

		if err := validateListenAddr(listener.ListenAddr); err != nil {
			return fmt.Errorf("listener %s: cannot bind to listen address: %w", listener.Name, err)
		}

		if listener.MaxLineBytes < 0 {
			return fmt.Errorf("listener %s: max_line_bytes must not be negative", listener.Name)
		}

		if err := listener.TLS.validate(); err != nil {
			return fmt.Errorf("listener %s: %w", listener.Name, err)
		}

		if listener.AllowedCIDRs != "" {
			if _, err := acl.New(listener.AllowedCIDRs); err != nil {
				return fmt.Errorf("listener %s: invalid CIDR list: %w", listener.Name, err)
			}
		}
	}

	paths := make(map[string]bool)
	for i, t := range c.Tail {
		if t.Path == "" {
			return fmt.Errorf("tail %d: path is required", i)
		}
		if paths[t.Path] {
			return fmt.Errorf("tail %s: duplicate path", t.Path)
		}
		paths[t.Path] = true
		if t.MaxLineBytes < 0 {
			return fmt.Errorf("tail %s: max_line_bytes must not be negative", t.Path)
		}
	}

	if err := c.Audit.LoggerConfig().Validate(); err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	if c.HealthCheckEnabled && c.HealthCheckAddr == "" {
		return errors.New("health_check_addr is required when health checks are enabled")
	}

	return nil
}

// ValidateHEC checks only the HEC section, for commands that send without
// running the configured inputs.
func (c *Config) ValidateHEC() error {
	return c.HEC.validate()
}

func (h HECConfig) validate() error {
	if h.URL == "" {
		return fmt.Errorf("hec.url is required (or set %s)", EnvHECURL)
	}
	if err := validateHECURL(h.URL); err != nil {
		return fmt.Errorf("invalid HEC URL: %w", err)
	}
	if strings.TrimSpace(h.Token) == "" {
		return fmt.Errorf("hec.token is required (or set %s)", EnvHECToken)
	}
	if h.RetriesOnError < 0 {
		return errors.New("hec.retries_on_error must not be negative")
	}
	if h.ClientTimeoutSeconds < 0 {
		return errors.New("hec.client_timeout_seconds must not be negative")
	}
	if h.MaxInFlight < 0 {
		return errors.New("hec.max_in_flight must not be negative")
	}
	if _, err := delivery.ParseMode(h.Mode); err != nil {
		return fmt.Errorf("hec.mode: %w", err)
	}
	if _, err := sender.ParseFailurePolicy(h.OnFailure); err != nil {
		return fmt.Errorf("hec.on_failure: %w", err)
	}
	if h.Batch.MaxIntervalMS < 0 || h.Batch.MaxBytes < 0 || h.Batch.MaxCount < 0 {
		return errors.New("hec.batch thresholds must not be negative")
	}
	if h.Retry.InitialBackoffMS < 0 || h.Retry.MaxBackoffSeconds < 0 || h.Retry.BackoffMultiplier < 0 {
		return errors.New("hec.retry values must not be negative")
	}
	if h.Retry.BackoffMultiplier > 0 && h.Retry.BackoffMultiplier < 1 {
		return errors.New("hec.retry.backoff_multiplier must be at least 1")
	}
	if h.CircuitBreaker.enabled() && h.CircuitBreaker.FailureThreshold < 0 {
		return errors.New("hec.circuit_breaker.failure_threshold must not be negative")
	}
	if h.DLQ.Enabled {
		if err := validateStorageDir(h.DLQ.Dir); err != nil {
			return fmt.Errorf("hec.dlq: %w", err)
		}
		if h.DLQ.MaxAgeDays < 0 || h.DLQ.CompressAfterDays < 0 {
			return errors.New("hec.dlq ages must not be negative")
		}
		if h.DLQ.MaxAgeDays > 0 && h.DLQ.CompressAfterDays >= h.DLQ.MaxAgeDays {
			return errors.New("hec.dlq.compress_after_days must be less than max_age_days")
		}
	}
	return nil
}

func (t *TLSConfig) validate() error {
	if t == nil {
		return nil
	}
	if (t.CertFile == "") != (t.KeyFile == "") {
		return errors.New("both tls.cert_file and tls.key_file must be specified or both omitted")
	}
	if t.CertFile == "" {
		return nil
	}
	if _, err := os.Stat(t.CertFile); err != nil {
		return fmt.Errorf("TLS cert file not accessible: %w", err)
	}
	if _, err := os.Stat(t.KeyFile); err != nil {
		return fmt.Errorf("TLS key file not accessible: %w", err)
	}
	if _, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile); err != nil {
		return fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return nil
}

func (c CircuitBreakerConfig) enabled() bool {
	return c.Enabled != nil && *c.Enabled
}

// breakerConfig converts to the circuit breaker's settings. A disabled
// breaker never opens.
func (c CircuitBreakerConfig) breakerConfig() circuitbreaker.Config {
	if !c.enabled() {
		return circuitbreaker.Disabled()
	}

	cfg := circuitbreaker.DefaultConfig()
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.SuccessThreshold > 0 {
		cfg.SuccessThreshold = c.SuccessThreshold
	}
	if c.Timeout > 0 {
		cfg.Timeout = time.Duration(c.Timeout) * time.Second
	}
	if c.HalfOpenMaxCalls > 0 {
		cfg.HalfOpenMaxCalls = c.HalfOpenMaxCalls
	}
	return cfg
}

// SenderConfig converts the HEC section into sender settings. The DLQ writer,
// when enabled, is attached by the caller. An empty host defaults to the
// machine's hostname.
func (c *Config) SenderConfig() (sender.Config, error) {
	mode, err := delivery.ParseMode(c.HEC.Mode)
	if err != nil {
		return sender.Config{}, err
	}
	policy, err := sender.ParseFailurePolicy(c.HEC.OnFailure)
	if err != nil {
		return sender.Config{}, err
	}

	host := c.HEC.Metadata.Host
	if host == "" {
		host, _ = os.Hostname()
	}

	retry := delivery.DefaultRetryConfig()
	retry.MaxRetries = c.HEC.RetriesOnError
	if c.HEC.Retry.InitialBackoffMS > 0 {
		retry.InitialBackoff = time.Duration(c.HEC.Retry.InitialBackoffMS) * time.Millisecond
	}
	if c.HEC.Retry.BackoffMultiplier > 0 {
		retry.Multiplier = c.HEC.Retry.BackoffMultiplier
	}
	if c.HEC.Retry.MaxBackoffSeconds > 0 {
		retry.MaxBackoff = time.Duration(c.HEC.Retry.MaxBackoffSeconds) * time.Second
	}

	return sender.Config{
		URL:   c.HEC.URL,
		Token: c.HEC.Token,
		Metadata: envelope.Metadata{
			Index:      c.HEC.Metadata.Index,
			Source:     c.HEC.Metadata.Source,
			SourceType: c.HEC.Metadata.SourceType,
			Host:       host,
		},
		Mode:        mode,
		MaxInFlight: c.HEC.MaxInFlight,
		Batch: batch.Config{
			MaxInterval: time.Duration(c.HEC.Batch.MaxIntervalMS) * time.Millisecond,
			MaxBytes:    c.HEC.Batch.MaxBytes,
			MaxCount:    c.HEC.Batch.MaxCount,
		},
		Retry:           retry,
		IgnoreSSLErrors: c.HEC.IgnoreSSLErrors,
		UseGzip:         c.HEC.Gzip,
		ClientTimeout:   time.Duration(c.HEC.ClientTimeoutSeconds) * time.Second,
		CircuitBreaker:  c.HEC.CircuitBreaker.breakerConfig(),
		OnFailure:       policy,
	}, nil
}

// validateListenAddr verifies that the listen address is valid and available
func validateListenAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	_ = ln.Close() // Ignore error - best effort cleanup
	return nil
}

// validateStorageDir ensures the directory exists and is writable
func validateStorageDir(dir string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}

	testFile := filepath.Join(dir, ".writetest")
	if err := os.WriteFile(testFile, []byte("test"), 0600); err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}
	_ = os.Remove(testFile) // Ignore error - best effort cleanup

	return nil
}

// validateHECURL validates the HEC URL format
func validateHECURL(hecURL string) error {
	u, err := url.Parse(hecURL)
	if err != nil {
		return err
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("HEC URL must use http or https scheme")
	}

	if u.Host == "" {
		return fmt.Errorf("HEC URL must include host")
	}

	return nil
}

// GetTemplate returns the embedded YAML configuration template.
// This template can be used to generate a sample configuration file.
func GetTemplate() string {
	return configTemplate
}
