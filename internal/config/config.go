package config

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"

	"github.com/szibis/insights-go/internal/channel"
	"github.com/szibis/insights-go/internal/compression"
	"github.com/szibis/insights-go/internal/selfmon"
	"github.com/szibis/insights-go/internal/transmitter"
)

// version is set at build time via ldflags
var version = "dev"

// Version returns the build version.
func Version() string { return version }

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the application configuration. Values are layered:
// defaults, then the YAML file, then INSIGHTS_* environment variables,
// then explicitly set flags.
type Config struct {
	ConfigFile string

	// Telemetry identity
	InstrumentationKey string `env:"INSTRUMENTATION_KEY"`
	CloudRole          string `env:"CLOUD_ROLE"`
	CloudRoleInstance  string `env:"CLOUD_ROLE_INSTANCE"`

	// Transmitter settings
	Endpoint             string            `env:"ENDPOINT"`
	Timeout              time.Duration     `env:"TIMEOUT"`
	Compression          string            `env:"COMPRESSION"`
	CompressionLevel     int               `env:"COMPRESSION_LEVEL"`
	BearerToken          string            `env:"BEARER_TOKEN"`
	Headers              map[string]string `env:"HEADERS"`
	TLSCAFile            string            `env:"TLS_CA_FILE"`
	TLSCertFile          string            `env:"TLS_CERT_FILE"`
	TLSKeyFile           string            `env:"TLS_KEY_FILE"`
	TLSServerName        string            `env:"TLS_SERVER_NAME"`
	TLSSkipVerify        bool              `env:"TLS_SKIP_VERIFY"`
	MaxIdleConns         int               `env:"MAX_IDLE_CONNS"`
	IdleConnTimeout      time.Duration     `env:"IDLE_CONN_TIMEOUT"`
	HTTP2ReadIdleTimeout time.Duration     `env:"HTTP2_READ_IDLE_TIMEOUT"`
	HTTP2PingTimeout     time.Duration     `env:"HTTP2_PING_TIMEOUT"`

	// Channel settings
	FlushInterval time.Duration `env:"FLUSH_INTERVAL"`
	Capacity      int           `env:"CAPACITY"`
	MaxBatchItems int           `env:"MAX_BATCH_ITEMS"`
	MaxBatchBytes int64         `env:"MAX_BATCH_BYTES"`
	MaxRetries    int           `env:"MAX_RETRIES"`
	BaseDelay     time.Duration `env:"BASE_DELAY"`
	MaxDelay      time.Duration `env:"MAX_DELAY"`
	DrainTimeout  time.Duration `env:"DRAIN_TIMEOUT"`
	SpoolPath     string        `env:"SPOOL_PATH"`
	SpoolCompress bool          `env:"SPOOL_COMPRESS"`

	// Process settings
	ListenAddr       string  `env:"LISTEN_ADDR"`
	LogLevel         string  `env:"LOG_LEVEL"`
	InputFormat      string  `env:"INPUT_FORMAT"`
	MemoryLimitRatio float64 `env:"MEMORY_LIMIT_RATIO"`
	ExpectedNames    uint    `env:"EXPECTED_NAMES"`
	SamplingFile     string  `env:"SAMPLING_CONFIG"`

	// Self-monitoring (OTLP) settings
	SelfMonEndpoint        string            `env:"SELFMON_ENDPOINT"`
	SelfMonProtocol        string            `env:"SELFMON_PROTOCOL"`
	SelfMonInsecure        bool              `env:"SELFMON_INSECURE"`
	SelfMonTimeout         time.Duration     `env:"SELFMON_TIMEOUT"`
	SelfMonPushInterval    time.Duration     `env:"SELFMON_PUSH_INTERVAL"`
	SelfMonCompression     string            `env:"SELFMON_COMPRESSION"`
	SelfMonHeaders         map[string]string `env:"SELFMON_HEADERS"`
	SelfMonShutdownTimeout time.Duration     `env:"SELFMON_SHUTDOWN_TIMEOUT"`

	// Flags
	ShowHelp     bool
	ShowVersion  bool
	ValidateOnly bool
}

// Input formats accepted on stdin.
const (
	InputAuto = "auto"
	InputJSON = "json"
	InputText = "text"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	ch := channel.DefaultConfig()
	return &Config{
		Endpoint:               transmitter.DefaultEndpoint,
		Timeout:                30 * time.Second,
		Compression:            "gzip",
		MaxIdleConns:           16,
		IdleConnTimeout:        90 * time.Second,
		FlushInterval:          ch.FlushInterval,
		Capacity:               ch.Capacity,
		MaxBatchItems:          ch.MaxBatchItems,
		MaxBatchBytes:          ch.MaxBatchBytes,
		MaxRetries:             ch.MaxRetries,
		BaseDelay:              ch.BaseDelay,
		MaxDelay:               ch.MaxDelay,
		DrainTimeout:           ch.DrainTimeout,
		SpoolCompress:          true,
		ListenAddr:             ":9090",
		LogLevel:               "info",
		InputFormat:            InputAuto,
		MemoryLimitRatio:       0.9,
		ExpectedNames:          10000,
		SelfMonProtocol:        "grpc",
		SelfMonInsecure:        true,
		SelfMonPushInterval:    30 * time.Second,
		SelfMonShutdownTimeout: 5 * time.Second,
	}
}

// newFlagSet binds every flag to cfg, using cfg's current values as the
// defaults so that parsing only changes what was given explicitly.
func newFlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("insights-track", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "Path to YAML configuration file")
	fs.BoolVarP(&cfg.ShowHelp, "help", "h", false, "Show help")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version")
	fs.BoolVar(&cfg.ValidateOnly, "validate", false, "Validate the configuration file and exit")

	fs.StringVar(&cfg.InstrumentationKey, "instrumentation-key", cfg.InstrumentationKey, "Instrumentation key stamped on every envelope")
	fs.StringVar(&cfg.CloudRole, "cloud-role", cfg.CloudRole, "Value of the ai.cloud.role tag")
	fs.StringVar(&cfg.CloudRoleInstance, "cloud-role-instance", cfg.CloudRoleInstance, "Value of the ai.cloud.roleInstance tag")

	fs.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "Ingestion endpoint URL")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request transmission timeout")
	fs.StringVar(&cfg.Compression, "compression", cfg.Compression, "Request compression: none, gzip, zstd, deflate, snappy")
	fs.IntVar(&cfg.CompressionLevel, "compression-level", cfg.CompressionLevel, "Compression level (0 for default)")
	fs.StringVar(&cfg.BearerToken, "bearer-token", cfg.BearerToken, "Bearer token sent with every request")
	fs.StringToStringVar(&cfg.Headers, "header", cfg.Headers, "Extra request header as key=value (repeatable)")
	fs.StringVar(&cfg.TLSCAFile, "tls-ca", cfg.TLSCAFile, "CA certificate used to verify the endpoint")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert", cfg.TLSCertFile, "Client certificate (mTLS)")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key", cfg.TLSKeyFile, "Client private key (mTLS)")
	fs.StringVar(&cfg.TLSServerName, "tls-server-name", cfg.TLSServerName, "Override the TLS server name")
	fs.BoolVar(&cfg.TLSSkipVerify, "tls-skip-verify", cfg.TLSSkipVerify, "Skip TLS certificate verification")
	fs.IntVar(&cfg.MaxIdleConns, "max-idle-conns", cfg.MaxIdleConns, "Maximum idle connections to the endpoint")
	fs.DurationVar(&cfg.IdleConnTimeout, "idle-conn-timeout", cfg.IdleConnTimeout, "Idle connection timeout")
	fs.DurationVar(&cfg.HTTP2ReadIdleTimeout, "http2-read-idle-timeout", cfg.HTTP2ReadIdleTimeout, "HTTP/2 health check interval (0 disables)")
	fs.DurationVar(&cfg.HTTP2PingTimeout, "http2-ping-timeout", cfg.HTTP2PingTimeout, "HTTP/2 ping timeout")

	fs.DurationVar(&cfg.FlushInterval, "flush-interval", cfg.FlushInterval, "Interval between timer-driven flushes")
	fs.IntVar(&cfg.Capacity, "capacity", cfg.Capacity, "Maximum buffered items; the oldest are evicted beyond it")
	fs.IntVar(&cfg.MaxBatchItems, "max-batch-items", cfg.MaxBatchItems, "Maximum items per request, also the high-water flush trigger")
	fs.Int64Var(&cfg.MaxBatchBytes, "max-batch-bytes", cfg.MaxBatchBytes, "Maximum payload bytes per request (0 for no limit)")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Consecutive retryable failures before an item is dropped")
	fs.DurationVar(&cfg.BaseDelay, "base-delay", cfg.BaseDelay, "Retry delay after the first failure")
	fs.DurationVar(&cfg.MaxDelay, "max-delay", cfg.MaxDelay, "Upper bound of the retry delay")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "Time allowed to deliver buffered items at shutdown")
	fs.StringVar(&cfg.SpoolPath, "spool-path", cfg.SpoolPath, "File that keeps items undelivered at shutdown (empty disables)")
	fs.BoolVar(&cfg.SpoolCompress, "spool-compress", cfg.SpoolCompress, "Snappy-compress spooled items")

	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Address serving /metrics, /live and /ready (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.InputFormat, "input-format", cfg.InputFormat, "Stdin line format: auto, json, text")
	fs.Float64Var(&cfg.MemoryLimitRatio, "memory-limit-ratio", cfg.MemoryLimitRatio, "Fraction of the container memory limit used for GOMEMLIMIT (0 disables)")
	fs.StringVar(&cfg.SamplingFile, "sampling-config", cfg.SamplingFile, "YAML file with telemetry sampling rules (empty keeps everything)")
	fs.UintVar(&cfg.ExpectedNames, "expected-names", cfg.ExpectedNames, "Expected distinct telemetry names, sizes the first-sighting filter")

	fs.StringVar(&cfg.SelfMonEndpoint, "selfmon-endpoint", cfg.SelfMonEndpoint, "OTLP endpoint for self-monitoring (empty disables)")
	fs.StringVar(&cfg.SelfMonProtocol, "selfmon-protocol", cfg.SelfMonProtocol, "Self-monitoring protocol: grpc or http")
	fs.BoolVar(&cfg.SelfMonInsecure, "selfmon-insecure", cfg.SelfMonInsecure, "Use an insecure self-monitoring connection")
	fs.DurationVar(&cfg.SelfMonTimeout, "selfmon-timeout", cfg.SelfMonTimeout, "Self-monitoring export timeout (0 for SDK default)")
	fs.DurationVar(&cfg.SelfMonPushInterval, "selfmon-push-interval", cfg.SelfMonPushInterval, "Self-monitoring metric push interval")
	fs.StringVar(&cfg.SelfMonCompression, "selfmon-compression", cfg.SelfMonCompression, "Self-monitoring compression: gzip or empty")
	fs.StringToStringVar(&cfg.SelfMonHeaders, "selfmon-header", cfg.SelfMonHeaders, "Self-monitoring header as key=value (repeatable)")
	fs.DurationVar(&cfg.SelfMonShutdownTimeout, "selfmon-shutdown-timeout", cfg.SelfMonShutdownTimeout, "Self-monitoring shutdown grace period")

	return fs
}

// Load builds the configuration from args and environ. A nil environ
// reads the process environment.
func Load(args []string, environ map[string]string) (*Config, error) {
	probe := DefaultConfig()
	if err := newFlagSet(probe).Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	if probe.ShowHelp || probe.ShowVersion {
		return probe, nil
	}

	cfg := DefaultConfig()
	if probe.ConfigFile != "" {
		y, err := LoadYAML(probe.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", probe.ConfigFile, err)
		}
		y.ApplyTo(cfg)
	}
	if err := ParseEnv(cfg, environ); err != nil {
		return nil, err
	}
	if err := newFlagSet(cfg).Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	return cfg, nil
}

// PrintUsage writes the flag reference to w.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, `insights-track - forward telemetry lines from stdin to an ingestion endpoint

Usage:
  insights-track [flags] < telemetry.jsonl

Every flag can also be set in the YAML file given by --config or through an
INSIGHTS_<NAME> environment variable (for example INSIGHTS_INSTRUMENTATION_KEY).
Explicit flags win over the environment, which wins over the file.

Flags:
%s`, newFlagSet(DefaultConfig()).FlagUsages())
}

// PrintVersion writes the version line to w.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "insights-track version %s\n", version)
}

// ChannelConfig derives the channel configuration.
func (c *Config) ChannelConfig() channel.Config {
	return channel.Config{
		FlushInterval: c.FlushInterval,
		Capacity:      c.Capacity,
		MaxBatchItems: c.MaxBatchItems,
		MaxBatchBytes: c.MaxBatchBytes,
		MaxRetries:    c.MaxRetries,
		BaseDelay:     c.BaseDelay,
		MaxDelay:      c.MaxDelay,
		DrainTimeout:  c.DrainTimeout,
		SpoolPath:     c.SpoolPath,
		SpoolCompress: c.SpoolCompress,
	}
}

// TransmitterConfig derives the HTTP transmitter configuration. The
// compression type must already have passed Validate.
func (c *Config) TransmitterConfig() transmitter.Config {
	ct, _ := compression.ParseType(c.Compression)
	return transmitter.Config{
		Endpoint:    c.Endpoint,
		Timeout:     c.Timeout,
		Compression: compression.Config{Type: ct, Level: compression.Level(c.CompressionLevel)},
		BearerToken: c.BearerToken,
		Headers:     c.Headers,
		UserAgent:   "insights-track/" + version,
		TLS: transmitter.TLSConfig{
			CAFile:             c.TLSCAFile,
			CertFile:           c.TLSCertFile,
			KeyFile:            c.TLSKeyFile,
			ServerName:         c.TLSServerName,
			InsecureSkipVerify: c.TLSSkipVerify,
		},
		HTTPClient: transmitter.HTTPClientConfig{
			MaxIdleConns:         c.MaxIdleConns,
			IdleConnTimeout:      c.IdleConnTimeout,
			HTTP2ReadIdleTimeout: c.HTTP2ReadIdleTimeout,
			HTTP2PingTimeout:     c.HTTP2PingTimeout,
		},
	}
}

// SelfMonConfig derives the self-monitoring configuration.
func (c *Config) SelfMonConfig() selfmon.Config {
	return selfmon.Config{
		Endpoint:        c.SelfMonEndpoint,
		Protocol:        c.SelfMonProtocol,
		Insecure:        c.SelfMonInsecure,
		Timeout:         c.SelfMonTimeout,
		PushInterval:    c.SelfMonPushInterval,
		Compression:     c.SelfMonCompression,
		Headers:         c.SelfMonHeaders,
		ShutdownTimeout: c.SelfMonShutdownTimeout,
	}
}
