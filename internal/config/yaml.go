package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the YAML configuration file structure.
type YAMLConfig struct {
	InstrumentationKey string `yaml:"instrumentation_key"`
	CloudRole          string `yaml:"cloud_role"`
	CloudRoleInstance  string `yaml:"cloud_role_instance"`
	SamplingFile       string `yaml:"sampling_file"`

	Transmitter TransmitterYAMLConfig `yaml:"transmitter"`
	Channel     ChannelYAMLConfig     `yaml:"channel"`
	Server      ServerYAMLConfig      `yaml:"server"`
	SelfMon     SelfMonYAMLConfig     `yaml:"selfmon"`
}

// TransmitterYAMLConfig holds ingestion endpoint settings.
type TransmitterYAMLConfig struct {
	Endpoint         string            `yaml:"endpoint"`
	Timeout          Duration          `yaml:"timeout"`
	Compression      string            `yaml:"compression"`
	CompressionLevel int               `yaml:"compression_level"`
	BearerToken      string            `yaml:"bearer_token"`
	Headers          map[string]string `yaml:"headers"`
	TLS              TLSYAMLConfig     `yaml:"tls"`
	HTTPClient       HTTPClientYAML    `yaml:"http_client"`
}

// TLSYAMLConfig holds client TLS settings.
type TLSYAMLConfig struct {
	CAFile     string `yaml:"ca_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	ServerName string `yaml:"server_name"`
	SkipVerify *bool  `yaml:"insecure_skip_verify"`
}

// HTTPClientYAML holds connection pool settings.
type HTTPClientYAML struct {
	MaxIdleConns         int      `yaml:"max_idle_conns"`
	IdleConnTimeout      Duration `yaml:"idle_conn_timeout"`
	HTTP2ReadIdleTimeout Duration `yaml:"http2_read_idle_timeout"`
	HTTP2PingTimeout     Duration `yaml:"http2_ping_timeout"`
}

// ChannelYAMLConfig holds buffering and retry settings.
type ChannelYAMLConfig struct {
	FlushInterval Duration        `yaml:"flush_interval"`
	Capacity      int             `yaml:"capacity"`
	MaxBatchItems int             `yaml:"max_batch_items"`
	MaxBatchBytes ByteSize        `yaml:"max_batch_bytes"`
	MaxRetries    *int            `yaml:"max_retries"`
	BaseDelay     Duration        `yaml:"base_delay"`
	MaxDelay      Duration        `yaml:"max_delay"`
	DrainTimeout  Duration        `yaml:"drain_timeout"`
	Spool         SpoolYAMLConfig `yaml:"spool"`
}

// SpoolYAMLConfig holds the on-disk spool settings.
type SpoolYAMLConfig struct {
	Path     string `yaml:"path"`
	Compress *bool  `yaml:"compress"`
}

// ServerYAMLConfig holds process settings.
type ServerYAMLConfig struct {
	ListenAddr       string   `yaml:"listen"`
	LogLevel         string   `yaml:"log_level"`
	InputFormat      string   `yaml:"input_format"`
	MemoryLimitRatio *float64 `yaml:"memory_limit_ratio"`
	ExpectedNames    uint     `yaml:"expected_names"`
}

// SelfMonYAMLConfig holds OTLP self-monitoring settings.
type SelfMonYAMLConfig struct {
	Endpoint        string            `yaml:"endpoint"`         // OTLP endpoint (empty = disabled)
	Protocol        string            `yaml:"protocol"`         // "grpc" or "http"
	Insecure        *bool             `yaml:"insecure"`         // default: true
	Timeout         Duration          `yaml:"timeout"`          // per-export timeout
	PushInterval    Duration          `yaml:"push_interval"`    // default: 30s
	Compression     string            `yaml:"compression"`      // "gzip" or ""
	Headers         map[string]string `yaml:"headers"`          // custom headers (auth, etc.)
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // default: 5s
}

// Duration is a wrapper for time.Duration that supports YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize is a wrapper for int64 that supports human-readable YAML values.
// Accepted formats: raw integer (bytes), or suffixed: Ki, Mi, Gi.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for ByteSize.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return FormatByteSize(int64(b)), nil
}

var byteSuffixes = []struct {
	name string
	mult int64
}{
	{"Gi", 1 << 30},
	{"Mi", 1 << 20},
	{"Ki", 1 << 10},
}

// ParseByteSize parses a byte count with an optional Ki, Mi or Gi suffix.
// Fractional values such as "1.5Mi" are allowed with a suffix.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	for _, sf := range byteSuffixes {
		if strings.HasSuffix(s, sf.name) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, sf.name))
			var f float64
			if _, err := fmt.Sscanf(numStr, "%f", &f); err != nil {
				return 0, fmt.Errorf("invalid byte size: %q", s)
			}
			return int64(f * float64(sf.mult)), nil
		}
	}
	var n int64
	var trail string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &trail); err == nil && trail != "" {
		return 0, fmt.Errorf("invalid byte size: %q (use Ki, Mi or Gi suffixes)", s)
	}
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return n, nil
}

// FormatByteSize formats bytes with the largest exact binary suffix.
func FormatByteSize(b int64) string {
	for _, sf := range byteSuffixes {
		if b >= sf.mult && b%sf.mult == 0 {
			return fmt.Sprintf("%d%s", b/sf.mult, sf.name)
		}
	}
	return fmt.Sprintf("%d", b)
}

// LoadYAML loads configuration from a YAML file.
func LoadYAML(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML parses YAML configuration from bytes. Environment references
// such as ${INSIGHTS_KEY} are expanded first. Unknown keys are errors.
func ParseYAML(data []byte) (*YAMLConfig, error) {
	expanded := os.ExpandEnv(string(data))
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	cfg := &YAMLConfig{}
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyTo overlays every field set in the file onto cfg.
func (y *YAMLConfig) ApplyTo(cfg *Config) {
	setString(&cfg.InstrumentationKey, y.InstrumentationKey)
	setString(&cfg.CloudRole, y.CloudRole)
	setString(&cfg.CloudRoleInstance, y.CloudRoleInstance)
	setString(&cfg.SamplingFile, y.SamplingFile)

	t := y.Transmitter
	setString(&cfg.Endpoint, t.Endpoint)
	setDuration(&cfg.Timeout, t.Timeout)
	setString(&cfg.Compression, t.Compression)
	if t.CompressionLevel != 0 {
		cfg.CompressionLevel = t.CompressionLevel
	}
	setString(&cfg.BearerToken, t.BearerToken)
	if len(t.Headers) > 0 {
		cfg.Headers = t.Headers
	}
	setString(&cfg.TLSCAFile, t.TLS.CAFile)
	setString(&cfg.TLSCertFile, t.TLS.CertFile)
	setString(&cfg.TLSKeyFile, t.TLS.KeyFile)
	setString(&cfg.TLSServerName, t.TLS.ServerName)
	if t.TLS.SkipVerify != nil {
		cfg.TLSSkipVerify = *t.TLS.SkipVerify
	}
	if t.HTTPClient.MaxIdleConns != 0 {
		cfg.MaxIdleConns = t.HTTPClient.MaxIdleConns
	}
	setDuration(&cfg.IdleConnTimeout, t.HTTPClient.IdleConnTimeout)
	setDuration(&cfg.HTTP2ReadIdleTimeout, t.HTTPClient.HTTP2ReadIdleTimeout)
	setDuration(&cfg.HTTP2PingTimeout, t.HTTPClient.HTTP2PingTimeout)

	ch := y.Channel
	setDuration(&cfg.FlushInterval, ch.FlushInterval)
	if ch.Capacity != 0 {
		cfg.Capacity = ch.Capacity
	}
	if ch.MaxBatchItems != 0 {
		cfg.MaxBatchItems = ch.MaxBatchItems
	}
	if ch.MaxBatchBytes != 0 {
		cfg.MaxBatchBytes = int64(ch.MaxBatchBytes)
	}
	if ch.MaxRetries != nil {
		cfg.MaxRetries = *ch.MaxRetries
	}
	setDuration(&cfg.BaseDelay, ch.BaseDelay)
	setDuration(&cfg.MaxDelay, ch.MaxDelay)
	setDuration(&cfg.DrainTimeout, ch.DrainTimeout)
	setString(&cfg.SpoolPath, ch.Spool.Path)
	if ch.Spool.Compress != nil {
		cfg.SpoolCompress = *ch.Spool.Compress
	}

	s := y.Server
	setString(&cfg.ListenAddr, s.ListenAddr)
	setString(&cfg.LogLevel, s.LogLevel)
	setString(&cfg.InputFormat, s.InputFormat)
	if s.MemoryLimitRatio != nil {
		cfg.MemoryLimitRatio = *s.MemoryLimitRatio
	}
	if s.ExpectedNames != 0 {
		cfg.ExpectedNames = s.ExpectedNames
	}

	m := y.SelfMon
	setString(&cfg.SelfMonEndpoint, m.Endpoint)
	setString(&cfg.SelfMonProtocol, m.Protocol)
	if m.Insecure != nil {
		cfg.SelfMonInsecure = *m.Insecure
	}
	setDuration(&cfg.SelfMonTimeout, m.Timeout)
	setDuration(&cfg.SelfMonPushInterval, m.PushInterval)
	setString(&cfg.SelfMonCompression, m.Compression)
	if len(m.Headers) > 0 {
		cfg.SelfMonHeaders = m.Headers
	}
	setDuration(&cfg.SelfMonShutdownTimeout, m.ShutdownTimeout)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v Duration) {
	if v != 0 {
		*dst = time.Duration(v)
	}
}
