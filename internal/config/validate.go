package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/szibis/insights-go/internal/compression"
	"github.com/szibis/insights-go/internal/logging"
	"github.com/szibis/insights-go/internal/sampling"
)

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.InstrumentationKey) == "" {
		add("instrumentation-key must be set")
	}
	if u, err := url.Parse(c.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("endpoint must be an http or https URL, got %q", c.Endpoint)
	}
	if c.Timeout <= 0 {
		add("timeout must be positive, got %v", c.Timeout)
	}
	if _, err := compression.ParseType(c.Compression); err != nil {
		add("compression is not supported: %q", c.Compression)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		add("tls-cert and tls-key must be set together")
	}
	if c.MaxIdleConns < 0 {
		add("max-idle-conns must not be negative, got %d", c.MaxIdleConns)
	}

	if err := c.ChannelConfig().Validate(); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			add("channel %s", line)
		}
	}

	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		add("log-level must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	switch c.InputFormat {
	case InputAuto, InputJSON, InputText:
	default:
		add("input-format must be auto, json or text, got %q", c.InputFormat)
	}
	if c.MemoryLimitRatio < 0 || c.MemoryLimitRatio > 1 {
		add("memory-limit-ratio must be between 0.0 and 1.0, got %v", c.MemoryLimitRatio)
	}
	if c.ExpectedNames == 0 {
		add("expected-names must be positive")
	}
	if c.SamplingFile != "" {
		if _, err := sampling.LoadFile(c.SamplingFile); err != nil {
			add("sampling-config is invalid: %v", err)
		}
	}

	if c.SelfMonEndpoint != "" {
		switch c.SelfMonProtocol {
		case "grpc", "http":
		default:
			add("selfmon-protocol must be grpc or http, got %q", c.SelfMonProtocol)
		}
		if c.SelfMonPushInterval <= 0 {
			add("selfmon-push-interval must be positive, got %v", c.SelfMonPushInterval)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalid, strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidationSeverity indicates the severity of a validation issue.
type ValidationSeverity string

const (
	// SeverityError indicates a configuration error that prevents startup.
	SeverityError ValidationSeverity = "error"
	// SeverityWarning indicates a potential issue that won't prevent startup.
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue represents a single validation finding.
type ValidationIssue struct {
	Severity ValidationSeverity `json:"severity"`
	Field    string             `json:"field"`
	Message  string             `json:"message"`
}

// ValidationResult holds the complete validation output.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	File   string            `json:"file"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// JSON returns the validation result as formatted JSON.
func (r *ValidationResult) JSON() string {
	data, _ := json.MarshalIndent(r, "", "  ")
	return string(data)
}

// ValidateFile loads a YAML config file on top of the defaults and
// validates it, returning structured results.
func ValidateFile(path string) *ValidationResult {
	result := &ValidationResult{Valid: true, File: path}
	fail := func(field, msg string) {
		result.Valid = false
		result.Issues = append(result.Issues, ValidationIssue{Severity: SeverityError, Field: field, Message: msg})
	}

	info, err := os.Stat(path)
	if err != nil {
		fail("file", fmt.Sprintf("cannot access file: %v", err))
		return result
	}
	if info.IsDir() {
		fail("file", "path is a directory, expected a file")
		return result
	}

	y, err := LoadYAML(path)
	if err != nil {
		fail("yaml", fmt.Sprintf("YAML parse error: %v", err))
		return result
	}
	cfg := DefaultConfig()
	y.ApplyTo(cfg)
	cfg.ConfigFile = path

	if err := cfg.Validate(); err != nil {
		msg := err.Error()
		prefix := ErrInvalid.Error() + ":\n  - "
		for _, item := range strings.Split(strings.TrimPrefix(msg, prefix), "\n  - ") {
			field, message := parseValidationError(item)
			fail(field, message)
		}
	}

	addWarnings(cfg, result)
	return result
}

// parseValidationError extracts field and message from a validation error string.
// e.g. "timeout must be positive, got 0s" → field="timeout"
func parseValidationError(s string) (string, string) {
	s = strings.TrimSpace(s)
	for _, sep := range []string{" must ", " is "} {
		if idx := strings.Index(s, sep); idx > 0 {
			field := s[:idx]
			if !strings.Contains(field, " ") {
				return field, s
			}
		}
	}
	return "config", s
}

func addWarnings(cfg *Config, result *ValidationResult) {
	warn := func(field, msg string) {
		result.Issues = append(result.Issues, ValidationIssue{Severity: SeverityWarning, Field: field, Message: msg})
	}
	if cfg.TLSSkipVerify {
		warn("tls-skip-verify", "TLS certificate verification is disabled")
	}
	if strings.HasPrefix(cfg.Endpoint, "http://") && cfg.BearerToken != "" {
		warn("bearer-token", "bearer token is sent over plain HTTP")
	}
	if cfg.SpoolPath == "" {
		warn("spool-path", "no spool configured, telemetry left at shutdown is discarded")
	}
	for field, path := range map[string]string{"tls-ca": cfg.TLSCAFile, "tls-cert": cfg.TLSCertFile, "tls-key": cfg.TLSKeyFile} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			warn(field, fmt.Sprintf("file not accessible: %v", err))
		}
	}
}
