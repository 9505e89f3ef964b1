package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/szibis/insights-go/internal/channel"
	"github.com/szibis/insights-go/internal/config"
	"github.com/szibis/insights-go/internal/contracts"
	"github.com/szibis/insights-go/internal/logging"
	"github.com/szibis/insights-go/internal/telemetry"
)

const maxLineBytes = 1 << 20

// record is one JSON line on stdin. Fields not used by a type are ignored.
type record struct {
	Type         string             `json:"type"`
	Time         string             `json:"time"`
	Name         string             `json:"name"`
	Message      string             `json:"message"`
	Severity     string             `json:"severity"`
	Value        *float64           `json:"value"`
	Values       []float64          `json:"values"`
	Method       string             `json:"method"`
	URL          string             `json:"url"`
	ResponseCode string             `json:"responseCode"`
	Duration     string             `json:"duration"`
	Success      *bool              `json:"success"`
	Dependency   string             `json:"dependencyType"`
	Target       string             `json:"target"`
	Data         string             `json:"data"`
	ResultCode   string             `json:"resultCode"`
	RunLocation  string             `json:"runLocation"`
	Properties   map[string]string  `json:"properties"`
	Measurements map[string]float64 `json:"measurements"`
	Tags         map[string]string  `json:"tags"`
}

type tracker interface {
	Track(t telemetry.Telemetry) error
}

// forward reads lines from r until EOF or ctx is done and tracks each one.
// Malformed lines are logged and skipped.
func forward(ctx context.Context, r io.Reader, c tracker, format string) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var n, skipped int
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		item, err := parseLine(line, format)
		if err != nil {
			skipped++
			logging.Warn("skipping input line", logging.F("line", n, "error", err.Error()))
			continue
		}
		if err := c.Track(item); err != nil {
			if errors.Is(err, channel.ErrClosed) {
				return nil
			}
			logging.Warn("failed to track input line", logging.F("line", n, "error", err.Error()))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	logging.Info("input finished", logging.F("lines", n, "skipped", skipped))
	return nil
}

func parseLine(line []byte, format string) (telemetry.Telemetry, error) {
	switch format {
	case config.InputText:
		return telemetry.NewTrace(string(line), contracts.Information), nil
	case config.InputAuto:
		if line[0] != '{' {
			return telemetry.NewTrace(string(line), contracts.Information), nil
		}
	}

	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return rec.item()
}

func (r *record) item() (telemetry.Telemetry, error) {
	duration, err := parseDuration(r.Duration)
	if err != nil {
		return nil, err
	}

	var (
		item   telemetry.Telemetry
		common *telemetry.Common
	)
	switch strings.ToLower(r.Type) {
	case "event":
		if r.Name == "" {
			return nil, errors.New("event requires name")
		}
		e := telemetry.NewEvent(r.Name)
		e.Measurements = r.Measurements
		item, common = e, &e.Common
	case "trace", "message", "":
		if r.Message == "" {
			return nil, errors.New("trace requires message")
		}
		t := telemetry.NewTrace(r.Message, parseSeverity(r.Severity))
		item, common = t, &t.Common
	case "metric":
		if r.Name == "" {
			return nil, errors.New("metric requires name")
		}
		if len(r.Values) > 0 {
			m := telemetry.NewAggregateMetric(r.Name)
			m.Stats.AddData(r.Values...)
			item, common = m, &m.Common
			break
		}
		if r.Value == nil {
			return nil, errors.New("metric requires value or values")
		}
		m := telemetry.NewMetric(r.Name, *r.Value)
		item, common = m, &m.Common
	case "request":
		if r.URL == "" {
			return nil, errors.New("request requires url")
		}
		method := r.Method
		if method == "" {
			method = "GET"
		}
		req := telemetry.NewRequest(method, r.URL, duration, r.ResponseCode)
		req.Success = r.Success
		req.Measurements = r.Measurements
		item, common = req, &req.Common
	case "dependency":
		if r.Name == "" {
			return nil, errors.New("dependency requires name")
		}
		d := telemetry.NewRemoteDependency(r.Name, r.Dependency, r.Target, duration, r.Success == nil || *r.Success)
		d.Data = r.Data
		d.ResultCode = r.ResultCode
		d.Measurements = r.Measurements
		item, common = d, &d.Common
	case "availability":
		if r.Name == "" {
			return nil, errors.New("availability requires name")
		}
		a := telemetry.NewAvailability(r.Name, duration, r.Success == nil || *r.Success)
		a.RunLocation = r.RunLocation
		a.Message = r.Message
		a.Measurements = r.Measurements
		item, common = a, &a.Common
	case "exception":
		if r.Message == "" {
			return nil, errors.New("exception requires message")
		}
		e := telemetry.NewException(errors.New(r.Message))
		if r.Severity != "" {
			e.Severity = parseSeverity(r.Severity)
		}
		e.Measurements = r.Measurements
		item, common = e, &e.Common
	default:
		return nil, fmt.Errorf("unknown type %q", r.Type)
	}

	if r.Time != "" {
		ts, err := time.Parse(time.RFC3339Nano, r.Time)
		if err != nil {
			return nil, fmt.Errorf("invalid time: %w", err)
		}
		common.Timestamp = ts
	}
	for k, v := range r.Properties {
		common.SetProperty(k, v)
	}
	for k, v := range r.Tags {
		common.SetTag(k, v)
	}
	return item, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %w", err)
	}
	return d, nil
}

func parseSeverity(s string) contracts.SeverityLevel {
	switch strings.ToLower(s) {
	case "verbose", "debug":
		return contracts.Verbose
	case "warning", "warn":
		return contracts.Warning
	case "error":
		return contracts.Error
	case "critical", "fatal":
		return contracts.Critical
	default:
		return contracts.Information
	}
}
