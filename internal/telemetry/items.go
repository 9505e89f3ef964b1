package telemetry

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/szibis/insights-go/internal/contracts"
)

// Telemetry is an item that can be tracked. Only the types in this
// package implement it.
type Telemetry interface {
	common() *Common
	// data returns the envelope name and typed payload, given the merged
	// properties.
	data(props map[string]string) (name, baseType string, baseData any)
}

// Common holds the fields every item carries.
type Common struct {
	// Timestamp defaults to the tracking time when zero.
	Timestamp  time.Time
	Properties map[string]string
	Tags       map[string]string
}

func (c *Common) common() *Common { return c }

// SetProperty sets an item property.
func (c *Common) SetProperty(key, value string) {
	if c.Properties == nil {
		c.Properties = make(map[string]string)
	}
	c.Properties[key] = value
}

// SetTag sets an item tag.
func (c *Common) SetTag(key, value string) {
	if c.Tags == nil {
		c.Tags = make(map[string]string)
	}
	c.Tags[key] = value
}

// Measurements are named numeric values attached to an item.
type Measurements map[string]float64

// EventTelemetry is a named business or user event.
type EventTelemetry struct {
	Common
	Name         string
	Measurements Measurements
}

// NewEvent returns an event named name.
func NewEvent(name string) *EventTelemetry { return &EventTelemetry{Name: name} }

func (e *EventTelemetry) data(props map[string]string) (string, string, any) {
	return contracts.EventName, contracts.EventBaseType, contracts.EventData{
		Ver:          2,
		Name:         e.Name,
		Properties:   props,
		Measurements: e.Measurements,
	}
}

// TraceTelemetry is a log message.
type TraceTelemetry struct {
	Common
	Message  string
	Severity contracts.SeverityLevel
}

// NewTrace returns a trace message at severity.
func NewTrace(message string, severity contracts.SeverityLevel) *TraceTelemetry {
	return &TraceTelemetry{Message: message, Severity: severity}
}

func (t *TraceTelemetry) data(props map[string]string) (string, string, any) {
	return contracts.MessageName, contracts.MessageBaseType, contracts.MessageData{
		Ver:           2,
		Message:       t.Message,
		SeverityLevel: t.Severity,
		Properties:    props,
	}
}

// MetricTelemetry is a single measurement.
type MetricTelemetry struct {
	Common
	Name  string
	Value float64
}

// NewMetric returns a measurement of value for name.
func NewMetric(name string, value float64) *MetricTelemetry {
	return &MetricTelemetry{Name: name, Value: value}
}

func (m *MetricTelemetry) data(props map[string]string) (string, string, any) {
	count := 1
	return contracts.MetricName, contracts.MetricBaseType, contracts.MetricData{
		Ver: 2,
		Metrics: []contracts.DataPoint{{
			Name:  m.Name,
			Kind:  contracts.Measurement,
			Value: m.Value,
			Count: &count,
		}},
		Properties: props,
	}
}

// AggregateMetricTelemetry is a pre-aggregated metric.
type AggregateMetricTelemetry struct {
	Common
	Name  string
	Stats Stats
}

// NewAggregateMetric returns an empty aggregate for name.
func NewAggregateMetric(name string) *AggregateMetricTelemetry {
	return &AggregateMetricTelemetry{Name: name}
}

func (m *AggregateMetricTelemetry) data(props map[string]string) (string, string, any) {
	s := m.Stats
	count, lo, hi, sd := s.Count, s.Min, s.Max, s.StdDev
	return contracts.MetricName, contracts.MetricBaseType, contracts.MetricData{
		Ver: 2,
		Metrics: []contracts.DataPoint{{
			Name:   m.Name,
			Kind:   contracts.Aggregation,
			Value:  s.Value,
			Count:  &count,
			Min:    &lo,
			Max:    &hi,
			StdDev: &sd,
		}},
		Properties: props,
	}
}

// RequestTelemetry is an incoming request handled by the application.
type RequestTelemetry struct {
	Common
	ID           string
	Name         string
	URL          string
	Source       string
	Duration     time.Duration
	ResponseCode string
	// Success overrides the success derived from ResponseCode.
	Success      *bool
	Measurements Measurements
}

// NewRequest describes a request. Query and fragment are stripped from
// rawURL and the name becomes "METHOD url".
func NewRequest(method, rawURL string, duration time.Duration, responseCode string) *RequestTelemetry {
	clean := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		u.RawQuery, u.Fragment, u.User = "", "", nil
		clean = u.String()
	}
	name := method + " " + clean
	r := &RequestTelemetry{
		ID:           uuid.NewString(),
		Name:         name,
		URL:          clean,
		Duration:     duration,
		ResponseCode: responseCode,
	}
	r.SetTag(contracts.TagOperationName, name)
	return r
}

// IsSuccess reports the explicit Success, or a status below 400 or 401.
// Non-numeric codes count as success.
func (r *RequestTelemetry) IsSuccess() bool {
	if r.Success != nil {
		return *r.Success
	}
	code, err := strconv.Atoi(r.ResponseCode)
	if err != nil {
		return true
	}
	return code < http.StatusBadRequest || code == http.StatusUnauthorized
}

func (r *RequestTelemetry) data(props map[string]string) (string, string, any) {
	return contracts.RequestName, contracts.RequestBaseType, contracts.RequestData{
		Ver:          2,
		ID:           r.ID,
		Source:       r.Source,
		Name:         r.Name,
		Duration:     contracts.FormatDuration(r.Duration),
		ResponseCode: r.ResponseCode,
		Success:      r.IsSuccess(),
		URL:          r.URL,
		Properties:   props,
		Measurements: r.Measurements,
	}
}

// RemoteDependencyTelemetry is an outgoing call made by the application.
type RemoteDependencyTelemetry struct {
	Common
	ID           string
	Name         string
	Type         string
	Target       string
	Data         string
	ResultCode   string
	Duration     time.Duration
	Success      bool
	Measurements Measurements
}

// NewRemoteDependency describes a dependency call.
func NewRemoteDependency(name, dependencyType, target string, duration time.Duration, success bool) *RemoteDependencyTelemetry {
	return &RemoteDependencyTelemetry{
		ID:       uuid.NewString(),
		Name:     name,
		Type:     dependencyType,
		Target:   target,
		Duration: duration,
		Success:  success,
	}
}

func (d *RemoteDependencyTelemetry) data(props map[string]string) (string, string, any) {
	return contracts.RemoteDependencyName, contracts.RemoteDependencyBaseType, contracts.RemoteDependencyData{
		Ver:          2,
		Name:         d.Name,
		ID:           d.ID,
		ResultCode:   d.ResultCode,
		Duration:     contracts.FormatDuration(d.Duration),
		Success:      d.Success,
		Data:         d.Data,
		Target:       d.Target,
		Type:         d.Type,
		Properties:   props,
		Measurements: d.Measurements,
	}
}

// AvailabilityTelemetry is the result of an availability probe.
type AvailabilityTelemetry struct {
	Common
	ID           string
	Name         string
	Duration     time.Duration
	Success      bool
	RunLocation  string
	Message      string
	Measurements Measurements
}

// NewAvailability describes one probe run.
func NewAvailability(name string, duration time.Duration, success bool) *AvailabilityTelemetry {
	return &AvailabilityTelemetry{ID: uuid.NewString(), Name: name, Duration: duration, Success: success}
}

func (a *AvailabilityTelemetry) data(props map[string]string) (string, string, any) {
	return contracts.AvailabilityName, contracts.AvailabilityBaseType, contracts.AvailabilityData{
		Ver:          2,
		ID:           a.ID,
		Name:         a.Name,
		Duration:     contracts.FormatDuration(a.Duration),
		Success:      a.Success,
		RunLocation:  a.RunLocation,
		Message:      a.Message,
		Properties:   props,
		Measurements: a.Measurements,
	}
}

// String renders an item for logs.
func String(t Telemetry) string {
	kind, name := describe(t)
	if name == "" {
		return kind
	}
	return kind + " " + name
}

// describe returns a short kind and the item's name. Traces have no name.
func describe(t Telemetry) (kind, name string) {
	switch v := t.(type) {
	case *EventTelemetry:
		return "event", v.Name
	case *TraceTelemetry:
		return "trace", ""
	case *MetricTelemetry:
		return "metric", v.Name
	case *AggregateMetricTelemetry:
		return "metric", v.Name
	case *RequestTelemetry:
		return "request", v.Name
	case *RemoteDependencyTelemetry:
		return "dependency", v.Name
	case *AvailabilityTelemetry:
		return "availability", v.Name
	case *ExceptionTelemetry:
		return "exception", v.typeName()
	default:
		return fmt.Sprintf("%T", t), ""
	}
}
