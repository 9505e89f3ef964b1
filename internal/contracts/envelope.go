// Package contracts holds the JSON wire schema of the ingestion endpoint.
package contracts

import (
	"fmt"
	"time"
)

// Envelope is one telemetry record as sent to the ingestion endpoint.
type Envelope struct {
	Ver        int               `json:"ver"`
	Name       string            `json:"name"`
	Time       string            `json:"time"`
	SampleRate float64           `json:"sampleRate"`
	Seq        string            `json:"seq,omitempty"`
	IKey       string            `json:"iKey,omitempty"`
	Flags      int64             `json:"flags,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Data       *Data             `json:"data,omitempty"`
}

// Data wraps the typed payload of an envelope.
type Data struct {
	BaseType string `json:"baseType"`
	BaseData any    `json:"baseData"`
}

// Envelope names and base types, keyed by kind.
const (
	EventName            = "Microsoft.ApplicationInsights.Event"
	MessageName          = "Microsoft.ApplicationInsights.Message"
	MetricName           = "Microsoft.ApplicationInsights.Metric"
	RequestName          = "Microsoft.ApplicationInsights.Request"
	RemoteDependencyName = "Microsoft.ApplicationInsights.RemoteDependency"
	ExceptionName        = "Microsoft.ApplicationInsights.Exception"
	AvailabilityName     = "Microsoft.ApplicationInsights.Availability"

	EventBaseType            = "EventData"
	MessageBaseType          = "MessageData"
	MetricBaseType           = "MetricData"
	RequestBaseType          = "RequestData"
	RemoteDependencyBaseType = "RemoteDependencyData"
	ExceptionBaseType        = "ExceptionData"
	AvailabilityBaseType     = "AvailabilityData"
)

// FormatTime renders t as UTC RFC 3339 with millisecond precision.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// FormatDuration renders d as d.hh:mm:ss.fffffff (100ns ticks).
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ns := d.Nanoseconds()
	ticks := ns / 100 % 10_000_000
	total := ns / int64(time.Second)
	return fmt.Sprintf("%d.%02d:%02d:%02d.%07d",
		total/86400, total/3600%24, total/60%60, total%60, ticks)
}
