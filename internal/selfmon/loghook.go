package selfmon

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	otellog "go.opentelemetry.io/otel/log"

	"github.com/szibis/insights-go/internal/logging"
)

// NewLogHook returns a logging.LogHook that forwards the process log to the
// OTLP log exporter. It returns nil when self-monitoring is off.
func (m *Monitor) NewLogHook() logging.LogHook {
	if m == nil || m.logger == nil {
		return nil
	}
	logger := m.logger

	return func(level logging.Level, msg string, attrs map[string]interface{}) {
		logger.Emit(context.Background(), newLogRecord(time.Now(), level, msg, attrs))
	}
}

// newLogRecord builds one OTLP log record. Attributes are added in key
// order so repeated channel messages export identically.
func newLogRecord(now time.Time, level logging.Level, msg string, attrs map[string]interface{}) otellog.Record {
	var record otellog.Record
	record.SetTimestamp(now)
	record.SetObservedTimestamp(now)
	record.SetBody(otellog.StringValue(msg))
	record.SetSeverity(toOTELSeverity(level))
	record.SetSeverityText(string(level))

	if len(attrs) == 0 {
		return record
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	kvs := make([]otellog.KeyValue, 0, len(keys))
	for _, k := range keys {
		kvs = append(kvs, otellog.KeyValue{Key: k, Value: toOTELValue(attrs[k])})
	}
	record.AddAttributes(kvs...)
	return record
}

// toOTELSeverity maps a level through its OTEL severity number; unknown
// levels are reported as INFO.
func toOTELSeverity(level logging.Level) otellog.Severity {
	if n := logging.SeverityNumber(level); n > 0 {
		return otellog.Severity(n)
	}
	return otellog.SeverityInfo
}

func toOTELValue(v interface{}) otellog.Value {
	switch val := v.(type) {
	case nil:
		return otellog.StringValue("<nil>")
	case string:
		return otellog.StringValue(val)
	case int:
		return otellog.IntValue(val)
	case int64:
		return otellog.Int64Value(val)
	case uint64:
		// channel counters; clamp instead of wrapping negative
		if val > math.MaxInt64 {
			return otellog.Int64Value(math.MaxInt64)
		}
		return otellog.Int64Value(int64(val))
	case float64:
		return otellog.Float64Value(val)
	case bool:
		return otellog.BoolValue(val)
	case time.Duration:
		return otellog.StringValue(val.String())
	case error:
		return otellog.StringValue(val.Error())
	case map[string]string:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		kvs := make([]otellog.KeyValue, 0, len(keys))
		for _, k := range keys {
			kvs = append(kvs, otellog.String(k, val[k]))
		}
		return otellog.MapValue(kvs...)
	case []string:
		vals := make([]otellog.Value, len(val))
		for i, s := range val {
			vals[i] = otellog.StringValue(s)
		}
		return otellog.SliceValue(vals...)
	default:
		return otellog.StringValue(fmt.Sprint(val))
	}
}
