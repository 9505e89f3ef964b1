// Package transmitter sends batches of serialized envelopes to the
// ingestion endpoint and classifies the response.
package transmitter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/szibis/insights-go/internal/buffer"
	"github.com/szibis/insights-go/internal/compression"
	"github.com/szibis/insights-go/internal/logging"
)

// DefaultEndpoint is the public ingestion endpoint.
const DefaultEndpoint = "https://dc.services.visualstudio.com/v2/track"

// maxResponseBody caps how much of a response body is read for classification.
const maxResponseBody = 1 << 20

var (
	transmitRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insights_transmit_requests_total",
		Help: "Total transmission attempts by outcome",
	}, []string{"outcome"})

	transmitErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insights_transmit_errors_total",
		Help: "Total failed transmissions by error type",
	}, []string{"error_type"})

	transmitBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insights_transmit_bytes_total",
		Help: "Total request body bytes sent, by compression",
	}, []string{"compression"})

	transmitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "insights_transmit_duration_seconds",
		Help:    "Duration of transmission requests",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(transmitRequestsTotal)
	prometheus.MustRegister(transmitErrorsTotal)
	prometheus.MustRegister(transmitBytesTotal)
	prometheus.MustRegister(transmitDuration)

	for _, k := range []Kind{Success, RetryableFailure, FatalFailure, PartialFailure} {
		transmitRequestsTotal.WithLabelValues(k.String()).Add(0)
	}
}

// Transmitter sends one batch and reports what happened to each item.
// Implementations must be safe to call again with the same batch.
type Transmitter interface {
	Transmit(ctx context.Context, batch buffer.Batch) Outcome
}

// Config holds the HTTP transmitter configuration.
type Config struct {
	// Endpoint is the full ingestion URL.
	Endpoint string
	// Timeout bounds one request, including reading the response.
	Timeout     time.Duration
	Compression compression.Config
	// BearerToken, when set, is sent as "Authorization: Bearer <token>".
	BearerToken string
	Headers     map[string]string
	UserAgent   string
	TLS         TLSConfig
	HTTPClient  HTTPClientConfig
}

// HTTPTransmitter posts batches as a JSON array of envelopes.
type HTTPTransmitter struct {
	endpoint    string
	timeout     time.Duration
	compression compression.Config
	client      *http.Client
	now         func() time.Time
	tracer      trace.Tracer
}

// New creates an HTTPTransmitter.
func New(cfg Config) (*HTTPTransmitter, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", cfg.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid endpoint %q: scheme must be http or https", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	rt, err := newTransport(cfg, u.Scheme == "https")
	if err != nil {
		return nil, err
	}

	return &HTTPTransmitter{
		endpoint:    u.String(),
		timeout:     cfg.Timeout,
		compression: cfg.Compression,
		client:      &http.Client{Transport: rt},
		now:         time.Now,
		tracer:      otel.Tracer("github.com/szibis/insights-go/internal/transmitter"),
	}, nil
}

// Transmit sends batch and classifies the result. It never returns a Go
// error: transport failures become a RetryableFailure outcome.
func (t *HTTPTransmitter) Transmit(ctx context.Context, batch buffer.Batch) Outcome {
	ctx, span := t.tracer.Start(ctx, "insights.transmit",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodPost,
			semconv.URLFull(t.endpoint),
			attribute.Int("insights.batch.items", batch.Len()),
			attribute.Int64("insights.batch.bytes", batch.Bytes),
		))
	defer span.End()

	out := t.transmit(ctx, batch)

	transmitRequestsTotal.WithLabelValues(out.Kind.String()).Inc()
	if out.StatusCode != 0 {
		span.SetAttributes(semconv.HTTPResponseStatusCode(out.StatusCode))
	}
	span.SetAttributes(attribute.String("insights.outcome", out.Kind.String()))
	if out.Kind != Success {
		errType := ErrorTypeUnknown
		if se, ok := out.Err.(*SendError); ok {
			errType = se.Type
		}
		transmitErrorsTotal.WithLabelValues(string(errType)).Inc()
		span.SetStatus(codes.Error, out.Kind.String())
		if out.Err != nil {
			span.RecordError(out.Err)
		}
	}
	return out
}

func (t *HTTPTransmitter) transmit(ctx context.Context, batch buffer.Batch) Outcome {
	body := encodeBatch(batch)
	compressionLabel := "none"
	if t.compression.Type != compression.TypeNone && t.compression.Type != "" {
		compressed, err := compression.Compress(body, t.compression)
		if err != nil {
			return Outcome{Kind: FatalFailure, Err: &SendError{Type: ErrorTypeUnknown, Err: fmt.Errorf("failed to compress request: %w", err)}}
		}
		body = compressed
		compressionLabel = string(t.compression.Type)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{Kind: FatalFailure, Err: &SendError{Type: ErrorTypeUnknown, Err: fmt.Errorf("failed to create request: %w", err)}}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if enc := t.compression.Type.ContentEncoding(); enc != "" {
		req.Header.Set("Content-Encoding", enc)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := t.client.Do(req)
	transmitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		errType := classifyError(err)
		logging.Debug("transmission failed", logging.F("items", batch.Len(), "error_type", string(errType), "error", err.Error()))
		return Outcome{Kind: RetryableFailure, Err: &SendError{Type: errType, Err: fmt.Errorf("failed to send request: %w", err)}}
	}
	defer resp.Body.Close()

	transmitBytesTotal.WithLabelValues(compressionLabel).Add(float64(len(body)))

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	// drain anything past the limit so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	out := classify(resp.StatusCode, resp.Header, respBody, batch.Len(), t.now())
	logging.Debug("transmission completed", logging.F(
		"items", batch.Len(),
		"status", resp.StatusCode,
		"outcome", out.Kind.String(),
		"retry", len(out.Retry),
		"rejected", len(out.Rejected),
		"retry_after", out.RetryAfter.String(),
	))
	return out
}

// Close releases idle connections.
func (t *HTTPTransmitter) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// encodeBatch joins the items' JSON payloads into a JSON array.
func encodeBatch(batch buffer.Batch) []byte {
	size := 2 + int(batch.Bytes) + batch.Len()
	buf := make([]byte, 0, size)
	buf = append(buf, '[')
	for i, it := range batch.Items {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, it.Payload...)
	}
	return append(buf, ']')
}
