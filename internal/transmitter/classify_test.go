package transmitter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"testing"
	"time"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func TestClassify(t *testing.T) {
	partialBody := `{"itemsReceived":4,"itemsAccepted":1,"errors":[{"index":2,"statusCode":500,"message":"x"},{"index":0,"statusCode":429,"message":"x"},{"index":3,"statusCode":400,"message":"bad"}]}`
	tests := []struct {
		name       string
		status     int
		header     http.Header
		body       string
		wantKind   Kind
		wantRetry  []int
		wantReject []int
		wantAfter  time.Duration
	}{
		{name: "200", status: 200, wantKind: Success},
		{name: "200 with item errors", status: 200, body: partialBody, wantKind: PartialFailure, wantRetry: []int{0, 2}, wantReject: []int{3}},
		{name: "206 all accepted", status: 206, body: `{"itemsReceived":2,"itemsAccepted":2,"errors":[]}`, wantKind: Success},
		{name: "206 partial", status: 206, body: partialBody, wantKind: PartialFailure, wantRetry: []int{0, 2}, wantReject: []int{3}},
		{name: "206 only rejected", status: 206, body: `{"itemsReceived":2,"itemsAccepted":1,"errors":[{"index":1,"statusCode":400}]}`, wantKind: PartialFailure, wantReject: []int{1}},
		{name: "206 unparsable", status: 206, body: `not json`, wantKind: RetryableFailure},
		{name: "206 out of range index", status: 206, body: `{"itemsReceived":2,"itemsAccepted":1,"errors":[{"index":7,"statusCode":500}]}`, wantKind: Success},
		{name: "429 no body", status: 429, header: http.Header{"Retry-After": {"7"}}, wantKind: RetryableFailure, wantAfter: 7 * time.Second},
		{name: "429 with body", status: 429, body: partialBody, wantKind: PartialFailure, wantRetry: []int{0, 2}, wantReject: []int{3}},
		{name: "408", status: 408, wantKind: RetryableFailure},
		{name: "500 with body", status: 500, body: partialBody, wantKind: PartialFailure, wantRetry: []int{0, 2}, wantReject: []int{3}},
		{name: "500 no body", status: 500, wantKind: RetryableFailure},
		{name: "503 retry-after date", status: 503, header: http.Header{"Retry-After": {now.Add(time.Minute).Format(http.TimeFormat)}}, wantKind: RetryableFailure, wantAfter: time.Minute},
		{name: "502", status: 502, wantKind: RetryableFailure},
		{name: "507", status: 507, wantKind: RetryableFailure},
		{name: "400", status: 400, wantKind: FatalFailure},
		{name: "401", status: 401, wantKind: FatalFailure},
		{name: "403", status: 403, wantKind: FatalFailure},
		{name: "413", status: 413, wantKind: FatalFailure},
		{name: "302", status: 302, wantKind: FatalFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.header
			if h == nil {
				h = http.Header{}
			}
			out := classify(tt.status, h, []byte(tt.body), 4, now)
			if out.Kind != tt.wantKind {
				t.Fatalf("kind = %s, want %s (err %v)", out.Kind, tt.wantKind, out.Err)
			}
			if !slices.Equal(out.Retry, tt.wantRetry) {
				t.Errorf("retry = %v, want %v", out.Retry, tt.wantRetry)
			}
			if !slices.Equal(out.Rejected, tt.wantReject) {
				t.Errorf("rejected = %v, want %v", out.Rejected, tt.wantReject)
			}
			if out.RetryAfter != tt.wantAfter {
				t.Errorf("retry after = %v, want %v", out.RetryAfter, tt.wantAfter)
			}
			if out.StatusCode != tt.status {
				t.Errorf("status = %d", out.StatusCode)
			}
			if (out.Kind == Success) != (out.Err == nil) {
				t.Errorf("err = %v for kind %s", out.Err, out.Kind)
			}
		})
	}
}

func TestClassifyErrorTypes(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorType
	}{
		{401, ErrorTypeAuth},
		{429, ErrorTypeRateLimit},
		{408, ErrorTypeTimeout},
		{400, ErrorTypeClientError},
		{503, ErrorTypeServerError},
	}
	for _, tt := range tests {
		out := classify(tt.status, http.Header{}, nil, 1, now)
		var se *SendError
		if !errors.As(out.Err, &se) {
			t.Fatalf("status %d: err %T is not *SendError", tt.status, out.Err)
		}
		if se.Type != tt.want {
			t.Errorf("status %d: type = %s, want %s", tt.status, se.Type, tt.want)
		}
		if se.IsRetryable() != (out.Kind == RetryableFailure) {
			t.Errorf("status %d: IsRetryable = %v for kind %s", tt.status, se.IsRetryable(), out.Kind)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"-5", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{now.Add(2 * time.Minute).Format(time.RFC1123Z), 2 * time.Minute},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestClassifyTransportError(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorType
	}{
		{context.DeadlineExceeded, ErrorTypeTimeout},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), ErrorTypeTimeout},
		{&net.OpError{Op: "dial", Err: errors.New("connection refused")}, ErrorTypeNetwork},
		{errors.New("read: connection reset by peer"), ErrorTypeNetwork},
		{errors.New("i/o timeout"), ErrorTypeTimeout},
		{errors.New("something odd"), ErrorTypeUnknown},
		{nil, ErrorTypeUnknown},
	}
	for _, tt := range tests {
		if got := classifyError(tt.err); got != tt.want {
			t.Errorf("classifyError(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestOutcomeAccepted(t *testing.T) {
	if n := (Outcome{Kind: Success}).Accepted(5); n != 5 {
		t.Errorf("success accepted %d", n)
	}
	if n := (Outcome{Kind: PartialFailure, Retry: []int{1}, Rejected: []int{2, 3}}).Accepted(5); n != 2 {
		t.Errorf("partial accepted %d", n)
	}
	if n := (Outcome{Kind: FatalFailure}).Accepted(5); n != 0 {
		t.Errorf("fatal accepted %d", n)
	}
}
