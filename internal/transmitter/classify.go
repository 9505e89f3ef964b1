package transmitter

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/szibis/insights-go/internal/contracts"
)

const maxMessageLen = 512

// classify turns an HTTP response into an Outcome for a batch of n items.
func classify(status int, header http.Header, body []byte, n int, now time.Time) Outcome {
	out := Outcome{StatusCode: status}
	tr, parsed := parseTransmission(body)

	switch status {
	case http.StatusOK:
		if parsed && len(tr.Errors) > 0 && tr.ItemsAccepted < tr.ItemsReceived {
			return partial(out, tr, n)
		}
		out.Kind = Success
		return out

	case http.StatusPartialContent:
		if !parsed {
			return failure(out, RetryableFailure, ErrorTypePartial, body)
		}
		if tr.ItemsAccepted == tr.ItemsReceived {
			out.Kind = Success
			return out
		}
		return partial(out, tr, n)

	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		out.RetryAfter = parseRetryAfter(header.Get("Retry-After"), now)
		errType := ErrorTypeRateLimit
		if status == http.StatusRequestTimeout {
			errType = ErrorTypeTimeout
		}
		if parsed && len(tr.Errors) > 0 {
			if out = partial(out, tr, n); out.Kind == PartialFailure {
				out.Err = sendError(errType, status, body)
			}
			return out
		}
		return failure(out, RetryableFailure, errType, body)

	case http.StatusInternalServerError:
		if parsed && len(tr.Errors) > 0 {
			if out = partial(out, tr, n); out.Kind == PartialFailure {
				out.Err = sendError(ErrorTypeServerError, status, body)
			}
			return out
		}
		return failure(out, RetryableFailure, ErrorTypeServerError, body)

	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		out.RetryAfter = parseRetryAfter(header.Get("Retry-After"), now)
		return failure(out, RetryableFailure, ErrorTypeServerError, body)

	case http.StatusUnauthorized, http.StatusForbidden:
		return failure(out, FatalFailure, ErrorTypeAuth, body)
	}

	switch {
	case status >= 500:
		return failure(out, RetryableFailure, ErrorTypeServerError, body)
	case status >= 400:
		return failure(out, FatalFailure, ErrorTypeClientError, body)
	default:
		return failure(out, FatalFailure, ErrorTypeUnknown, body)
	}
}

// partial splits the per-item errors of tr into retryable and rejected
// indices. Indices outside the batch are ignored.
func partial(out Outcome, tr contracts.Transmission, n int) Outcome {
	seen := make(map[int]struct{}, len(tr.Errors))
	for _, e := range tr.Errors {
		if e.Index < 0 || e.Index >= n {
			continue
		}
		if _, dup := seen[e.Index]; dup {
			continue
		}
		seen[e.Index] = struct{}{}
		if contracts.RetryableItemStatus(e.StatusCode) {
			out.Retry = append(out.Retry, e.Index)
		} else {
			out.Rejected = append(out.Rejected, e.Index)
		}
	}
	slices.Sort(out.Retry)
	slices.Sort(out.Rejected)

	if len(out.Retry) == 0 && len(out.Rejected) == 0 {
		out.Kind = Success
		return out
	}
	out.Kind = PartialFailure
	out.Err = &SendError{
		Type:       ErrorTypePartial,
		StatusCode: out.StatusCode,
		Message:    "accepted " + strconv.Itoa(tr.ItemsAccepted) + " of " + strconv.Itoa(tr.ItemsReceived) + " items",
	}
	return out
}

func failure(out Outcome, kind Kind, t ErrorType, body []byte) Outcome {
	out.Kind = kind
	out.Err = sendError(t, out.StatusCode, body)
	return out
}

func sendError(t ErrorType, status int, body []byte) *SendError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen]
	}
	return &SendError{Type: t, StatusCode: status, Message: msg}
}

func parseTransmission(body []byte) (contracts.Transmission, bool) {
	var tr contracts.Transmission
	if len(body) == 0 {
		return tr, false
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return tr, false
	}
	return tr, true
}

// parseRetryAfter accepts delta-seconds or an HTTP date. Past dates and
// garbage yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	t, err := http.ParseTime(v)
	if err != nil {
		if t, err = time.Parse(time.RFC1123Z, v); err != nil {
			return 0
		}
	}
	if d := t.Sub(now); d > 0 {
		return d
	}
	return 0
}

// classifyError categorizes a transport-level error.
func classifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{"connection refused", "no such host", "network is unreachable", "connection reset", "broken pipe", "eof"} {
		if strings.Contains(msg, p) {
			return ErrorTypeNetwork
		}
	}
	if strings.Contains(msg, "timeout") {
		return ErrorTypeTimeout
	}
	return ErrorTypeUnknown
}
