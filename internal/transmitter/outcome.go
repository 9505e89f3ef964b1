package transmitter

import (
	"fmt"
	"time"
)

// Kind is the classification of one transmission attempt.
type Kind int

const (
	// Success means every item was accepted.
	Success Kind = iota
	// RetryableFailure means nothing was accepted and the whole batch may
	// be sent again.
	RetryableFailure
	// FatalFailure means nothing was accepted and resending cannot help.
	FatalFailure
	// PartialFailure means some items were accepted. Outcome.Retry lists
	// the indices worth resending, Outcome.Rejected those refused for good.
	PartialFailure
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable"
	case FatalFailure:
		return "fatal"
	case PartialFailure:
		return "partial"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the result of Transmit. Indices refer to positions in the
// batch as it was sent.
type Outcome struct {
	Kind     Kind
	Retry    []int
	Rejected []int
	// RetryAfter is the server-requested minimum wait before resending,
	// zero when the server did not ask for one.
	RetryAfter time.Duration
	StatusCode int
	Err        error
}

// Accepted returns how many items of an n-item batch were accepted.
func (o Outcome) Accepted(n int) int {
	switch o.Kind {
	case Success:
		return n
	case PartialFailure:
		return max(n-len(o.Retry)-len(o.Rejected), 0)
	default:
		return 0
	}
}

// ErrorType represents a category of send error.
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeServerError ErrorType = "server_error"
	ErrorTypeClientError ErrorType = "client_error"
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypePartial     ErrorType = "partial"
	ErrorTypeUnknown     ErrorType = "unknown"
)

// SendError is carried in Outcome.Err for every non-success outcome.
type SendError struct {
	Err        error
	Type       ErrorType
	StatusCode int
	// Message is the (truncated) response body or error detail.
	Message string
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Message != "" {
		return fmt.Sprintf("send error: type=%s status=%d: %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("send error: type=%s status=%d", e.Type, e.StatusCode)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsRetryable reports whether the same request may succeed later.
func (e *SendError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeServerError, ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypePartial:
		return true
	default:
		return false
	}
}
