package retry

// DropReason labels why telemetry was discarded without delivery.
type DropReason string

const (
	// ReasonFatal is a whole-batch fatal response (auth, malformed, 4xx).
	ReasonFatal DropReason = "fatal"
	// ReasonRejected is a per-item non-retryable status inside a partial response.
	ReasonRejected DropReason = "rejected"
	// ReasonRetriesExhausted means the retry budget ran out.
	ReasonRetriesExhausted DropReason = "retries_exhausted"
	// ReasonRequeueOverflow counts items evicted from the buffer tail to make
	// room for a requeued batch.
	ReasonRequeueOverflow DropReason = "requeue_overflow"
)

// Reasons lists every DropReason, for metric pre-registration.
var Reasons = []DropReason{ReasonFatal, ReasonRejected, ReasonRetriesExhausted, ReasonRequeueOverflow}
