// Package retry drives a drained batch through transmission and decides,
// per item, whether it was delivered, must be resent later, or is dropped.
package retry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/insights-go/internal/buffer"
	"github.com/szibis/insights-go/internal/clock"
	"github.com/szibis/insights-go/internal/logging"
	"github.com/szibis/insights-go/internal/transmitter"
)

var (
	retryDelaySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "insights_retry_delay_seconds",
		Help:    "Backoff delay applied to requeued batches",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	retryTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insights_retry_batch_transitions_total",
		Help: "Batch state transitions out of in-flight",
	}, []string{"to"})
)

func init() {
	prometheus.MustRegister(retryDelaySeconds)
	prometheus.MustRegister(retryTransitionsTotal)

	for _, s := range []string{"delivered", "retrying", "dropped"} {
		retryTransitionsTotal.WithLabelValues(s).Add(0)
	}
}

// Requeuer takes items back after a retryable failure.
type Requeuer interface {
	Requeue(items []*buffer.Item, state buffer.RetryState) (evicted int)
}

// Result summarizes what happened to the items of one drained batch.
type Result struct {
	Sent      int
	Delivered int
	Requeued  int
	Dropped   map[DropReason]int
	// Requests is the number of transmissions made.
	Requests int
}

// DroppedTotal sums drops over all reasons.
func (r Result) DroppedTotal() int {
	n := 0
	for _, v := range r.Dropped {
		n += v
	}
	return n
}

func (r *Result) drop(reason DropReason, n int) {
	if n <= 0 {
		return
	}
	if r.Dropped == nil {
		r.Dropped = make(map[DropReason]int)
	}
	r.Dropped[reason] += n
}

// Coordinator owns batches for one attempt cycle. It is not safe for
// concurrent use; the channel worker is its only caller.
type Coordinator struct {
	tx     transmitter.Transmitter
	buf    Requeuer
	policy Policy
	clock  clock.Clock
	rand   Rand
}

// New creates a Coordinator. A nil clock or rand selects the real ones.
func New(tx transmitter.Transmitter, buf Requeuer, policy Policy, clk clock.Clock, rnd Rand) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	if rnd == nil {
		rnd = DefaultRand()
	}
	return &Coordinator{tx: tx, buf: buf, policy: policy, clock: clk, rand: rnd}
}

// Policy returns the coordinator's retry policy.
func (c *Coordinator) Policy() Policy { return c.policy }

// pending is one sub-batch waiting to go back into the buffer.
type pending struct {
	batch buffer.Batch
	state buffer.RetryState
}

// Process transmits batch and settles every item in it. Items that were
// drained together but carry different attempt counts are sent as separate
// sub-batches so each keeps its own counter.
func (c *Coordinator) Process(ctx context.Context, batch buffer.Batch) Result {
	var res Result
	if batch.Empty() {
		return res
	}

	var requeue []pending
	for _, group := range groupByAttempt(batch) {
		if p, ok := c.attempt(ctx, group, &res); ok {
			requeue = append(requeue, p)
		}
	}

	// Requeue in reverse so the buffer front ends up in drain order.
	for i := len(requeue) - 1; i >= 0; i-- {
		p := requeue[i]
		evicted := c.buf.Requeue(p.batch.Items, p.state)
		res.Requeued += p.batch.Len()
		res.drop(ReasonRequeueOverflow, evicted)
		if evicted > 0 {
			logging.Warn("buffer full, evicted newest telemetry to requeue retries", logging.F("evicted", evicted))
		}
	}
	return res
}

// attempt runs one sub-batch through InFlight and returns the part that
// must be retried, if any.
func (c *Coordinator) attempt(ctx context.Context, group buffer.Batch, res *Result) (pending, bool) {
	prior := group.Items[0].Retry.Attempt
	n := group.Len()

	out := c.tx.Transmit(ctx, group)
	res.Requests++
	res.Sent += n

	var retry buffer.Batch
	switch out.Kind {
	case transmitter.Success:
		res.Delivered += n
		retryTransitionsTotal.WithLabelValues("delivered").Inc()
		return pending{}, false

	case transmitter.FatalFailure:
		res.drop(ReasonFatal, n)
		retryTransitionsTotal.WithLabelValues("dropped").Inc()
		logging.Warn("dropping telemetry after fatal response", logging.F(
			"items", n,
			"status", out.StatusCode,
			"error", errString(out.Err),
		))
		return pending{}, false

	case transmitter.PartialFailure:
		res.Delivered += out.Accepted(n)
		res.drop(ReasonRejected, len(out.Rejected))
		if len(out.Rejected) > 0 {
			logging.Warn("endpoint rejected telemetry items", logging.F(
				"items", len(out.Rejected),
				"status", out.StatusCode,
			))
		}
		retry = group.Select(out.Retry)
		if retry.Empty() {
			retryTransitionsTotal.WithLabelValues("delivered").Inc()
			return pending{}, false
		}

	default:
		retry = group
		if ctx.Err() != nil {
			// Cancelled sends say nothing about the endpoint; the items keep
			// their retry state.
			retryTransitionsTotal.WithLabelValues("retrying").Inc()
			return pending{batch: retry, state: group.Items[0].Retry}, true
		}
	}

	failures := prior + 1
	if c.policy.Exhausted(failures) {
		res.drop(ReasonRetriesExhausted, retry.Len())
		retryTransitionsTotal.WithLabelValues("dropped").Inc()
		logging.Warn("dropping telemetry, retry budget exhausted", logging.F(
			"items", retry.Len(),
			"attempts", failures,
			"status", out.StatusCode,
			"error", errString(out.Err),
		))
		return pending{}, false
	}

	delay := c.policy.Delay(failures, c.rand)
	if out.RetryAfter > delay {
		delay = out.RetryAfter
	}
	retryDelaySeconds.Observe(delay.Seconds())
	retryTransitionsTotal.WithLabelValues("retrying").Inc()

	state := buffer.RetryState{Attempt: failures, NotBefore: c.clock.Now().Add(delay)}
	logging.Debug("scheduling telemetry retry", logging.F(
		"items", retry.Len(),
		"attempt", failures,
		"delay", delay.String(),
		"status", out.StatusCode,
	))
	return pending{batch: retry, state: state}, true
}

// groupByAttempt splits batch into runs of equal prior attempt count,
// ordered by first appearance, each keeping relative item order.
func groupByAttempt(batch buffer.Batch) []buffer.Batch {
	first := batch.Items[0].Retry.Attempt
	uniform := true
	for _, it := range batch.Items[1:] {
		if it.Retry.Attempt != first {
			uniform = false
			break
		}
	}
	if uniform {
		return []buffer.Batch{batch}
	}

	var order []int
	groups := make(map[int][]*buffer.Item)
	for _, it := range batch.Items {
		a := it.Retry.Attempt
		if _, ok := groups[a]; !ok {
			order = append(order, a)
		}
		groups[a] = append(groups[a], it)
	}
	out := make([]buffer.Batch, 0, len(order))
	for _, a := range order {
		out = append(out, buffer.NewBatch(groups[a]))
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
