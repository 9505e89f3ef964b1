package retry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/szibis/insights-go/internal/buffer"
	"github.com/szibis/insights-go/internal/clock"
	"github.com/szibis/insights-go/internal/transmitter"
)

var t0 = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

type fixedRand float64

func (f fixedRand) Float64() float64 { return float64(f) }

// scriptedTransmitter returns queued outcomes in order and records batches.
type scriptedTransmitter struct {
	mu       sync.Mutex
	outcomes []transmitter.Outcome
	sent     [][]string
}

func (s *scriptedTransmitter) Transmit(_ context.Context, b buffer.Batch) transmitter.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, it := range b.Items {
		names = append(names, string(it.Payload))
	}
	s.sent = append(s.sent, names)
	if len(s.outcomes) == 0 {
		return transmitter.Outcome{Kind: transmitter.Success, StatusCode: 200}
	}
	out := s.outcomes[0]
	s.outcomes = s.outcomes[1:]
	return out
}

func batchOf(names ...string) buffer.Batch {
	var items []*buffer.Item
	for _, n := range names {
		items = append(items, buffer.NewItem([]byte(n), "test"))
	}
	return buffer.NewBatch(items)
}

func drainAll(b *buffer.Buffer, now time.Time) string {
	var names []string
	for _, it := range b.Drain(now, 0, 0).Items {
		names = append(names, string(it.Payload))
	}
	return strings.Join(names, ",")
}

var testPolicy = Policy{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: 16 * time.Second, Jitter: 0.1}

func retryable() transmitter.Outcome {
	return transmitter.Outcome{Kind: transmitter.RetryableFailure, StatusCode: 503, Err: errors.New("unavailable")}
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{BaseDelay: 2 * time.Second, MaxDelay: 16 * time.Second, Jitter: 0.1}
	tests := []struct {
		attempt int
		rnd     float64
		want    time.Duration
	}{
		{0, 0, 2 * time.Second},
		{1, 0, 2 * time.Second},
		{2, 0, 4 * time.Second},
		{3, 0, 8 * time.Second},
		{4, 0, 16 * time.Second},
		{10, 0, 16 * time.Second},
		{1, 0.5, 2*time.Second + 100*time.Millisecond},
		{4, 0.99, 16 * time.Second},
		{1000, 0, 16 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt, fixedRand(tt.rnd)); got != tt.want {
			t.Errorf("Delay(%d, %v) = %v, want %v", tt.attempt, tt.rnd, got, tt.want)
		}
	}
}

func TestPolicyDelayNeverExceedsCap(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Jitter: 0.5}
	for attempt := 1; attempt < 70; attempt++ {
		for _, r := range []float64{0, 0.3, 0.999} {
			d := p.Delay(attempt, fixedRand(r))
			if d > p.MaxDelay || d < p.BaseDelay {
				t.Fatalf("Delay(%d,%v) = %v out of [%v,%v]", attempt, r, d, p.BaseDelay, p.MaxDelay)
			}
		}
	}
}

func TestProcessSuccess(t *testing.T) {
	tx := &scriptedTransmitter{}
	buf := buffer.New(10)
	c := New(tx, buf, testPolicy, clock.NewFake(t0), fixedRand(0))

	res := c.Process(context.Background(), batchOf("a", "b"))
	if res.Delivered != 2 || res.Requeued != 0 || res.DroppedTotal() != 0 || res.Requests != 1 {
		t.Fatalf("result = %+v", res)
	}
	if buf.Len() != 0 {
		t.Fatalf("buffer len = %d", buf.Len())
	}
}

func TestProcessEmptyBatch(t *testing.T) {
	tx := &scriptedTransmitter{}
	c := New(tx, buffer.New(1), testPolicy, clock.NewFake(t0), fixedRand(0))
	if res := c.Process(context.Background(), buffer.Batch{}); res.Requests != 0 {
		t.Fatalf("empty batch transmitted: %+v", res)
	}
}

func TestRetryableRequeuedAfterDelay(t *testing.T) {
	fake := clock.NewFake(t0)
	tx := &scriptedTransmitter{outcomes: []transmitter.Outcome{retryable()}}
	buf := buffer.New(10)
	c := New(tx, buf, testPolicy, fake, fixedRand(0))

	res := c.Process(context.Background(), batchOf("a", "b", "c"))
	if res.Requeued != 3 || res.Delivered != 0 {
		t.Fatalf("result = %+v", res)
	}
	if buf.Len() != 3 {
		t.Fatalf("buffer len = %d, want 3", buf.Len())
	}
	// absent from any send before the delay elapses
	if got := drainAll(buf, t0.Add(2*time.Second-time.Nanosecond)); got != "" {
		t.Fatalf("drained %q before backoff elapsed", got)
	}
	if got := drainAll(buf, t0.Add(2*time.Second)); got != "a,b,c" {
		t.Fatalf("drained %q after backoff, want a,b,c", got)
	}
}

func TestRetryAfterRaisesDelay(t *testing.T) {
	fake := clock.NewFake(t0)
	out := retryable()
	out.RetryAfter = 30 * time.Second
	tx := &scriptedTransmitter{outcomes: []transmitter.Outcome{out}}
	buf := buffer.New(10)
	c := New(tx, buf, testPolicy, fake, fixedRand(0))

	c.Process(context.Background(), batchOf("a"))
	next, ok := buf.NextEligible()
	if !ok || !next.Equal(t0.Add(30*time.Second)) {
		t.Fatalf("NextEligible = %v, want %v", next, t0.Add(30*time.Second))
	}
}

func TestPartialFailureRetriesOnlyListed(t *testing.T) {
	tx := &scriptedTransmitter{outcomes: []transmitter.Outcome{
		{Kind: transmitter.PartialFailure, StatusCode: 206, Retry: []int{1}, Rejected: []int{3}},
	}}
	buf := buffer.New(10)
	c := New(tx, buf, testPolicy, clock.NewFake(t0), fixedRand(0))

	res := c.Process(context.Background(), batchOf("a", "b", "c", "d"))
	if res.Delivered != 2 || res.Requeued != 1 || res.Dropped[ReasonRejected] != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := drainAll(buf, t0.Add(time.Hour)); got != "b" {
		t.Fatalf("requeued %q, want b", got)
	}
}

func TestFatalDropsBatch(t *testing.T) {
	tx := &scriptedTransmitter{outcomes: []transmitter.Outcome{{Kind: transmitter.FatalFailure, StatusCode: 400}}}
	buf := buffer.New(10)
	c := New(tx, buf, testPolicy, clock.NewFake(t0), fixedRand(0))

	res := c.Process(context.Background(), batchOf("a", "b"))
	if res.Dropped[ReasonFatal] != 2 || buf.Len() != 0 {
		t.Fatalf("result = %+v, buffer len %d", res, buf.Len())
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	fake := clock.NewFake(t0)
	tx := &scriptedTransmitter{outcomes: []transmitter.Outcome{retryable(), retryable(), retryable(), retryable()}}
	buf := buffer.New(10)
	c := New(tx, buf, testPolicy, fake, fixedRand(0))

	batch := batchOf("a")
	var res Result
	for i := 0; i < testPolicy.MaxRetries; i++ {
		res = c.Process(context.Background(), batch)
		fake.Advance(time.Hour)
		batch = buf.Drain(fake.Now(), 0, 0)
		if i < testPolicy.MaxRetries-1 && batch.Len() != 1 {
			t.Fatalf("attempt %d: item not requeued", i+1)
		}
	}
	if res.Dropped[ReasonRetriesExhausted] != 1 {
		t.Fatalf("final result = %+v", res)
	}
	if !batch.Empty() || buf.Len() != 0 {
		t.Fatal("item retried after budget exhausted")
	}
	if len(tx.sent) != testPolicy.MaxRetries {
		t.Fatalf("sent %d times, want %d", len(tx.sent), testPolicy.MaxRetries)
	}
}

func TestCancelledSendKeepsAttempt(t *testing.T) {
	tx := &scriptedTransmitter{outcomes: []transmitter.Outcome{retryable()}}
	buf := buffer.New(10)
	c := New(tx, buf, testPolicy, clock.NewFake(t0), fixedRand(0))

	batch := batchOf("a", "b")
	for _, it := range batch.Items {
		it.Retry.Attempt = testPolicy.MaxRetries - 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := c.Process(ctx, batch)
	if res.DroppedTotal() != 0 || res.Requeued != 2 {
		t.Fatalf("result = %+v", res)
	}
	for _, it := range buf.Clear() {
		if it.Retry.Attempt != testPolicy.MaxRetries-1 {
			t.Fatalf("attempt = %d, want %d", it.Retry.Attempt, testPolicy.MaxRetries-1)
		}
	}
}

func TestSplitInheritsAttempt(t *testing.T) {
	fake := clock.NewFake(t0)
	tx := &scriptedTransmitter{outcomes: []transmitter.Outcome{
		retryable(),
		{Kind: transmitter.PartialFailure, StatusCode: 206, Retry: []int{0}},
		{Kind: transmitter.PartialFailure, StatusCode: 206, Retry: []int{0}},
	}}
	buf := buffer.New(10)
	c := New(tx, buf, testPolicy, fake, fixedRand(0))

	c.Process(context.Background(), batchOf("a", "b"))
	fake.Advance(time.Hour)
	c.Process(context.Background(), buf.Drain(fake.Now(), 0, 0))
	fake.Advance(time.Hour)
	batch := buf.Drain(fake.Now(), 0, 0)
	if batch.Len() != 1 {
		t.Fatalf("sub-batch has %d items, want 1", batch.Len())
	}
	if got := batch.Items[0].Retry.Attempt; got != 2 {
		t.Fatalf("sub-batch attempt = %d, want 2", got)
	}
	// third failure of the same item exhausts the budget of 3
	res := c.Process(context.Background(), batch)
	if res.Dropped[ReasonRetriesExhausted] != 1 || buf.Len() != 0 {
		t.Fatalf("result = %+v, buffer len %d", res, buf.Len())
	}
}

func TestMixedAttemptsSentAsSeparateBatches(t *testing.T) {
	fake := clock.NewFake(t0)
	tx := &scriptedTransmitter{}
	buf := buffer.New(10)
	c := New(tx, buf, testPolicy, fake, fixedRand(0))

	old := buffer.NewItem([]byte("old"), "test")
	old.Retry = buffer.RetryState{Attempt: 2}
	fresh := buffer.NewItem([]byte("new"), "test")
	res := c.Process(context.Background(), buffer.NewBatch([]*buffer.Item{old, fresh}))
	if res.Requests != 2 || res.Delivered != 2 {
		t.Fatalf("result = %+v", res)
	}
	if len(tx.sent) != 2 || tx.sent[0][0] != "old" || tx.sent[1][0] != "new" {
		t.Fatalf("sent = %v", tx.sent)
	}
}

func TestRequeueKeepsDrainOrderAcrossGroups(t *testing.T) {
	fake := clock.NewFake(t0)
	tx := &scriptedTransmitter{outcomes: []transmitter.Outcome{retryable(), retryable()}}
	buf := buffer.New(10)
	c := New(tx, buf, testPolicy, fake, fixedRand(0))

	a := buffer.NewItem([]byte("a"), "test")
	a.Retry = buffer.RetryState{Attempt: 1}
	b := buffer.NewItem([]byte("b"), "test")
	c.Process(context.Background(), buffer.NewBatch([]*buffer.Item{a, b}))

	if got := drainAll(buf, t0.Add(time.Hour)); got != "a,b" {
		t.Fatalf("buffer order = %q, want a,b", got)
	}
}

func TestRequeueOverflowCounted(t *testing.T) {
	tx := &scriptedTransmitter{outcomes: []transmitter.Outcome{retryable()}}
	buf := buffer.New(2)
	buf.Push(buffer.NewItem([]byte("x"), "test"))
	buf.Push(buffer.NewItem([]byte("y"), "test"))
	c := New(tx, buf, testPolicy, clock.NewFake(t0), fixedRand(0))

	res := c.Process(context.Background(), batchOf("a"))
	if res.Dropped[ReasonRequeueOverflow] != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := drainAll(buf, t0.Add(time.Hour)); got != "a,x" {
		t.Fatalf("buffer = %q, want a,x", got)
	}
}
