package buffer

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	bufferItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "insights_buffer_items",
		Help: "Current number of telemetry items held in the channel buffer",
	})

	bufferBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "insights_buffer_bytes",
		Help: "Current total payload bytes held in the channel buffer",
	})

	bufferEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insights_buffer_evictions_total",
		Help: "Total items evicted from the channel buffer because it was full",
	}, []string{"end"})
)

func init() {
	prometheus.MustRegister(bufferItems)
	prometheus.MustRegister(bufferBytes)
	prometheus.MustRegister(bufferEvictionsTotal)

	bufferItems.Set(0)
	bufferBytes.Set(0)
	bufferEvictionsTotal.WithLabelValues("head").Add(0)
	bufferEvictionsTotal.WithLabelValues("tail").Add(0)
}

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 10000

// Buffer is a bounded FIFO of telemetry items shared by producers and the
// channel worker. It never rejects: Push makes room by dropping the oldest
// item and Requeue makes room by dropping the newest.
type Buffer struct {
	mu       sync.Mutex
	items    []*Item
	bytes    int64
	capacity int
	evicted  uint64
	// fresh counts items that are not waiting out a retry backoff.
	fresh int
}

// New creates a buffer holding at most capacity items.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		items:    make([]*Item, 0, min(capacity, 1024)),
		capacity: capacity,
	}
}

// Push appends an item, evicting the oldest one when the buffer is full.
// It returns the number of items evicted (0 or 1).
func (b *Buffer) Push(it *Item) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := 0
	for len(b.items) >= b.capacity {
		b.evictHead()
		evicted++
	}
	b.items = append(b.items, it)
	b.bytes += it.Size()
	if it.fresh() {
		b.fresh++
	}
	b.updateGauges()
	return evicted
}

// Drain removes up to maxItems items totalling at most maxBytes from the
// front of the buffer, skipping (and keeping in place) items that are not
// yet eligible at now. The first eligible item is always taken, even when it
// alone exceeds maxBytes. Non-positive limits mean unlimited.
func (b *Buffer) Drain(now time.Time, maxItems int, maxBytes int64) Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return Batch{}
	}

	var out []*Item
	var size int64
	kept := make([]*Item, 0, len(b.items))
	stopAt := len(b.items)
	for i, it := range b.items {
		if !it.Eligible(now) {
			kept = append(kept, it)
			continue
		}
		if maxItems > 0 && len(out) >= maxItems {
			stopAt = i
			break
		}
		if maxBytes > 0 && len(out) > 0 && size+it.Size() > maxBytes {
			stopAt = i
			break
		}
		out = append(out, it)
		size += it.Size()
		if it.fresh() {
			b.fresh--
		}
	}
	if len(out) == 0 {
		return Batch{}
	}

	kept = append(kept, b.items[stopAt:]...)
	clear(b.items)
	b.items = kept
	b.bytes -= size
	b.updateGauges()
	return Batch{Items: out, Bytes: size}
}

// Requeue puts items back at the front of the buffer, in their given order,
// stamped with state. When that overflows capacity the newest items are
// evicted from the tail. It returns the number of items evicted.
func (b *Buffer) Requeue(items []*Item, state RetryState) int {
	if len(items) == 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	merged := make([]*Item, 0, len(items)+len(b.items))
	for _, it := range items {
		it.Retry = state
		merged = append(merged, it)
		b.bytes += it.Size()
		if it.fresh() {
			b.fresh++
		}
	}
	merged = append(merged, b.items...)
	b.items = merged

	evicted := 0
	for len(b.items) > b.capacity {
		last := len(b.items) - 1
		b.bytes -= b.items[last].Size()
		if b.items[last].fresh() {
			b.fresh--
		}
		b.items[last] = nil
		b.items = b.items[:last]
		evicted++
	}
	if evicted > 0 {
		b.evicted += uint64(evicted)
		bufferEvictionsTotal.WithLabelValues("tail").Add(float64(evicted))
	}
	b.updateGauges()
	return evicted
}

// NextEligible returns the earliest NotBefore among buffered items.
// ok is false when the buffer is empty.
func (b *Buffer) NextEligible() (t time.Time, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, it := range b.items {
		if i == 0 || it.Retry.NotBefore.Before(t) {
			t = it.Retry.NotBefore
		}
	}
	return t, len(b.items) > 0
}

// Clear empties the buffer and returns what it held, oldest first.
func (b *Buffer) Clear() []*Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = make([]*Item, 0, min(b.capacity, 1024))
	b.bytes = 0
	b.fresh = 0
	b.updateGauges()
	return out
}

// Len returns the current number of buffered items.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Fresh returns the number of buffered items that are not waiting out a
// retry backoff.
func (b *Buffer) Fresh() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fresh
}

// Bytes returns the current total payload size.
func (b *Buffer) Bytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

// Capacity returns the maximum number of items.
func (b *Buffer) Capacity() int { return b.capacity }

// Evicted returns the total number of items evicted so far.
func (b *Buffer) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// evictHead removes the oldest item. Must be called with b.mu held.
func (b *Buffer) evictHead() {
	if len(b.items) == 0 {
		return
	}
	b.bytes -= b.items[0].Size()
	if b.items[0].fresh() {
		b.fresh--
	}
	b.items[0] = nil // allow GC to collect the entry
	b.items = b.items[1:]
	b.evicted++
	bufferEvictionsTotal.WithLabelValues("head").Inc()
	b.maybeCompact()
}

// maybeCompact compacts the slice if capacity is significantly larger than length.
// Must be called with b.mu held.
func (b *Buffer) maybeCompact() {
	if cap(b.items) > 256 && cap(b.items) > len(b.items)+64 {
		compacted := make([]*Item, len(b.items), len(b.items)+64)
		copy(compacted, b.items)
		b.items = compacted
	}
}

func (b *Buffer) updateGauges() {
	bufferItems.Set(float64(len(b.items)))
	bufferBytes.Set(float64(b.bytes))
}
