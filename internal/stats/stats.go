// Package stats keeps the channel's delivery counters, both per instance
// (for Stats snapshots) and as process-wide Prometheus collectors.
package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	itemsSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insights_items_submitted_total",
		Help: "Total telemetry items accepted by Submit, by envelope kind",
	}, []string{"kind"})

	itemsDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "insights_items_delivered_total",
		Help: "Total telemetry items accepted by the ingestion endpoint",
	})

	itemsRequeuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "insights_items_requeued_total",
		Help: "Total telemetry items put back in the buffer for a retry",
	})

	itemsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insights_items_dropped_total",
		Help: "Total telemetry items discarded without delivery, by reason",
	}, []string{"reason"})

	itemsSpooledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "insights_items_spooled_total",
		Help: "Total telemetry items written to the spool at shutdown",
	})

	itemsRestoredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "insights_items_restored_total",
		Help: "Total telemetry items reloaded from the spool at startup",
	})

	flushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "insights_flushes_total",
		Help: "Total flush cycles, by trigger",
	}, []string{"trigger"})

	batchItems = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "insights_batch_items",
		Help:    "Number of items per drained batch",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

// Drop reasons recorded by the channel itself. The retry coordinator adds
// its own.
const (
	ReasonOverflow     = "buffer_overflow"
	ReasonAbandoned    = "shutdown_abandoned"
	ReasonSpoolCorrupt = "spool_corrupt"
)

// Flush triggers.
const (
	TriggerInterval  = "interval"
	TriggerHighWater = "high_water"
	TriggerManual    = "manual"
	TriggerClose     = "close"
)

func init() {
	prometheus.MustRegister(itemsSubmittedTotal)
	prometheus.MustRegister(itemsDeliveredTotal)
	prometheus.MustRegister(itemsRequeuedTotal)
	prometheus.MustRegister(itemsDroppedTotal)
	prometheus.MustRegister(itemsSpooledTotal)
	prometheus.MustRegister(itemsRestoredTotal)
	prometheus.MustRegister(flushesTotal)
	prometheus.MustRegister(batchItems)

	itemsDeliveredTotal.Add(0)
	itemsRequeuedTotal.Add(0)
	itemsSpooledTotal.Add(0)
	itemsRestoredTotal.Add(0)
	for _, r := range []string{ReasonOverflow, ReasonAbandoned} {
		itemsDroppedTotal.WithLabelValues(r).Add(0)
	}
	for _, t := range []string{TriggerInterval, TriggerHighWater, TriggerManual, TriggerClose} {
		flushesTotal.WithLabelValues(t).Add(0)
	}
}

// Snapshot is a point-in-time copy of a channel's counters.
type Snapshot struct {
	Submitted uint64
	Delivered uint64
	Requeued  uint64
	// Evicted counts items pushed out of a full buffer by Submit.
	Evicted uint64
	// Dropped counts every item discarded without delivery, evictions and
	// abandonment included.
	Dropped   uint64
	Abandoned uint64
	Spooled   uint64
	Restored  uint64
	Flushes   uint64
	// Buffered is filled in by the channel, not by Recorder.
	Buffered int
}

// Recorder counts channel activity for one channel instance and mirrors it
// into the process-wide collectors.
type Recorder struct {
	submitted atomic.Uint64
	delivered atomic.Uint64
	requeued  atomic.Uint64
	evicted   atomic.Uint64
	dropped   atomic.Uint64
	abandoned atomic.Uint64
	spooled   atomic.Uint64
	restored  atomic.Uint64
	flushes   atomic.Uint64
}

// NewRecorder returns a zeroed Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Submitted(kind string) {
	r.submitted.Add(1)
	itemsSubmittedTotal.WithLabelValues(kind).Inc()
}

// Evicted records items pushed out of the buffer head by a Submit.
func (r *Recorder) Evicted(n int) {
	if n <= 0 {
		return
	}
	r.evicted.Add(uint64(n))
	r.Dropped(ReasonOverflow, n)
}

func (r *Recorder) Delivered(n int) {
	if n <= 0 {
		return
	}
	r.delivered.Add(uint64(n))
	itemsDeliveredTotal.Add(float64(n))
}

func (r *Recorder) Requeued(n int) {
	if n <= 0 {
		return
	}
	r.requeued.Add(uint64(n))
	itemsRequeuedTotal.Add(float64(n))
}

// Dropped records n items discarded for reason.
func (r *Recorder) Dropped(reason string, n int) {
	if n <= 0 {
		return
	}
	r.dropped.Add(uint64(n))
	itemsDroppedTotal.WithLabelValues(reason).Add(float64(n))
}

// Abandoned records items still buffered when the close deadline passed.
func (r *Recorder) Abandoned(n int) {
	if n <= 0 {
		return
	}
	r.abandoned.Add(uint64(n))
	r.Dropped(ReasonAbandoned, n)
}

func (r *Recorder) Spooled(n int) {
	if n <= 0 {
		return
	}
	r.spooled.Add(uint64(n))
	itemsSpooledTotal.Add(float64(n))
}

func (r *Recorder) Restored(n int) {
	if n <= 0 {
		return
	}
	r.restored.Add(uint64(n))
	itemsRestoredTotal.Add(float64(n))
}

// Flush records one flush cycle that drained batchSizes.
func (r *Recorder) Flush(trigger string, batchSizes ...int) {
	r.flushes.Add(1)
	flushesTotal.WithLabelValues(trigger).Inc()
	for _, n := range batchSizes {
		batchItems.Observe(float64(n))
	}
}

// Snapshot returns the current counter values.
func (r *Recorder) Snapshot() Snapshot {
	return Snapshot{
		Submitted: r.submitted.Load(),
		Delivered: r.delivered.Load(),
		Requeued:  r.requeued.Load(),
		Evicted:   r.evicted.Load(),
		Dropped:   r.dropped.Load(),
		Abandoned: r.abandoned.Load(),
		Spooled:   r.spooled.Load(),
		Restored:  r.restored.Load(),
		Flushes:   r.flushes.Load(),
	}
}
