package stats

import (
	"sync"

	"github.com/axiomhq/hyperloglog"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/prometheus/client_golang/prometheus"
)

var distinctNames = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "insights_distinct_telemetry_names",
	Help: "Estimated number of distinct telemetry names tracked since start",
})

func init() {
	prometheus.MustRegister(distinctNames)
	distinctNames.Set(0)
}

// NameTracker estimates how many distinct telemetry names (event names,
// metric names, request names...) an application reports. The sketch uses
// fixed memory; the bloom filter answers "seen before?" so first sightings
// can be logged once.
type NameTracker struct {
	mu     sync.Mutex
	sketch *hyperloglog.Sketch
	seen   *bloom.BloomFilter
}

// NewNameTracker sizes the bloom filter for expected names at a 1% false
// positive rate.
func NewNameTracker(expected uint) *NameTracker {
	if expected == 0 {
		expected = 10000
	}
	return &NameTracker{
		sketch: hyperloglog.New14(),
		seen:   bloom.NewWithEstimates(expected, 0.01),
	}
}

// Observe records name and reports whether it is (probably) new.
func (t *NameTracker) Observe(kind, name string) bool {
	key := []byte(kind + "\x00" + name)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sketch.Insert(key)
	return !t.seen.TestOrAdd(key)
}

// Estimate returns the estimated distinct count and publishes it.
func (t *NameTracker) Estimate() uint64 {
	t.mu.Lock()
	n := t.sketch.Estimate()
	t.mu.Unlock()
	distinctNames.Set(float64(n))
	return n
}
