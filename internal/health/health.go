// Package health serves the liveness and readiness probes of the forwarder.
package health

import (
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var probeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "insights_health_check_failures_total",
	Help: "Total failed health checks by probe and check name",
}, []string{"probe", "check"})

func init() {
	prometheus.MustRegister(probeFailures)
}

// Status is the state of a probe or a single check.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the JSON body of /live and /ready.
type Response struct {
	Status    Status                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

// CheckFunc returns nil when healthy.
type CheckFunc func() error

// Checker runs named liveness and readiness checks. Once Draining is
// called both probes report down so no new work is routed here while the
// channel drains.
type Checker struct {
	mu       sync.RWMutex
	live     map[string]CheckFunc
	ready    map[string]CheckFunc
	draining atomic.Bool
	now      func() time.Time
}

// New returns a Checker with no checks; both probes report up.
func New() *Checker {
	return &Checker{
		live:  make(map[string]CheckFunc),
		ready: make(map[string]CheckFunc),
		now:   time.Now,
	}
}

// AddLiveness registers a check run on /live. A failing liveness check
// means the process should be restarted.
func (c *Checker) AddLiveness(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live[name] = check
	probeFailures.WithLabelValues("live", name).Add(0)
}

// AddReadiness registers a check run on /ready.
func (c *Checker) AddReadiness(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready[name] = check
	probeFailures.WithLabelValues("ready", name).Add(0)
}

// Draining marks the process as shutting down.
func (c *Checker) Draining() {
	c.draining.Store(true)
}

// Routes registers /live and /ready on mux.
func (c *Checker) Routes(mux *http.ServeMux) {
	mux.Handle("GET /live", c.LiveHandler())
	mux.Handle("GET /ready", c.ReadyHandler())
}

// LiveHandler serves the liveness probe.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return c.handler("live", func() map[string]CheckFunc { return c.live })
}

// ReadyHandler serves the readiness probe.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return c.handler("ready", func() map[string]CheckFunc { return c.ready })
}

func (c *Checker) handler(probe string, checks func() map[string]CheckFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if c.draining.Load() {
			c.write(w, Response{
				Status: StatusDown,
				Checks: map[string]CheckResult{"process": {Status: StatusDown, Message: "draining"}},
			})
			return
		}

		c.mu.RLock()
		snapshot := maps.Clone(checks())
		c.mu.RUnlock()

		resp := Response{Status: StatusUp, Checks: make(map[string]CheckResult, len(snapshot))}
		for _, name := range slices.Sorted(maps.Keys(snapshot)) {
			if err := snapshot[name](); err != nil {
				probeFailures.WithLabelValues(probe, name).Inc()
				resp.Status = StatusDown
				resp.Checks[name] = CheckResult{Status: StatusDown, Message: err.Error()}
				continue
			}
			resp.Checks[name] = CheckResult{Status: StatusUp}
		}
		c.write(w, resp)
	}
}

func (c *Checker) write(w http.ResponseWriter, resp Response) {
	resp.Timestamp = c.now().UTC().Format(time.RFC3339)
	code := http.StatusOK
	if resp.Status == StatusDown {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
