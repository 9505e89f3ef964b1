// Package sampling decides which telemetry items are sent. Kept items carry
// the rate they were sampled at so the backend can scale counts back up.
package sampling

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "insights_sampling_decisions_total",
	Help: "Telemetry items evaluated by the sampler by rule and decision",
}, []string{"rule", "decision"})

func init() {
	prometheus.MustRegister(decisionsTotal)
}

const defaultRule = "default"

// Decision is the outcome for one item. Rate is in (0, 1] when Keep is set.
type Decision struct {
	Keep bool
	Rate float64
	Rule string
}

// Sampler applies a FileConfig. Metrics are never sampled: dropping
// measurements would skew aggregates that cannot be rescaled.
type Sampler struct {
	rules       []Rule
	counters    []atomic.Int64
	defaultRate float64
	strategy    Strategy
	rnd         func() float64
}

// New builds a sampler. rnd returns values in [0, 1); nil uses math/rand.
func New(cfg FileConfig, rnd func() float64) (*Sampler, error) {
	if err := cfg.compile(); err != nil {
		return nil, err
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	s := &Sampler{
		rules:       cfg.Rules,
		counters:    make([]atomic.Int64, len(cfg.Rules)+1),
		defaultRate: cfg.DefaultRate,
		strategy:    cfg.Strategy,
		rnd:         rnd,
	}
	for _, r := range s.rules {
		decisionsTotal.WithLabelValues(r.Name, "keep").Add(0)
		decisionsTotal.WithLabelValues(r.Name, "drop").Add(0)
	}
	return s, nil
}

// Decide samples one item of kind with name.
func (s *Sampler) Decide(kind, name string) Decision {
	if kind == "metric" {
		return Decision{Keep: true, Rate: 1}
	}

	idx, rule, rate, strategy := len(s.rules), defaultRule, s.defaultRate, s.strategy
	for i := range s.rules {
		if s.rules[i].matches(kind, name) {
			idx, rule, rate, strategy = i, s.rules[i].Name, s.rules[i].Rate, s.rules[i].Strategy
			break
		}
	}

	keep, rate := s.keep(idx, rate, strategy)
	d := Decision{Keep: keep, Rate: rate, Rule: rule}
	if d.Keep {
		decisionsTotal.WithLabelValues(rule, "keep").Inc()
	} else {
		decisionsTotal.WithLabelValues(rule, "drop").Inc()
	}
	return d
}

// keep also returns the effective rate: head sampling keeps 1 in
// floor(1/rate).
func (s *Sampler) keep(idx int, rate float64, strategy Strategy) (bool, float64) {
	if rate >= 1 {
		return true, 1
	}
	if rate <= 0 {
		return false, 0
	}
	if strategy == StrategyProbabilistic {
		return s.rnd() < rate, rate
	}
	n := int64(1 / rate)
	return (s.counters[idx].Add(1)-1)%n == 0, 1 / float64(n)
}
