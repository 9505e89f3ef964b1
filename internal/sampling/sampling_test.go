package sampling

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
default_rate: 0.5
rules:
  - name: keep_checkout
    kind: request
    match: "POST /checkout.*"
    rate: 1.0
  - kind: trace
    rate: 0.1
    strategy: probabilistic
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultRate != 0.5 || cfg.Strategy != StrategyHead || len(cfg.Rules) != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Rules[1].Name != "rule_1" || cfg.Rules[1].Strategy != StrategyProbabilistic {
		t.Errorf("second rule = %+v", cfg.Rules[1])
	}
	if cfg.Rules[0].Strategy != StrategyHead {
		t.Errorf("rule strategy not inherited: %q", cfg.Rules[0].Strategy)
	}
}

func TestParseEmptyKeepsEverything(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if d := s.Decide("event", "x"); !d.Keep || d.Rate != 1 || d.Rule != defaultRule {
			t.Fatalf("decision = %+v", d)
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct{ yaml, want string }{
		{"default_rate: 2", "default_rate"},
		{"strategy: tail", "strategy"},
		{"rules:\n  - name: r\n    rate: -1", "rule r: rate"},
		{"rules:\n  - name: r\n    match: '('\n    rate: 1", "invalid match"},
		{"rules: [", "parse config"},
	}
	for _, tt := range tests {
		_, err := Parse([]byte(tt.yaml))
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("Parse(%q) error = %v, want %q", tt.yaml, err, tt.want)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sampling.yaml")
	if err := os.WriteFile(path, []byte("default_rate: 0.25\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil || cfg.DefaultRate != 0.25 {
		t.Fatalf("LoadFile = %+v, %v", cfg, err)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestHeadSamplingKeepsOneInN(t *testing.T) {
	s, err := New(FileConfig{DefaultRate: 0.3, Strategy: StrategyHead}, nil)
	if err != nil {
		t.Fatal(err)
	}
	kept := 0
	for i := 0; i < 30; i++ {
		d := s.Decide("event", "click")
		if d.Keep {
			kept++
			if d.Rate != 1.0/3 {
				t.Fatalf("rate = %v, want 1/3", d.Rate)
			}
		}
	}
	if kept != 10 {
		t.Fatalf("kept %d of 30, want 10", kept)
	}
}

func TestFirstMatchingRuleWins(t *testing.T) {
	cfg := FileConfig{
		DefaultRate: 0,
		Rules: []Rule{
			{Name: "checkout", Kind: "request", Match: "POST /checkout", Rate: 1},
			{Name: "requests", Kind: "request", Rate: 0},
			{Name: "errors", Match: ".*Error.*", Rate: 1},
		},
	}
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		kind, name string
		keep       bool
		rule       string
	}{
		{"request", "POST /checkout", true, "checkout"},
		{"request", "POST /checkout/v2", false, "requests"},
		{"exception", "*errors.joinError", true, "errors"},
		{"event", "signup", false, defaultRule},
	}
	for _, tt := range tests {
		d := s.Decide(tt.kind, tt.name)
		if d.Keep != tt.keep || d.Rule != tt.rule {
			t.Errorf("Decide(%s, %s) = %+v, want keep=%v rule=%s", tt.kind, tt.name, d, tt.keep, tt.rule)
		}
	}
}

func TestMetricsAreNeverSampled(t *testing.T) {
	s, err := New(FileConfig{DefaultRate: 0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d := s.Decide("metric", "cpu"); !d.Keep || d.Rate != 1 {
		t.Fatalf("metric decision = %+v", d)
	}
}

func TestProbabilisticUsesRand(t *testing.T) {
	values := []float64{0.05, 0.5, 0.15, 0.99}
	i := 0
	rnd := func() float64 { v := values[i%len(values)]; i++; return v }
	s, err := New(FileConfig{DefaultRate: 0.2, Strategy: StrategyProbabilistic}, rnd)
	if err != nil {
		t.Fatal(err)
	}

	var got []bool
	for range values {
		d := s.Decide("trace", "")
		got = append(got, d.Keep)
		if d.Rate != 0.2 {
			t.Fatalf("rate = %v", d.Rate)
		}
	}
	want := []bool{true, false, true, false}
	for j := range want {
		if got[j] != want[j] {
			t.Fatalf("decisions = %v, want %v", got, want)
		}
	}
}

func TestDecisionMetrics(t *testing.T) {
	s, err := New(FileConfig{Rules: []Rule{{Name: "metrics_test_rule", Kind: "event", Rate: 0.5}}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		s.Decide("event", "e")
	}
	if got := testutil.ToFloat64(decisionsTotal.WithLabelValues("metrics_test_rule", "keep")); got != 2 {
		t.Errorf("keep = %v, want 2", got)
	}
	if got := testutil.ToFloat64(decisionsTotal.WithLabelValues("metrics_test_rule", "drop")); got != 2 {
		t.Errorf("drop = %v, want 2", got)
	}
}

func TestConcurrentHeadSampling(t *testing.T) {
	s, err := New(FileConfig{DefaultRate: 0.25}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		kept int
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if s.Decide("event", "e").Keep {
					mu.Lock()
					kept++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	if kept != 200 {
		t.Fatalf("kept %d of 800, want 200", kept)
	}
}
