package sampling

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Strategy selects how a rate is turned into keep/drop decisions.
type Strategy string

const (
	// StrategyHead keeps exactly one item in every 1/rate, counted per rule.
	StrategyHead Strategy = "head"
	// StrategyProbabilistic keeps each item with probability rate.
	StrategyProbabilistic Strategy = "probabilistic"
)

// Rule sets the rate for items of a kind whose name matches.
type Rule struct {
	Name     string   `yaml:"name"`
	Kind     string   `yaml:"kind"`
	Match    string   `yaml:"match"`
	Rate     float64  `yaml:"rate"`
	Strategy Strategy `yaml:"strategy"`

	compiled *regexp.Regexp
}

// FileConfig is the sampling configuration file. Rules are evaluated in
// order and the first match wins; unmatched items use DefaultRate.
type FileConfig struct {
	DefaultRate float64  `yaml:"default_rate"`
	Strategy    Strategy `yaml:"strategy"`
	Rules       []Rule   `yaml:"rules"`
}

// LoadFile reads and parses a sampling file.
func LoadFile(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("sampling: read config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates sampling YAML. A missing default_rate means
// 1.0, so an empty file keeps everything.
func Parse(data []byte) (FileConfig, error) {
	var raw struct {
		DefaultRate *float64 `yaml:"default_rate"`
		Strategy    Strategy `yaml:"strategy"`
		Rules       []Rule   `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return FileConfig{}, fmt.Errorf("sampling: parse config: %w", err)
	}
	cfg := FileConfig{DefaultRate: 1, Strategy: raw.Strategy, Rules: raw.Rules}
	if raw.DefaultRate != nil {
		cfg.DefaultRate = *raw.DefaultRate
	}
	if err := cfg.compile(); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

func (c *FileConfig) compile() error {
	var errs []error
	if c.Strategy == "" {
		c.Strategy = StrategyHead
	}
	if !validStrategy(c.Strategy) {
		errs = append(errs, fmt.Errorf("strategy %q is not head or probabilistic", c.Strategy))
	}
	if c.DefaultRate < 0 || c.DefaultRate > 1 {
		errs = append(errs, fmt.Errorf("default_rate must be in [0, 1], got %v", c.DefaultRate))
	}
	for i := range c.Rules {
		r := &c.Rules[i]
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule_%d", i)
		}
		if r.Strategy == "" {
			r.Strategy = c.Strategy
		}
		if !validStrategy(r.Strategy) {
			errs = append(errs, fmt.Errorf("rule %s: strategy %q is not head or probabilistic", r.Name, r.Strategy))
		}
		if r.Rate < 0 || r.Rate > 1 {
			errs = append(errs, fmt.Errorf("rule %s: rate must be in [0, 1], got %v", r.Name, r.Rate))
		}
		if r.Match != "" {
			re, err := regexp.Compile("^(?:" + r.Match + ")$")
			if err != nil {
				errs = append(errs, fmt.Errorf("rule %s: invalid match: %w", r.Name, err))
				continue
			}
			r.compiled = re
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("sampling: %w", err)
	}
	return nil
}

func validStrategy(s Strategy) bool {
	return s == StrategyHead || s == StrategyProbabilistic
}

func (r *Rule) matches(kind, name string) bool {
	if r.Kind != "" && r.Kind != kind {
		return false
	}
	return r.compiled == nil || r.compiled.MatchString(name)
}
