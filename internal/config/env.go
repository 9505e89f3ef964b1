package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read by ParseEnv.
const EnvPrefix = "INSIGHTS_"

// ParseEnv overlays INSIGHTS_* variables from environ onto cfg. Fields
// whose variable is unset keep their value. A nil environ reads the
// process environment.
func ParseEnv(cfg *Config, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix, Environment: environ}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
