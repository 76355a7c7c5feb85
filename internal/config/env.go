package config

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// FromEnv overlays environment variables onto cfg. Unset variables leave the
// file or default value untouched. Unparsable values are reported as a
// ConfigurationError.
func FromEnv(cfg *Config) error {
	return fromEnv(cfg, env.Options{})
}

// FromEnvMap overlays vars instead of the process environment.
func FromEnvMap(cfg *Config, vars map[string]string) error {
	return fromEnv(cfg, env.Options{Environment: vars})
}

func fromEnv(cfg *Config, opts env.Options) error {
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		var agg env.AggregateError
		if errors.As(err, &agg) {
			ce := &ConfigurationError{}
			for _, e := range agg.Errors {
				ce.Invalid = append(ce.Invalid, e.Error())
			}
			return ce
		}
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}
