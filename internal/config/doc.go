// Package config loads worker configuration from an optional JSON or YAML
// file, overlays environment variables and validates the result.
//
// Example:
//
//	cfg, err := config.Resolve(os.Getenv("WORKER_CONFIG"))
//	var ce *config.ConfigurationError
//	if errors.As(err, &ce) {
//	    // ce.Missing names every required variable that was not provided.
//	}
package config
