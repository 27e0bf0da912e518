// Package config loads the Reef daemon configuration.
//
// A Loader starts from the built-in defaults (channel "main", capacity 1000,
// 4 workers, sweep every 60s), merges every file layer in order, applies
// REEF_* environment overrides and validates the result:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/reef/base.yaml")
//	loader.AddLayer("/etc/reef/site.json") // overrides base key by key
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// Layers may be JSON (.json) or YAML (.yaml, .yml). Each layer is checked
// against an embedded JSON schema before merging, so unknown keys are errors.
// Durations accept Go duration strings, a day suffix ("14d"), or integer
// nanoseconds.
//
// Environment overrides:
//
//	REEF_CHANNEL, REEF_CAPACITY, REEF_WORKERS, REEF_SWEEPER_INTERVAL,
//	REEF_REQUEST_TTL, REEF_SECURE_ENABLED, REEF_SECURE_AGENT,
//	REEF_SECURE_PROTOCOL, REEF_SECURE_KEYS_FILE, REEF_TRANSPORT_URL,
//	REEF_TRANSPORT_USERNAME, REEF_TRANSPORT_PASSWORD, REEF_LOG_LEVEL,
//	REEF_LOG_FORMAT, REEF_METRICS_ENABLED, REEF_METRICS_ADDR
//
// Validation failures wrap errors.ErrInvalidConfig and classify as fatal.
// SafeConfig offers copy-on-read access for concurrent readers.
package config
