package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/reef/errors"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "REEF"

// durationKeys lists the dotted paths holding durations. File layers may
// give them as strings ("60s", "2m") or as integer nanoseconds.
var durationKeys = [][]string{
	{"reef", "sweeper_interval"},
	{"reef", "request_ttl"},
	{"secure", "transport", "connect_timeout"},
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	schema     bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a configuration loader with validation and schema
// checks enabled.
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		schema:     true,
		envPrefix:  DefaultEnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier
// ones key by key. The format follows the extension: .json, .yaml or .yml.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables Validate after loading.
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// EnableSchema enables or disables the per-layer JSON schema check.
func (l *Loader) EnableSchema(enable bool) {
	l.schema = enable
}

// SetEnvPrefix changes the environment override prefix.
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every layer and environment overrides, then
// validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "load "+path)
		}
		merged, err := mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapFatal(err, "Loader", "Load", "merge "+path)
		}
		cfg = merged
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "environment overrides")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads one layer into a generic map.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, invalid("parse yaml: %v", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, invalid("invalid JSON structure: %v", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, invalid("parse json: %v", err)
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}

	if l.schema {
		if err := validateSchema(raw); err != nil {
			return nil, err
		}
	}
	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields
// present in the map
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, invalid("encode merged layer: %v", err)
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, invalid("decode merged layer: %v", err)
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// parseDurations converts duration strings to nanoseconds for json
// unmarshaling
func parseDurations(raw map[string]any) error {
	for _, path := range durationKeys {
		parent := raw
		for _, key := range path[:len(path)-1] {
			next, ok := parent[key].(map[string]any)
			if !ok {
				parent = nil
				break
			}
			parent = next
		}
		if parent == nil {
			continue
		}

		leaf := path[len(path)-1]
		s, ok := parent[leaf].(string)
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(s)
		if err != nil {
			return invalid("%s: %v", strings.Join(path, "."), err)
		}
		parent[leaf] = d.Nanoseconds()
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies environment variable overrides, for example
// REEF_CAPACITY=500 or REEF_SECURE_AGENT=alpha.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"CHANNEL":            &cfg.Reef.DefaultChannel,
		"SECURE_AGENT":       &cfg.Secure.Agent,
		"SECURE_PROTOCOL":    &cfg.Secure.Protocol,
		"SECURE_KEYS_FILE":   &cfg.Secure.KeysFile,
		"TRANSPORT_URL":      &cfg.Secure.Transport.URL,
		"TRANSPORT_USERNAME": &cfg.Secure.Transport.Username,
		"TRANSPORT_PASSWORD": &cfg.Secure.Transport.Password,
		"LOG_LEVEL":          &cfg.Log.Level,
		"LOG_FORMAT":         &cfg.Log.Format,
		"METRICS_ADDR":       &cfg.Metrics.Addr,
	}
	ints := map[string]*int{
		"CAPACITY": &cfg.Reef.DefaultCapacity,
		"WORKERS":  &cfg.Reef.DefaultWorkers,
	}
	durations := map[string]*time.Duration{
		"SWEEPER_INTERVAL": &cfg.Reef.SweeperInterval,
		"REQUEST_TTL":      &cfg.Reef.RequestTTL,
	}
	bools := map[string]*bool{
		"SECURE_ENABLED":  &cfg.Secure.Enabled,
		"METRICS_ENABLED": &cfg.Metrics.Enabled,
	}

	for suffix, dst := range strs {
		if val, ok := l.env(suffix); ok {
			if err := validateEnvVar(l.key(suffix), val); err != nil {
				return err
			}
			*dst = val
		}
	}
	for suffix, dst := range ints {
		if val, ok := l.env(suffix); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				return invalid("%s: %v", l.key(suffix), err)
			}
			*dst = n
		}
	}
	for suffix, dst := range durations {
		if val, ok := l.env(suffix); ok {
			d, err := parseDurationWithDays(val)
			if err != nil {
				return invalid("%s: %v", l.key(suffix), err)
			}
			*dst = d
		}
	}
	for suffix, dst := range bools {
		if val, ok := l.env(suffix); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				return invalid("%s: %v", l.key(suffix), err)
			}
			*dst = b
		}
	}
	return nil
}

func (l *Loader) key(suffix string) string {
	return l.envPrefix + "_" + suffix
}

func (l *Loader) env(suffix string) (string, bool) {
	val, ok := l.lookupEnv(l.key(suffix))
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

// SaveToFile writes the configuration as indented JSON.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return safeWriteFile(path, data)
}
