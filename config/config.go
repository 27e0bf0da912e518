package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/c360/reef/errors"
	"github.com/c360/reef/pkg/security"
)

// Defaults applied before any file layer.
const (
	DefaultChannel         = "main"
	DefaultCapacity        = 1000
	DefaultWorkers         = 4
	DefaultSweeperInterval = 60 * time.Second
	DefaultRequestTTL      = 300 * time.Second
)

// Broadcast policies for secure broadcasts without recipient keys.
const (
	BroadcastPolicyRefuse   = "refuse"
	BroadcastPolicyGroupKey = "group_key"
)

// Config represents the complete daemon configuration.
type Config struct {
	Reef    ReefConfig    `json:"reef"`
	Secure  SecureConfig  `json:"secure"`
	Log     LogConfig     `json:"log"`
	Metrics MetricsConfig `json:"metrics"`
}

// ReefConfig configures the in-process bus.
type ReefConfig struct {
	DefaultChannel  string          `json:"default_channel"`
	DefaultCapacity int             `json:"default_capacity"`
	DefaultWorkers  int             `json:"default_workers"`
	SweeperInterval time.Duration   `json:"sweeper_interval"`
	RequestTTL      time.Duration   `json:"request_ttl"`
	Channels        []ChannelConfig `json:"channels,omitempty"` // created at startup
}

// ChannelConfig describes a channel created at startup. Zero capacity or
// workers fall back to the Reef defaults.
type ChannelConfig struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity,omitempty"`
	Workers  int    `json:"workers,omitempty"`
}

// SecureConfig configures the optional secure bridge.
type SecureConfig struct {
	Enabled         bool            `json:"enabled"`
	Agent           string          `json:"agent,omitempty"`
	Protocol        string          `json:"protocol,omitempty"`
	Transport       TransportConfig `json:"transport"`
	KeysFile        string          `json:"keys_file,omitempty"`  // exported key material; generated when empty
	Peers           []string        `json:"peers,omitempty"`      // public bundle files of remote agents
	BroadcastPolicy string          `json:"broadcast_policy"`     // refuse or group_key
	GroupKeyFile    string          `json:"group_key_file,omitempty"`
	PublishRate     float64         `json:"publish_rate,omitempty"` // spores per second, 0 = unlimited
	PublishBurst    int             `json:"publish_burst,omitempty"`
	Channel         string          `json:"channel,omitempty"` // local channel inbound spores are forwarded to
}

// TransportConfig holds broker connection settings.
type TransportConfig struct {
	URL            string              `json:"url,omitempty"`
	ClientID       string              `json:"client_id,omitempty"`
	Username       string              `json:"username,omitempty"`
	Password       string              `json:"password,omitempty"`
	TLS            *security.TLSConfig `json:"tls,omitempty"`
	ConnectTimeout time.Duration       `json:"connect_timeout,omitempty"`
	RetryAttempts  int                 `json:"retry_attempts,omitempty"`
	Options        map[string]string   `json:"options,omitempty"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json or text
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool                     `json:"enabled"`
	Addr    string                   `json:"addr"`
	Path    string                   `json:"path"`
	TLS     security.ServerTLSConfig `json:"tls,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Reef: ReefConfig{
			DefaultChannel:  DefaultChannel,
			DefaultCapacity: DefaultCapacity,
			DefaultWorkers:  DefaultWorkers,
			SweeperInterval: DefaultSweeperInterval,
			RequestTTL:      DefaultRequestTTL,
		},
		Secure: SecureConfig{
			Protocol:        "memory",
			BroadcastPolicy: BroadcastPolicyRefuse,
			Transport: TransportConfig{
				ConnectTimeout: 10 * time.Second,
				RetryAttempts:  3,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg.Clone()
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns a JSON representation with credentials masked.
func (c *Config) String() string {
	masked := c.Clone()
	if masked.Secure.Transport.Password != "" {
		masked.Secure.Transport.Password = "****"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks the configuration. Every failure wraps ErrInvalidConfig
// and classifies as fatal.
func (c *Config) Validate() error {
	checks := []func() error{
		c.Reef.validate,
		c.Secure.validate,
		c.Log.validate,
		c.Metrics.validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return errors.WrapFatal(err, "Config", "Validate", "configuration check")
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errors.ErrInvalidConfig)
}

func (r ReefConfig) validate() error {
	if !isValidName(r.DefaultChannel) {
		return invalid("reef.default_channel %q is not a valid channel name", r.DefaultChannel)
	}
	if r.DefaultCapacity <= 0 {
		return invalid("reef.default_capacity must be positive, got %d", r.DefaultCapacity)
	}
	if r.DefaultWorkers <= 0 {
		return invalid("reef.default_workers must be positive, got %d", r.DefaultWorkers)
	}
	if r.SweeperInterval <= 0 {
		return invalid("reef.sweeper_interval must be positive, got %s", r.SweeperInterval)
	}
	if r.RequestTTL <= 0 {
		return invalid("reef.request_ttl must be positive, got %s", r.RequestTTL)
	}

	seen := make(map[string]bool, len(r.Channels))
	for i, ch := range r.Channels {
		if !isValidName(ch.Name) {
			return invalid("reef.channels[%d].name %q is not a valid channel name", i, ch.Name)
		}
		if seen[ch.Name] {
			return invalid("reef.channels[%d]: duplicate channel %q", i, ch.Name)
		}
		seen[ch.Name] = true
		if ch.Capacity < 0 || ch.Workers < 0 {
			return invalid("reef.channels[%d]: capacity and workers must not be negative", i)
		}
	}
	return nil
}

func (s SecureConfig) validate() error {
	switch s.BroadcastPolicy {
	case "", BroadcastPolicyRefuse:
	case BroadcastPolicyGroupKey:
		if s.Enabled && s.GroupKeyFile == "" {
			return invalid("secure.group_key_file is required with broadcast_policy %q", s.BroadcastPolicy)
		}
	default:
		return invalid("secure.broadcast_policy %q (must be %q or %q)",
			s.BroadcastPolicy, BroadcastPolicyRefuse, BroadcastPolicyGroupKey)
	}
	if s.PublishRate < 0 || s.PublishBurst < 0 {
		return invalid("secure.publish_rate and publish_burst must not be negative")
	}
	if !s.Enabled {
		return nil
	}

	if !isValidName(s.Agent) {
		return invalid("secure.agent %q must be a non-empty topic-safe name", s.Agent)
	}
	if s.Protocol == "" {
		return invalid("secure.protocol is required when secure is enabled")
	}
	if s.Channel != "" && !isValidName(s.Channel) {
		return invalid("secure.channel %q is not a valid channel name", s.Channel)
	}
	if s.Transport.ConnectTimeout < 0 {
		return invalid("secure.transport.connect_timeout must not be negative")
	}
	if s.Transport.RetryAttempts < 0 {
		return invalid("secure.transport.retry_attempts must not be negative")
	}
	if tls := s.Transport.TLS; tls != nil {
		if (tls.ClientCert == "") != (tls.ClientKey == "") {
			return invalid("secure.transport.tls: client_cert and client_key must be set together")
		}
		if tls.MinVersion != "" {
			if err := validateTLSVersion(tls.MinVersion); err != nil {
				return invalid("secure.transport.tls.min_version: %v", err)
			}
		}
	}
	return nil
}

func (l LogConfig) validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("log.level %q (must be debug, info, warn or error)", l.Level)
	}
	switch l.Format {
	case "json", "text":
	default:
		return invalid("log.format %q (must be json or text)", l.Format)
	}
	return nil
}

func (m MetricsConfig) validate() error {
	if !m.Enabled {
		return nil
	}
	if m.Addr == "" {
		return invalid("metrics.addr is required when metrics are enabled")
	}
	if !strings.HasPrefix(m.Path, "/") {
		return invalid("metrics.path %q must start with /", m.Path)
	}
	if m.TLS.Enabled {
		if m.TLS.CertFile == "" || m.TLS.KeyFile == "" {
			return invalid("metrics.tls: cert_file and key_file are required when TLS is enabled")
		}
		if _, err := os.Stat(m.TLS.CertFile); err != nil {
			return invalid("metrics.tls.cert_file: %v", err)
		}
		if _, err := os.Stat(m.TLS.KeyFile); err != nil {
			return invalid("metrics.tls.key_file: %v", err)
		}
		if m.TLS.MinVersion != "" {
			if err := validateTLSVersion(m.TLS.MinVersion); err != nil {
				return invalid("metrics.tls.min_version: %v", err)
			}
		}
	}
	return nil
}

// isValidName checks that s can appear as one topic segment on every
// supported broker: letters, digits, dashes and underscores.
func isValidName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// validateTLSVersion checks if a TLS version string is valid
func validateTLSVersion(version string) error {
	switch version {
	case "1.2", "1.3":
		return nil
	default:
		return fmt.Errorf("invalid TLS version %q (must be \"1.2\" or \"1.3\")", version)
	}
}
