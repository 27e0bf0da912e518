package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/reef/errors"
	"github.com/c360/reef/pkg/security"
)

func writeLayer(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.Reef.DefaultChannel)
	assert.Equal(t, 1000, cfg.Reef.DefaultCapacity)
	assert.Equal(t, 4, cfg.Reef.DefaultWorkers)
	assert.Equal(t, 60*time.Second, cfg.Reef.SweeperInterval)
	assert.Equal(t, 300*time.Second, cfg.Reef.RequestTTL)
	assert.Equal(t, BroadcastPolicyRefuse, cfg.Secure.BroadcastPolicy)
	assert.False(t, cfg.Secure.Enabled)
}

func TestLoader_YAMLThenJSONLayers(t *testing.T) {
	base := writeLayer(t, "base.yaml", `
reef:
  default_capacity: 50
  sweeper_interval: 2m
  channels:
    - name: alerts
      capacity: 10
log:
  format: text
`)
	override := writeLayer(t, "site.json", `{"reef": {"default_workers": 8}, "log": {"level": "debug"}}`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(override)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.Reef.DefaultChannel)
	assert.Equal(t, 50, cfg.Reef.DefaultCapacity)
	assert.Equal(t, 8, cfg.Reef.DefaultWorkers)
	assert.Equal(t, 2*time.Minute, cfg.Reef.SweeperInterval)
	require.Len(t, cfg.Reef.Channels, 1)
	assert.Equal(t, ChannelConfig{Name: "alerts", Capacity: 10}, cfg.Reef.Channels[0])
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoader_DurationForms(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"go duration", `"90s"`, 90 * time.Second},
		{"days", `"1d"`, 24 * time.Hour},
		{"nanoseconds", `5000000000`, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeLayer(t, "reef.json", `{"reef": {"request_ttl": `+tt.value+`}}`)
			cfg, err := NewLoader().LoadFile(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Reef.RequestTTL)
		})
	}
}

func TestLoader_SchemaRejectsUnknownKeys(t *testing.T) {
	path := writeLayer(t, "reef.json", `{"reef": {"default_capacty": 10}}`)

	_, err := NewLoader().LoadFile(path)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "default_capacty")

	loader := NewLoader()
	loader.EnableSchema(false)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err, "without the schema unknown keys are ignored")
	assert.Equal(t, DefaultCapacity, cfg.Reef.DefaultCapacity)
}

func TestLoader_SchemaRejectsWrongTypes(t *testing.T) {
	path := writeLayer(t, "reef.yaml", "reef:\n  default_workers: many\n")
	_, err := NewLoader().LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_workers")
}

func TestLoader_RejectsUnsupportedFiles(t *testing.T) {
	_, err := NewLoader().LoadFile(writeLayer(t, "reef.toml", "x = 1"))
	require.Error(t, err)

	_, err = NewLoader().LoadFile("../outside.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "traversal")

	_, err = NewLoader().LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("REEF_CAPACITY", "250")
	t.Setenv("REEF_WORKERS", "2")
	t.Setenv("REEF_SWEEPER_INTERVAL", "5s")
	t.Setenv("REEF_SECURE_ENABLED", "true")
	t.Setenv("REEF_SECURE_AGENT", "alpha")
	t.Setenv("REEF_TRANSPORT_URL", "nats://broker:4222")
	t.Setenv("REEF_LOG_LEVEL", "warn")

	path := writeLayer(t, "reef.json", `{"reef": {"default_capacity": 10}, "secure": {"protocol": "nats"}}`)
	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Reef.DefaultCapacity, "environment wins over files")
	assert.Equal(t, 2, cfg.Reef.DefaultWorkers)
	assert.Equal(t, 5*time.Second, cfg.Reef.SweeperInterval)
	assert.True(t, cfg.Secure.Enabled)
	assert.Equal(t, "alpha", cfg.Secure.Agent)
	assert.Equal(t, "nats", cfg.Secure.Protocol)
	assert.Equal(t, "nats://broker:4222", cfg.Secure.Transport.URL)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverrideErrors(t *testing.T) {
	t.Setenv("REEF_CAPACITY", "lots")
	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REEF_CAPACITY")
}

func TestLoader_CustomPrefix(t *testing.T) {
	t.Setenv("EDGE_CHANNEL", "edge")
	loader := NewLoader()
	loader.SetEnvPrefix("EDGE")
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "edge", cfg.Reef.DefaultChannel)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero capacity", func(c *Config) { c.Reef.DefaultCapacity = 0 }, "default_capacity"},
		{"zero workers", func(c *Config) { c.Reef.DefaultWorkers = 0 }, "default_workers"},
		{"zero sweep", func(c *Config) { c.Reef.SweeperInterval = 0 }, "sweeper_interval"},
		{"dotted channel", func(c *Config) { c.Reef.DefaultChannel = "a.b" }, "default_channel"},
		{"duplicate channels", func(c *Config) {
			c.Reef.Channels = []ChannelConfig{{Name: "x"}, {Name: "x"}}
		}, "duplicate"},
		{"secure without agent", func(c *Config) { c.Secure.Enabled = true }, "secure.agent"},
		{"secure without protocol", func(c *Config) {
			c.Secure.Enabled = true
			c.Secure.Agent = "alpha"
			c.Secure.Protocol = ""
		}, "secure.protocol"},
		{"unknown broadcast policy", func(c *Config) { c.Secure.BroadcastPolicy = "open" }, "broadcast_policy"},
		{"group key without file", func(c *Config) {
			c.Secure.Enabled = true
			c.Secure.Agent = "alpha"
			c.Secure.BroadcastPolicy = BroadcastPolicyGroupKey
		}, "group_key_file"},
		{"half client cert", func(c *Config) {
			c.Secure.Enabled = true
			c.Secure.Agent = "alpha"
			c.Secure.Transport.TLS = &security.TLSConfig{ClientCert: "/tmp/c.pem"}
		}, "client_cert"},
		{"bad tls version", func(c *Config) {
			c.Secure.Enabled = true
			c.Secure.Agent = "alpha"
			c.Secure.Transport.TLS = &security.TLSConfig{MinVersion: "1.0"}
		}, "min_version"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
		{"metrics disabled skips checks", func(c *Config) {
			c.Metrics.Enabled = false
			c.Metrics.Addr = ""
		}, ""},
		{"metrics tls missing files", func(c *Config) {
			c.Metrics.TLS = security.ServerTLSConfig{Enabled: true, CertFile: "/nope/cert.pem", KeyFile: "/nope/key.pem"}
		}, "metrics.tls.cert_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.True(t, errors.IsFatal(err))
		})
	}
}

func TestConfig_SaveAndReload(t *testing.T) {
	cfg := Default()
	cfg.Reef.DefaultCapacity = 64
	cfg.Reef.Channels = []ChannelConfig{{Name: "alerts", Workers: 2}}
	cfg.Secure.Agent = "alpha"
	cfg.Secure.Transport.Options = map[string]string{"exchange": "reef"}

	path := filepath.Join(t.TempDir(), "saved.json")
	require.NoError(t, cfg.SaveToFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := NewLoader().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConfig_StringMasksPassword(t *testing.T) {
	cfg := Default()
	cfg.Secure.Transport.Password = "hunter2"

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "****")
	assert.Equal(t, "hunter2", cfg.Secure.Transport.Password)
}

func TestSafeConfig_ConcurrentAccess(t *testing.T) {
	sc := NewSafeConfig(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.NotNil(t, sc.Get())
			}
		}()
		go func(n int) {
			defer wg.Done()
			next := Default()
			next.Reef.DefaultCapacity = n + 1
			assert.NoError(t, sc.Update(next))
		}(i)
	}
	wg.Wait()

	assert.Positive(t, sc.Get().Reef.DefaultCapacity)
}

func TestSafeConfig_UpdateRejectsInvalid(t *testing.T) {
	sc := NewSafeConfig(Default())

	bad := Default()
	bad.Reef.DefaultWorkers = -1
	require.Error(t, sc.Update(bad))
	require.Error(t, sc.Update(nil))
	assert.Equal(t, DefaultWorkers, sc.Get().Reef.DefaultWorkers)

	got := sc.Get()
	got.Reef.DefaultWorkers = 99
	assert.Equal(t, DefaultWorkers, sc.Get().Reef.DefaultWorkers, "Get returns a copy")
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": {"b": ["}", "{"]}}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": {`)))
	assert.Error(t, validateJSONDepth([]byte(`}`)))
	deep := strings.Repeat("[", maxJSONDepth+1) + strings.Repeat("]", maxJSONDepth+1)
	assert.Error(t, validateJSONDepth([]byte(deep)))
}
