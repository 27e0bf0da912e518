package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/reef/config"
	reeferrors "github.com/c360/reef/errors"
	"github.com/c360/reef/keys"
)

// execute runs the root command with args after resetting every flag, since
// the command tree is package state.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var reset func(*cobra.Command)
	reset = func(c *cobra.Command) {
		for _, fs := range []*pflag.FlagSet{c.PersistentFlags(), c.Flags()} {
			fs.VisitAll(func(f *pflag.Flag) {
				_ = f.Value.Set(f.DefValue)
				f.Changed = false
			})
		}
		for _, sub := range c.Commands() {
			reset(sub)
		}
	}
	reset(rootCmd)

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	out, err := execute(t)
	require.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "serve")
	assert.Contains(t, out, "keys")
}

func TestRootCommand_RejectsUnknownFlags(t *testing.T) {
	_, err := execute(t, "--unknown-flag", "value")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestVersionCommand(t *testing.T) {
	SetVersionInfo("1.2.3", "abc", "today")
	t.Cleanup(func() { SetVersionInfo("dev", "none", "unknown") })

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "reef 1.2.3 (commit: abc, built: today")
}

func TestKeysCommands(t *testing.T) {
	dir := t.TempDir()
	material := filepath.Join(dir, "a.keys.json")
	peerFile := filepath.Join(dir, "a.peer.json")

	out, err := execute(t, "keys", "generate", "--agent", "A", "--out", material, "--peer-out", peerFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote key material for A")
	assert.Contains(t, out, "Wrote public bundle for A")

	info, err := os.Stat(material)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	mat, err := keys.LoadMaterial(material)
	require.NoError(t, err)
	assert.Equal(t, "A", mat.Agent)
	saved, err := keys.LoadPeer(peerFile)
	require.NoError(t, err)

	out, err = execute(t, "keys", "show", "--in", material)
	require.NoError(t, err)
	var shown keys.Peer
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "A", shown.Agent)
	assert.True(t, shown.Bundle.Equal(saved.Bundle))

	groupFile := filepath.Join(dir, "group.key")
	out, err = execute(t, "keys", "group", "--out", groupFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote group key")
	_, err = keys.LoadGroupKey(groupFile)
	assert.NoError(t, err)
}

func TestKeysShow_MissingFile(t *testing.T) {
	_, err := execute(t, "keys", "show", "--in", filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reef.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
reef:
  default_channel: ops
  channels:
    - name: audit
      capacity: 10
log:
  level: warn
`), 0o600))

	cfg, err := loadConfig(path, "", "text")
	require.NoError(t, err)
	assert.Equal(t, "ops", cfg.Reef.DefaultChannel)
	require.Len(t, cfg.Reef.Channels, 1)
	assert.Equal(t, "audit", cfg.Reef.Channels[0].Name)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	cfg, err = loadConfig("", "debug", "")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	_, err = loadConfig("", "loud", "")
	assert.ErrorIs(t, err, reeferrors.ErrInvalidConfig)
}

func TestServe_Validate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reef.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"reef": {"default_channel": "ops"}}`), 0o600))

	out, err := execute(t, "serve", "--validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")
	assert.Contains(t, out, `"service":"reef"`)
}

func TestConfigCommands(t *testing.T) {
	t.Setenv("REEF_TRANSPORT_PASSWORD", "hunter2")

	out, err := execute(t, "config", "show", "--log-format", "text")
	require.NoError(t, err)
	var shown map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, "text", shown["log"].(map[string]any)["format"])
	assert.NotContains(t, out, "hunter2")

	out, err = execute(t, "config", "schema")
	require.NoError(t, err)
	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &schema))
	assert.Equal(t, "Reef daemon configuration layer", schema["title"])

	path := filepath.Join(t.TempDir(), "schema.json")
	_, err = execute(t, "config", "schema", "--out", path)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, string(config.Schema()), string(data))
}
