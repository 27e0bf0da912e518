// Package commands holds the cobra command tree of the reef binary.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/c360/reef/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "reef",
	Short: "Reef - knowledge message bus for cooperating agents",
	Long: `Reef carries knowledge spores between agents. The serve command runs an
in-process bus with bounded channels and, optionally, a Secure Reef bridge
that seals spores end to end over NATS, MQTT, Redis, AMQP or STOMP.

The keys commands provision key material and group keys out of band.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. It is called once by main.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version reported by --version and the version
// command.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", getEnv("REEF_CONFIG", ""),
		"configuration file, JSON or YAML (env: REEF_CONFIG)")
	flags.StringVar(&logLevel, "log-level", "",
		"log level override: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "",
		"log format override: json, text")
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

// loadConfig merges defaults, the optional file and REEF_* variables, then
// applies the logging flags and validates.
func loadConfig(path, level, format string) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(false)
	if path != "" {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if level != "" {
		cfg.Log.Level = level
	}
	if format != "" {
		cfg.Log.Format = format
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
