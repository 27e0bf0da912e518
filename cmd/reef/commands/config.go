package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/c360/reef/config"
	"github.com/c360/reef/errors"
)

var configSchemaOut string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect daemon configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with credentials masked",
	Long: `Print the configuration serve would run with: defaults, then the
--config layer, then REEF_* environment variables and logging flags.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(configPath, logLevel, logFormat)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
		return err
	},
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Export the JSON schema every configuration layer is checked against",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if configSchemaOut == "" {
			_, err := cmd.OutOrStdout().Write(config.Schema())
			return err
		}
		if err := os.WriteFile(configSchemaOut, config.Schema(), 0o644); err != nil {
			return errors.WrapFatal(err, "config", "schema", "write "+configSchemaOut)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote configuration schema to %s\n", configSchemaOut)
		return nil
	},
}

func init() {
	configSchemaCmd.Flags().StringVarP(&configSchemaOut, "out", "o", "", "write the schema to a file instead of stdout")
	configCmd.AddCommand(configShowCmd, configSchemaCmd)
	rootCmd.AddCommand(configCmd)
}
