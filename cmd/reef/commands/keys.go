package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c360/reef/errors"
	"github.com/c360/reef/keys"
)

var (
	keysAgent   string
	keysOut     string
	keysPeerOut string
	keysIn      string
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Provision agent key material and group keys",
	Long: `Generate, inspect and distribute key material for the Secure Reef.

Private material stays with its agent and is written owner-only. The public
bundle printed by "keys show" is what other agents load as a peer.

Examples:
  # Create material for agent A and its public peer file
  reef keys generate --agent A --out a.keys.json --peer-out a.peer.json

  # Print the public bundle of existing material
  reef keys show --in a.keys.json

  # Create a group key for group-sealed broadcasts
  reef keys group --out group.key`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Create and export key material for an agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		km, err := keys.NewManager(keysAgent)
		if err != nil {
			return err
		}
		defer km.Close()

		mat, err := km.Export()
		if err != nil {
			return err
		}
		defer mat.Wipe()
		if err := keys.SaveMaterial(keysOut, mat); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote key material for %s to %s\n", keysAgent, keysOut)

		if keysPeerOut == "" {
			return nil
		}
		peer, err := mat.Peer()
		if err != nil {
			return err
		}
		if err := keys.SavePeer(keysPeerOut, peer); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote public bundle for %s to %s\n", keysAgent, keysPeerOut)
		return nil
	},
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the public bundle of exported key material",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		mat, err := keys.LoadMaterial(keysIn)
		if err != nil {
			return err
		}
		defer mat.Wipe()

		peer, err := mat.Peer()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(peer); err != nil {
			return errors.WrapFatal(err, "keys", "show", "encode bundle")
		}
		return nil
	},
}

var keysGroupCmd = &cobra.Command{
	Use:   "group",
	Short: "Create a shared key for group-sealed broadcasts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := keys.GenerateGroupKey(nil)
		if err != nil {
			return err
		}
		if err := keys.SaveGroupKey(keysOut, key); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote group key to %s\n", keysOut)
		return nil
	},
}

func init() {
	keysGenerateCmd.Flags().StringVar(&keysAgent, "agent", "", "agent name (required)")
	keysGenerateCmd.Flags().StringVarP(&keysOut, "out", "o", "", "material output file (required)")
	keysGenerateCmd.Flags().StringVar(&keysPeerOut, "peer-out", "", "also write the public bundle to this file")
	_ = keysGenerateCmd.MarkFlagRequired("agent")
	_ = keysGenerateCmd.MarkFlagRequired("out")

	keysShowCmd.Flags().StringVarP(&keysIn, "in", "i", "", "material file written by keys generate (required)")
	_ = keysShowCmd.MarkFlagRequired("in")

	keysGroupCmd.Flags().StringVarP(&keysOut, "out", "o", "", "group key output file (required)")
	_ = keysGroupCmd.MarkFlagRequired("out")

	keysCmd.AddCommand(keysGenerateCmd, keysShowCmd, keysGroupCmd)
	rootCmd.AddCommand(keysCmd)
}
