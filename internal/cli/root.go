// Package cli provides the command-line interface for vmconsole.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmconsole/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "vmconsole",
	Short: "vmconsole - session controller for a virtual machine",
	Long: `vmconsole runs one virtual machine from a machine definition and keeps
its lifecycle, devices and disk encryption keys under control.

Power it up with 'vmconsole run machine.yaml'; Ctrl+C powers it down or,
with --save-on-exit, saves its state for the next run.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for commands that don't need it
		switch cmd.Name() {
		case "version", "completion", "validate", "keystore":
			return nil
		}
		_, err := config.Load()
		return err
	},
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(keystoreCmd)
	rootCmd.AddCommand(configCmd)
}
