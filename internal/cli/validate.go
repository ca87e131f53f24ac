package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmconsole/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate MACHINE.yaml",
	Short: "Check a machine definition against an engine",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

var validateEngine string

func init() {
	validateCmd.Flags().StringVar(&validateEngine, "engine", config.EngineSim, "engine whose capabilities are checked (simvm or native)")
}

func runValidate(cmd *cobra.Command, args []string) error {
	m, err := config.LoadMachine(args[0])
	if err != nil {
		return err
	}
	hv, err := newHypervisor(validateEngine)
	if err != nil {
		return err
	}
	errs := config.ValidateMachine(m, hv.Capabilities())
	if len(errs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", m.Name)
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), config.FormatValidationErrors(errs))
	if config.HasFatal(errs) {
		return fmt.Errorf("machine %s is invalid", m.Name)
	}
	return nil
}
