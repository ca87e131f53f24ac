package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmconsole/internal/config"
	"github.com/javanstorm/vmconsole/internal/console"
	"github.com/javanstorm/vmconsole/pkg/hypervisor/savedstate"
)

var statusCmd = &cobra.Command{
	Use:   "status VM",
	Short: "Show the recorded state of a VM",
	Long:  `Display the last committed state of a VM, its boot history and whether a saved state is waiting to be restored.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := config.Global
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return printStatus(cmd.OutOrStdout(), cfg, args[0])
}

func printStatus(w io.Writer, cfg *config.Config, vm string) error {
	st, err := console.NewMachineRecord(cfg.RecordPath(vm)).Load()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "VM: %s\n", vm)
	if running, pid := isVMRunning(cfg.DataDir, vm); running {
		fmt.Fprintf(w, "Supervised by: pid %d\n", pid)
	}
	if st.State == "" {
		fmt.Fprintln(w, "State: never started")
		return nil
	}
	fmt.Fprintf(w, "State: %s (since %s)\n", st.State, st.StateSince.Format(time.RFC3339))
	fmt.Fprintf(w, "Boot count: %d\n", st.BootCount)
	if !st.LastBoot.IsZero() {
		fmt.Fprintf(w, "Last boot: %s\n", st.LastBoot.Format(time.RFC3339))
	}
	if !st.LastShutdown.IsZero() {
		clean := "clean"
		if !st.CleanShutdown {
			clean = "unclean"
		}
		fmt.Fprintf(w, "Last shutdown: %s (%s)\n", st.LastShutdown.Format(time.RFC3339), clean)
	}

	saved := cfg.SavedStatePath(vm)
	if savedstate.Exists(saved) {
		fmt.Fprintf(w, "Saved state: %s\n", saved)
	}
	return nil
}
