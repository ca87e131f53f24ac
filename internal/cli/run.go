package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/javanstorm/vmconsole/internal/config"
	"github.com/javanstorm/vmconsole/internal/console"
	"github.com/javanstorm/vmconsole/internal/crypto"
	"github.com/javanstorm/vmconsole/internal/hostnet"
	"github.com/javanstorm/vmconsole/pkg/hypervisor"
	"github.com/javanstorm/vmconsole/pkg/hypervisor/simvm"
)

// shutdownTimeout bounds the final power down or save.
const shutdownTimeout = 2 * time.Minute

var runCmd = &cobra.Command{
	Use:   "run MACHINE.yaml",
	Short: "Power up a VM and keep it running until interrupted",
	Long: `Power up the VM described by MACHINE.yaml and supervise it until
SIGINT or SIGTERM, or until the guest powers itself off.

A VM with a saved state is restored from it. Disks encrypted with a key
store need their password, passed with --password KEYID=PASSWORD; without
it the VM starts paused and waits.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runMetricsAddr string
	runSaveOnExit  bool
	runPaused      bool
	runPasswords   []string
)

func init() {
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")
	runCmd.Flags().BoolVar(&runSaveOnExit, "save-on-exit", false, "save the VM state instead of powering off on exit")
	runCmd.Flags().BoolVar(&runPaused, "paused", false, "leave the VM paused after power up")
	runCmd.Flags().StringArrayVar(&runPasswords, "password", nil, "disk encryption password as KEYID=PASSWORD (repeatable)")
}

// runOptions is everything runMachine needs besides the engine.
type runOptions struct {
	cfg        *config.Config
	machine    *config.Machine
	log        *logrus.Logger
	registerer prometheus.Registerer
	tracer     trace.TracerProvider
	hostnet    hostnet.Resolver
	passwords  map[string]string
	paused     bool
	saveOnExit bool

	// ready is closed once the VM is up. Optional.
	ready chan<- *console.Session
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := config.Global
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	log := cfg.Logger()

	m, err := config.LoadMachine(args[0])
	if err != nil {
		return err
	}
	passwords, err := parsePasswords(runPasswords)
	if err != nil {
		return err
	}
	hv, err := newHypervisor(cfg.Engine)
	if err != nil {
		return err
	}
	if errs := config.ValidateMachine(m, hv.Capabilities()); len(errs) > 0 {
		fmt.Fprint(cmd.ErrOrStderr(), config.FormatValidationErrors(errs))
		if config.HasFatal(errs) {
			return fmt.Errorf("machine %s is not runnable on %s", m.Name, hv.Info().Name)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.WithError(err).Warn("flush traces")
		}
	}()

	reg := newRegistry()
	addr := cfg.MetricsAddr
	if runMetricsAddr != "" {
		addr = runMetricsAddr
	}
	if addr != "" {
		srv, err := startMetrics(addr, reg, log)
		if err != nil {
			return fmt.Errorf("serve metrics: %w", err)
		}
		defer srv.Close(context.Background())
	}

	return runMachine(ctx, hv, runOptions{
		cfg:        cfg,
		machine:    m,
		log:        log,
		registerer: reg,
		tracer:     tp,
		hostnet:    hostnet.System{},
		passwords:  passwords,
		paused:     runPaused,
		saveOnExit: runSaveOnExit,
	})
}

// newHypervisor selects the engine backend.
func newHypervisor(engine string) (hypervisor.Hypervisor, error) {
	switch engine {
	case config.EngineSim:
		return simvm.New(), nil
	case config.EngineNative:
		if !hypervisor.SupportedPlatform() {
			return nil, fmt.Errorf("native engine: %w", hypervisor.ErrUnsupportedPlatform)
		}
		return hypervisor.NewPlatform()
	}
	return nil, fmt.Errorf("unknown engine %q", engine)
}

// parsePasswords splits KEYID=PASSWORD pairs.
func parsePasswords(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		id, pw, ok := strings.Cut(p, "=")
		if !ok || id == "" || pw == "" {
			return nil, fmt.Errorf("invalid --password %q, want KEYID=PASSWORD", p)
		}
		out[id] = pw
	}
	return out, nil
}

// pidPath is where a running vmconsole records its process id for vm.
func pidPath(dataDir, vm string) string {
	return filepath.Join(dataDir, "machines", vm, "vm.pid")
}

// isVMRunning checks if another process supervises vm.
func isVMRunning(dataDir, vm string) (bool, int) {
	data, err := os.ReadFile(pidPath(dataDir, vm))
	if err != nil {
		return false, 0
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return false, 0
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return false, 0
	}
	return true, pid
}

// writePIDFile records the current process for vm.
func writePIDFile(dataDir, vm string) error {
	path := pidPath(dataDir, vm)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d", os.Getpid())), 0644)
}

func cleanupPIDFile(dataDir, vm string) {
	os.Remove(pidPath(dataDir, vm))
}

// offline reports whether the VM has stopped running on its own.
func offline(s console.MachineState) bool {
	switch s {
	case console.PoweredOff, console.Aborted, console.AbortedSaved, console.Saved, console.Teleported:
		return true
	}
	return false
}

// runMachine powers the VM up and supervises it until ctx ends or the VM
// goes offline, then powers it down or saves it.
func runMachine(ctx context.Context, hv hypervisor.Hypervisor, opts runOptions) error {
	m := opts.machine
	log := opts.log.WithField("vm", m.Name)

	if running, pid := isVMRunning(opts.cfg.DataDir, m.Name); running {
		return fmt.Errorf("VM %s is already running (pid %d)", m.Name, pid)
	}
	if err := writePIDFile(opts.cfg.DataDir, m.Name); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer cleanupPIDFile(opts.cfg.DataDir, m.Name)

	if _, err := crypto.Load(); err != nil {
		return fmt.Errorf("load crypto module: %w", err)
	}
	defer func() {
		if err := crypto.Unload(); err != nil {
			log.WithError(err).Warn("unload crypto module")
		}
	}()

	savedPath := m.SavedState
	if savedPath == "" {
		savedPath = opts.cfg.SavedStatePath(m.Name)
	}
	s, err := console.NewSession(console.SessionConfig{
		Machine:          m,
		Hypervisor:       hv,
		Owner:            console.NewMachineRecord(opts.cfg.RecordPath(m.Name)),
		Logger:           opts.log,
		LogDir:           opts.cfg.LogDir,
		LogKeep:          opts.cfg.LogKeep,
		SavedStatePath:   savedPath,
		Registerer:       opts.registerer,
		TracerProvider:   opts.tracer,
		HostNet:          opts.hostnet,
		CPUUnplugTimeout: opts.cfg.CPUUnplugTimeout,
		AllowKeyReAdd:    opts.cfg.AllowKeyReAdd,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.WithError(err).Warn("close session")
		}
	}()

	stopped := make(chan console.MachineState, 1)
	unsubscribe := s.Subscribe(func(ev console.Event) {
		switch {
		case ev.Kind == console.EventPasswordsMissing:
			log.WithField("key_ids", ev.Detail).Warn("VM paused until the disk passwords are given")
		case ev.Kind == console.EventStateChanged && offline(ev.State):
			select {
			case stopped <- ev.State:
			default:
			}
		}
	})
	defer unsubscribe()

	for id, pw := range opts.passwords {
		if err := s.AddEncryptionPassword(ctx, id, pw, false); err != nil {
			return err
		}
	}

	powerUp := s.PowerUp
	if opts.paused {
		powerUp = s.PowerUpPaused
	}
	p, err := powerUp(ctx)
	if err != nil {
		return err
	}
	if err := p.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return shutdown(s, false, log)
		}
		return fmt.Errorf("power up %s: %w", m.Name, err)
	}
	log.WithField("state", s.State()).Info("VM is up, press Ctrl+C to stop")
	if opts.ready != nil {
		opts.ready <- s
	}

	select {
	case st := <-stopped:
		log.WithField("state", st).Info("VM went offline")
		return nil
	case <-ctx.Done():
	}
	return shutdown(s, opts.saveOnExit, log)
}

// shutdown saves or powers down s and waits for the task.
func shutdown(s *console.Session, save bool, log logrus.FieldLogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	start := s.SaveState
	what := "save state"
	if !save {
		start = s.PowerDown
		what = "power down"
	}
	log.Info(what)
	p, err := start(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if err := p.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	log.WithField("state", s.State()).Info("VM stopped")
	return nil
}
