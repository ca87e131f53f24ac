package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/javanstorm/vmconsole/internal/config"
	"github.com/javanstorm/vmconsole/internal/console"
	"github.com/javanstorm/vmconsole/internal/crypto"
	"github.com/javanstorm/vmconsole/internal/hostnet"
	"github.com/javanstorm/vmconsole/pkg/hypervisor/savedstate"
	"github.com/javanstorm/vmconsole/pkg/hypervisor/simvm"
)

func TestWritePIDFile(t *testing.T) {
	dataDir := t.TempDir()
	vmName := "test-vm"

	if err := writePIDFile(dataDir, vmName); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}

	data, err := os.ReadFile(pidPath(dataDir, vmName))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		t.Fatalf("parse PID: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("PID mismatch: got %d, want %d", pid, os.Getpid())
	}

	running, got := isVMRunning(dataDir, vmName)
	if !running || got != os.Getpid() {
		t.Errorf("isVMRunning = %v, %d", running, got)
	}

	cleanupPIDFile(dataDir, vmName)
	if _, err := os.Stat(pidPath(dataDir, vmName)); !os.IsNotExist(err) {
		t.Error("PID file should be removed after cleanup")
	}
}

func TestIsVMRunningBadPIDFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"stale", "999999999"},
		{"invalid", "not-a-number"},
	}
	for _, tt := range tests {
		tt := tt // per-iteration copy (pre-Go 1.22 loop semantics)
		t.Run(tt.name, func(t *testing.T) {
			dataDir := t.TempDir()
			path := pidPath(dataDir, "vm")
			os.MkdirAll(filepath.Dir(path), 0755)
			os.WriteFile(path, []byte(tt.content), 0644)
			if running, _ := isVMRunning(dataDir, "vm"); running {
				t.Errorf("%s PID file detected as running", tt.name)
			}
		})
	}
	if running, _ := isVMRunning(t.TempDir(), "vm"); running {
		t.Error("VM should not be running without PID file")
	}
}

func TestParsePasswords(t *testing.T) {
	got, err := parsePasswords([]string{"root=hunter2", "data=a=b"})
	if err != nil {
		t.Fatalf("parsePasswords failed: %v", err)
	}
	if got["root"] != "hunter2" || got["data"] != "a=b" {
		t.Errorf("parsePasswords = %v", got)
	}
	for _, bad := range []string{"root", "=pw", "root="} {
		if _, err := parsePasswords([]string{bad}); err == nil {
			t.Errorf("parsePasswords(%q) should fail", bad)
		}
	}
}

func TestNewHypervisor(t *testing.T) {
	hv, err := newHypervisor(config.EngineSim)
	if err != nil {
		t.Fatalf("newHypervisor(simvm) failed: %v", err)
	}
	if hv.Info().Name != "simvm" {
		t.Errorf("engine = %s", hv.Info().Name)
	}
	if _, err := newHypervisor("qemu"); err == nil {
		t.Error("unknown engine should fail")
	}
}

func testRunOptions(t *testing.T) runOptions {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.LogDir = filepath.Join(cfg.DataDir, "logs")
	cfg.LogKeep = 1

	log := logrus.New()
	log.SetOutput(io.Discard)
	return runOptions{
		cfg: cfg,
		machine: &config.Machine{
			Name:     "cli",
			CPUs:     1,
			MaxCPUs:  1,
			MemoryMB: 256,
			Kernel:   "/boot/vmlinuz",
		},
		log:        log,
		registerer: prometheus.NewRegistry(),
		tracer:     noop.NewTracerProvider(),
		hostnet:    hostnet.Static{},
	}
}

// startRun runs the machine in the background and waits until it is up.
func startRun(t *testing.T, ctx context.Context, hv *simvm.Hypervisor, opts runOptions) (*console.Session, <-chan error) {
	t.Helper()
	ready := make(chan *console.Session, 1)
	opts.ready = ready
	done := make(chan error, 1)
	go func() { done <- runMachine(ctx, hv, opts) }()

	select {
	case s := <-ready:
		return s, done
	case err := <-done:
		t.Fatalf("runMachine returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("VM did not come up")
	}
	return nil, nil
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("runMachine did not return")
	}
	return nil
}

func recordedState(t *testing.T, cfg *config.Config, vm string) string {
	t.Helper()
	st, err := console.NewMachineRecord(cfg.RecordPath(vm)).Load()
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	return st.State
}

func TestRunMachinePowersDownOnInterrupt(t *testing.T) {
	opts := testRunOptions(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, done := startRun(t, ctx, simvm.New(), opts)
	if got := s.State(); got != console.Running {
		t.Fatalf("state = %s, want Running", got)
	}
	if running, _ := isVMRunning(opts.cfg.DataDir, "cli"); !running {
		t.Error("PID file not written while running")
	}

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("runMachine failed: %v", err)
	}
	if got := recordedState(t, opts.cfg, "cli"); got != "PoweredOff" {
		t.Errorf("recorded state = %s, want PoweredOff", got)
	}
	if running, _ := isVMRunning(opts.cfg.DataDir, "cli"); running {
		t.Error("PID file left behind")
	}
	if crypto.References() != 0 {
		t.Error("crypto module still referenced after run")
	}
}

func TestRunMachineSaveOnExit(t *testing.T) {
	opts := testRunOptions(t)
	opts.saveOnExit = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, done := startRun(t, ctx, simvm.New(), opts)
	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("runMachine failed: %v", err)
	}
	if got := recordedState(t, opts.cfg, "cli"); got != "Saved" {
		t.Errorf("recorded state = %s, want Saved", got)
	}
	if !savedstate.Exists(opts.cfg.SavedStatePath("cli")) {
		t.Fatal("saved state not written")
	}

	// The next run restores it.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	opts.saveOnExit = false
	opts.registerer = prometheus.NewRegistry()
	s, done := startRun(t, ctx2, simvm.New(), opts)
	if got := s.State(); got != console.Running {
		t.Errorf("restored state = %s", got)
	}
	if savedstate.Exists(opts.cfg.SavedStatePath("cli")) {
		t.Error("saved state kept after restore")
	}
	cancel2()
	waitRun(t, done)
}

func TestRunMachineGuestPowerOff(t *testing.T) {
	opts := testRunOptions(t)
	hv := simvm.New()
	_, done := startRun(t, context.Background(), hv, opts)

	if err := hv.Last().GuestPowerOff(); err != nil {
		t.Fatalf("GuestPowerOff failed: %v", err)
	}
	if err := waitRun(t, done); err != nil {
		t.Fatalf("runMachine failed: %v", err)
	}
	if got := recordedState(t, opts.cfg, "cli"); got != "PoweredOff" {
		t.Errorf("recorded state = %s, want PoweredOff", got)
	}
}

func TestRunMachineAlreadyRunning(t *testing.T) {
	opts := testRunOptions(t)
	if err := writePIDFile(opts.cfg.DataDir, "cli"); err != nil {
		t.Fatal(err)
	}
	err := runMachine(context.Background(), simvm.New(), opts)
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Errorf("err = %v, want already running", err)
	}
}

func TestRunMachineWithPasswords(t *testing.T) {
	desc, err := newKeyStore(strings.NewReader("hunter2\n"), 1000)
	if err != nil {
		t.Fatalf("newKeyStore failed: %v", err)
	}
	opts := testRunOptions(t)
	opts.machine.Controllers = []config.Controller{{Name: "SATA", Bus: config.BusSATA}}
	opts.machine.Attachments = []config.Attachment{
		{Controller: "SATA", Port: 0, Type: config.MediumHardDisk, Medium: "/disks/root.img", KeyID: "root"},
	}
	opts.machine.KeyStores = map[string]string{"root": desc}
	opts.passwords = map[string]string{"root": "hunter2"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, done := startRun(t, ctx, simvm.New(), opts)
	if got := s.State(); got != console.Running {
		t.Errorf("state = %s, want Running with the password given", got)
	}
	cancel()
	waitRun(t, done)

	opts.passwords = map[string]string{"root": "wrong"}
	opts.registerer = prometheus.NewRegistry()
	if err := runMachine(context.Background(), simvm.New(), opts); err == nil {
		t.Error("wrong password should fail the run")
	}
}

func TestNewKeyStore(t *testing.T) {
	desc, err := newKeyStore(strings.NewReader("s3cret\r\n"), 1000)
	if err != nil {
		t.Fatalf("newKeyStore failed: %v", err)
	}
	ks, err := crypto.DecodeKeyStore(desc)
	if err != nil {
		t.Fatalf("DecodeKeyStore failed: %v", err)
	}
	mod, _ := crypto.Load()
	defer crypto.Unload()
	dek, err := mod.UnwrapKey(ks, "s3cret")
	if err != nil || len(dek) != 32 {
		t.Errorf("UnwrapKey = %d bytes, %v", len(dek), err)
	}

	if _, err := newKeyStore(strings.NewReader(""), 1000); err == nil {
		t.Error("empty password should fail")
	}
}

func TestPrintStatus(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()

	var buf bytes.Buffer
	if err := printStatus(&buf, cfg, "alpine"); err != nil {
		t.Fatalf("printStatus failed: %v", err)
	}
	if !strings.Contains(buf.String(), "never started") {
		t.Errorf("status of unknown VM:\n%s", buf.String())
	}

	rec := console.NewMachineRecord(cfg.RecordPath("alpine"))
	rec.OnStateChange("alpine", console.Starting)
	rec.OnStateChange("alpine", console.Saved)
	if err := savedstate.Write(cfg.SavedStatePath("alpine"), nil); err != nil {
		t.Fatalf("write saved state: %v", err)
	}

	buf.Reset()
	if err := printStatus(&buf, cfg, "alpine"); err != nil {
		t.Fatalf("printStatus failed: %v", err)
	}
	for _, want := range []string{"State: Saved", "Boot count: 1", "(clean)", "Saved state:"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("status missing %q:\n%s", want, buf.String())
		}
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(good, []byte("name: ok\ncpus: 1\nmemory_mb: 256\nkernel: /boot/vmlinuz\n"), 0644)
	os.WriteFile(bad, []byte("name: broken\ncpus: 0\n"), 0644)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"validate", good})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("validate good machine: %v", err)
	}
	if !strings.Contains(out.String(), "ok: ok") {
		t.Errorf("output = %q", out.String())
	}

	rootCmd.SetArgs([]string{"validate", bad})
	if err := rootCmd.Execute(); err == nil {
		t.Error("validate should fail for a machine without CPUs")
	}
}

func TestMetricsServer(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	srv, err := startMetrics("127.0.0.1:0", newRegistry(), log)
	if err != nil {
		t.Fatalf("startMetrics failed: %v", err)
	}
	defer srv.Close(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Errorf("metrics response %d:\n%.200s", resp.StatusCode, body)
	}
}

func TestSetupTracingDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	tp, shutdown, err := setupTracing(context.Background(), cfg)
	if err != nil || tp == nil {
		t.Fatalf("setupTracing = %v, %v", tp, err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
