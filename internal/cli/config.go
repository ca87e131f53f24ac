package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/javanstorm/vmconsole/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration after merging defaults, the config file and
VMCONSOLE_* environment variables.`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

// configView is the printable form of config.Config.
type configView struct {
	DataDir          string `yaml:"data_dir"`
	LogDir           string `yaml:"log_dir"`
	LogLevel         string `yaml:"log_level"`
	LogKeep          int    `yaml:"log_keep"`
	MetricsAddr      string `yaml:"metrics_addr,omitempty"`
	Engine           string `yaml:"engine"`
	CPUUnplugTimeout string `yaml:"cpu_unplug_timeout"`
	AllowKeyReAdd    bool   `yaml:"allow_key_readd"`
	Tracing          bool   `yaml:"tracing"`
	TraceEndpoint    string `yaml:"trace_endpoint,omitempty"`
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg := config.Global
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	out, err := yaml.Marshal(configView{
		DataDir:          cfg.DataDir,
		LogDir:           cfg.LogDir,
		LogLevel:         cfg.LogLevel,
		LogKeep:          cfg.LogKeep,
		MetricsAddr:      cfg.MetricsAddr,
		Engine:           cfg.Engine,
		CPUUnplugTimeout: cfg.CPUUnplugTimeout.String(),
		AllowKeyReAdd:    cfg.AllowKeyReAdd,
		Tracing:          cfg.Tracing,
		TraceEndpoint:    cfg.TraceEndpoint,
	})
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
