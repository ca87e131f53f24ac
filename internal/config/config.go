package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Engine backends.
const (
	EngineNative = "native"
	EngineSim    = "simvm"
)

// Config holds process-wide vmconsole settings.
type Config struct {
	// DataDir holds machine records and saved states.
	DataDir string `mapstructure:"data_dir"`

	// LogDir holds per-VM release logs.
	LogDir string `mapstructure:"log_dir"`

	// LogLevel is the logrus level name.
	LogLevel string `mapstructure:"log_level"`

	// LogKeep is how many rotated release logs are kept per VM.
	LogKeep int `mapstructure:"log_keep"`

	// MetricsAddr is the Prometheus listen address (empty = disabled).
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Engine selects the hypervisor backend: "native" or "simvm".
	Engine string `mapstructure:"engine"`

	// CPUUnplugTimeout bounds the wait for the guest to release a CPU.
	CPUUnplugTimeout time.Duration `mapstructure:"cpu_unplug_timeout"`

	// AllowKeyReAdd lets already verified disk passwords be re-added.
	AllowKeyReAdd bool `mapstructure:"allow_key_readd"`

	// Tracing enables OpenTelemetry spans.
	Tracing bool `mapstructure:"tracing"`

	// TraceEndpoint is the OTLP/HTTP collector URL spans are exported to.
	TraceEndpoint string `mapstructure:"trace_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	paths, err := GetPaths()
	if err != nil {
		// Fallback if we can't determine home directory
		paths = &Paths{
			DataDir: "/tmp/vmconsole",
			LogDir:  "/tmp/vmconsole/logs",
		}
	}

	return &Config{
		DataDir:          paths.DataDir,
		LogDir:           paths.LogDir,
		LogLevel:         "info",
		LogKeep:          3,
		MetricsAddr:      "",
		Engine:           EngineSim,
		CPUUnplugTimeout: 5 * time.Second,
		AllowKeyReAdd:    false,
		Tracing:          false,
		TraceEndpoint:    "",
	}
}

// Global holds the loaded configuration.
var Global *Config

// Load reads configuration from file, environment, and defaults.
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to determine paths: %w", err)
	}
	cfg, err := load(viper.New(), paths.DataDir, paths.ConfigDir)
	if err != nil {
		return nil, err
	}
	dirs := &Paths{ConfigDir: paths.ConfigDir, DataDir: cfg.DataDir, LogDir: cfg.LogDir}
	if err := dirs.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return cfg, nil
}

func load(v *viper.Viper, searchPaths ...string) (*Config, error) {
	defaults := DefaultConfig()
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("log_dir", defaults.LogDir)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_keep", defaults.LogKeep)
	v.SetDefault("metrics_addr", defaults.MetricsAddr)
	v.SetDefault("engine", defaults.Engine)
	v.SetDefault("cpu_unplug_timeout", defaults.CPUUnplugTimeout)
	v.SetDefault("allow_key_readd", defaults.AllowKeyReAdd)
	v.SetDefault("tracing", defaults.Tracing)
	v.SetDefault("trace_endpoint", defaults.TraceEndpoint)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}

	// Environment variable support: VMCONSOLE_LOG_LEVEL, VMCONSOLE_ENGINE, etc.
	v.SetEnvPrefix("VMCONSOLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(cfg.DataDir, "logs")
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	switch cfg.Engine {
	case EngineNative, EngineSim:
	default:
		return nil, fmt.Errorf("invalid engine %q", cfg.Engine)
	}

	Global = cfg
	return cfg, nil
}

// Logger builds the process logger for cfg.
func (c *Config) Logger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger
}

// SavedStatePath returns the default saved-state location for a VM.
func (c *Config) SavedStatePath(vm string) string {
	return filepath.Join(c.DataDir, "machines", vm, vm+".sav")
}

// RecordPath returns the machine record location for a VM.
func (c *Config) RecordPath(vm string) string {
	return filepath.Join(c.DataDir, "machines", vm, "record.json")
}
