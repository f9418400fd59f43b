package appconfig

import (
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int              `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string           `mapstructure:"state_dir" yaml:"state_dir"`
	Store         StoreConfig      `mapstructure:"store" yaml:"store"`
	Controller    ControllerConfig `mapstructure:"controller" yaml:"controller"`
	Monitor       MonitorConfig    `mapstructure:"monitor" yaml:"monitor"`
	Eviction      EvictionConfig   `mapstructure:"eviction" yaml:"eviction"`
	Pool          PoolConfig       `mapstructure:"pool" yaml:"pool"`
	Browser       BrowserConfig    `mapstructure:"browser" yaml:"browser"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// Store drivers accepted in store.driver.
const (
	StoreSQLite = "sqlite"
	StoreJSON   = "json"
	StoreMemory = "memory"
)

// Sampler kinds accepted in monitor.sampler.
const (
	SamplerAuto    = "auto"
	SamplerProc    = "proc"
	SamplerSurface = "surface"
)

// StoreConfig selects where tabs are persisted. An empty path resolves
// inside state_dir.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// ControllerConfig tunes the tab lifecycle controller.
type ControllerConfig struct {
	DefaultURL           string `mapstructure:"default_url" yaml:"default_url"`
	UpdateThrottleMillis int    `mapstructure:"update_throttle_ms" yaml:"update_throttle_ms"`
	IdleHibernateMinutes int    `mapstructure:"idle_hibernate_minutes" yaml:"idle_hibernate_minutes"`
	IdleSweepSeconds     int    `mapstructure:"idle_sweep_seconds" yaml:"idle_sweep_seconds"`
	QueueDepth           int    `mapstructure:"queue_depth" yaml:"queue_depth"`
}

// MonitorConfig controls per-tab resource sampling.
type MonitorConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	IntervalSeconds int    `mapstructure:"interval_seconds" yaml:"interval_seconds"`
	Sampler         string `mapstructure:"sampler" yaml:"sampler"`
}

// EvictionConfig holds the hibernation thresholds.
type EvictionConfig struct {
	CPUPercent float64 `mapstructure:"cpu_percent" yaml:"cpu_percent"`
	MemoryMiB  int64   `mapstructure:"memory_mib" yaml:"memory_mib"`
}

// PoolConfig bounds the rendering surface pool.
type PoolConfig struct {
	MaxSurfaces int `mapstructure:"max_surfaces" yaml:"max_surfaces"`
	MaxIdle     int `mapstructure:"max_idle" yaml:"max_idle"`
	Preload     int `mapstructure:"preload" yaml:"preload"`
}

// BrowserConfig configures the Chrome process backing the surfaces.
type BrowserConfig struct {
	Headless    bool     `mapstructure:"headless" yaml:"headless"`
	ExecPath    string   `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir string   `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	Flags       []string `mapstructure:"flags" yaml:"flags"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	stateDir := filepath.Join(home, ".tabkeeper", "state")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      stateDir,
		Store: StoreConfig{
			Driver: StoreSQLite,
			Path:   "",
		},
		Controller: ControllerConfig{
			DefaultURL:           "https://www.google.com",
			UpdateThrottleMillis: 250,
			IdleHibernateMinutes: 0,
			IdleSweepSeconds:     60,
			QueueDepth:           256,
		},
		Monitor: MonitorConfig{
			Enabled:         true,
			IntervalSeconds: 5,
			Sampler:         SamplerAuto,
		},
		Eviction: EvictionConfig{
			CPUPercent: 30,
			MemoryMiB:  100,
		},
		Pool: PoolConfig{
			MaxSurfaces: 16,
			MaxIdle:     2,
			Preload:     0,
		},
		Browser: BrowserConfig{
			Headless:    true,
			ExecPath:    "",
			UserDataDir: filepath.Join(stateDir, "chrome"),
			Flags:       []string{},
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tabkeeper", "config.yaml"), nil
}

// StorePath returns the configured store path, or the driver's default file
// inside state_dir.
func (c Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	switch c.Store.Driver {
	case StoreJSON:
		return filepath.Join(c.StateDir, "tabs.json")
	case StoreMemory:
		return ""
	default:
		return filepath.Join(c.StateDir, "tabs.db")
	}
}
