package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
// A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("state_dir", cfg.StateDir)
	v.SetDefault("store.driver", cfg.Store.Driver)
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("controller.default_url", cfg.Controller.DefaultURL)
	v.SetDefault("controller.update_throttle_ms", cfg.Controller.UpdateThrottleMillis)
	v.SetDefault("controller.idle_hibernate_minutes", cfg.Controller.IdleHibernateMinutes)
	v.SetDefault("controller.idle_sweep_seconds", cfg.Controller.IdleSweepSeconds)
	v.SetDefault("controller.queue_depth", cfg.Controller.QueueDepth)
	v.SetDefault("monitor.enabled", cfg.Monitor.Enabled)
	v.SetDefault("monitor.interval_seconds", cfg.Monitor.IntervalSeconds)
	v.SetDefault("monitor.sampler", cfg.Monitor.Sampler)
	v.SetDefault("eviction.cpu_percent", cfg.Eviction.CPUPercent)
	v.SetDefault("eviction.memory_mib", cfg.Eviction.MemoryMiB)
	v.SetDefault("pool.max_surfaces", cfg.Pool.MaxSurfaces)
	v.SetDefault("pool.max_idle", cfg.Pool.MaxIdle)
	v.SetDefault("pool.preload", cfg.Pool.Preload)
	v.SetDefault("browser.headless", cfg.Browser.Headless)
	v.SetDefault("browser.exec_path", cfg.Browser.ExecPath)
	v.SetDefault("browser.user_data_dir", cfg.Browser.UserDataDir)
	v.SetDefault("browser.flags", cfg.Browser.Flags)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Store.Driver {
	case StoreSQLite, StoreJSON, StoreMemory:
	default:
		return fmt.Errorf("unsupported store.driver %q", cfg.Store.Driver)
	}
	switch cfg.Monitor.Sampler {
	case SamplerAuto, SamplerProc, SamplerSurface:
	default:
		return fmt.Errorf("unsupported monitor.sampler %q", cfg.Monitor.Sampler)
	}
	if strings.TrimSpace(cfg.StateDir) == "" {
		return fmt.Errorf("state_dir must not be empty")
	}
	if cfg.Controller.UpdateThrottleMillis < 0 {
		return fmt.Errorf("controller.update_throttle_ms must not be negative")
	}
	if cfg.Controller.IdleHibernateMinutes < 0 {
		return fmt.Errorf("controller.idle_hibernate_minutes must not be negative")
	}
	if cfg.Monitor.IntervalSeconds <= 0 {
		return fmt.Errorf("monitor.interval_seconds must be positive")
	}
	if cfg.Eviction.CPUPercent <= 0 || cfg.Eviction.MemoryMiB <= 0 {
		return fmt.Errorf("eviction thresholds must be positive")
	}
	if cfg.Pool.MaxSurfaces <= 0 {
		return fmt.Errorf("pool.max_surfaces must be positive")
	}
	if cfg.Pool.MaxIdle < 0 || cfg.Pool.MaxIdle > cfg.Pool.MaxSurfaces {
		return fmt.Errorf("pool.max_idle must be between 0 and pool.max_surfaces")
	}
	if cfg.Pool.Preload < 0 || cfg.Pool.Preload > cfg.Pool.MaxSurfaces {
		return fmt.Errorf("pool.preload must be between 0 and pool.max_surfaces")
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.StateDir = expandEnv(cfg.StateDir)
	cfg.Store.Path = expandEnv(cfg.Store.Path)
	cfg.Browser.ExecPath = expandEnv(cfg.Browser.ExecPath)
	cfg.Browser.UserDataDir = expandEnv(cfg.Browser.UserDataDir)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
