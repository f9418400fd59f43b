package schema

import (
	"errors"
	"time"
)

const (
	// DefaultURL is loaded by new tabs created without a target.
	DefaultURL = "https://www.google.com"
	// DefaultUpdateThrottle is the minimum interval between applied updates for inactive tabs.
	DefaultUpdateThrottle = 250 * time.Millisecond
	// DefaultIdleSweepInterval is how often idle tabs are checked when idle hibernation is on.
	DefaultIdleSweepInterval = time.Minute
	// DefaultQueueDepth bounds the controller operation queue.
	DefaultQueueDepth = 256
)

// ControllerConfig defines tunables for the tab lifecycle controller.
type ControllerConfig struct {
	DefaultURL     string
	UpdateThrottle time.Duration
	// IdleHibernateAfter hibernates inactive tabs not accessed for this long; zero disables.
	IdleHibernateAfter time.Duration
	IdleSweepInterval  time.Duration
	QueueDepth         int
}

// NormalizeControllerConfig applies defaults and validates the config.
func NormalizeControllerConfig(cfg ControllerConfig) (ControllerConfig, error) {
	if cfg.DefaultURL == "" {
		cfg.DefaultURL = DefaultURL
	}
	url, err := NormalizeURL(cfg.DefaultURL)
	if err != nil {
		return ControllerConfig{}, err
	}
	cfg.DefaultURL = url
	if cfg.UpdateThrottle < 0 {
		return ControllerConfig{}, errors.New("update throttle must not be negative")
	}
	if cfg.UpdateThrottle == 0 {
		cfg.UpdateThrottle = DefaultUpdateThrottle
	}
	if cfg.IdleHibernateAfter < 0 {
		return ControllerConfig{}, errors.New("idle hibernate duration must not be negative")
	}
	if cfg.IdleSweepInterval <= 0 {
		cfg.IdleSweepInterval = DefaultIdleSweepInterval
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	return cfg, nil
}
