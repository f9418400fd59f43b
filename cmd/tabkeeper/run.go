package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper"
	"pkt.systems/tabkeeper/internal/appconfig"
	"pkt.systems/tabkeeper/internal/eventbus"
	"pkt.systems/tabkeeper/internal/eviction"
	"pkt.systems/tabkeeper/internal/monitor"
	"pkt.systems/tabkeeper/internal/surface"
	"pkt.systems/tabkeeper/internal/surface/surfacetest"
	"pkt.systems/tabkeeper/schema"
)

func newRunCmd() *cobra.Command {
	var cfgPath string
	var dryRun bool
	var runFor time.Duration
	cmd := &cobra.Command{
		Use:   "run [url...]",
		Short: "Restore tabs, open any given URLs and manage them until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
				return fmt.Errorf("create state dir: %w", err)
			}

			ctx := cmd.Context()
			if runFor > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, runFor)
				defer cancel()
			}

			factory, closeFactory, err := selectFactory(ctx, cfg, dryRun)
			if err != nil {
				return err
			}
			defer func() { _ = closeFactory() }()

			shell, err := tabkeeper.NewShell(ctx, toShellConfig(cfg), tabkeeper.ShellDeps{
				Factory: factory,
				Sampler: selectSampler(cfg.Monitor.Sampler),
				Logger:  logger,
			})
			if err != nil {
				return err
			}
			events, cancelEvents := shell.Subscribe(eventbus.All)
			defer cancelEvents()
			go logEvents(logger, events)

			done := make(chan error, 1)
			go func() { done <- shell.Run(ctx) }()
			for _, url := range args {
				if _, err := shell.Controller().AddTab(ctx, url); err != nil {
					logger.Warn("open url failed", "url", url, "err", err)
				}
			}
			return <-done
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "use in-memory surfaces instead of launching Chrome")
	cmd.Flags().DurationVar(&runFor, "for", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

func selectFactory(ctx context.Context, cfg appconfig.Config, dryRun bool) (surface.Factory, func() error, error) {
	if dryRun {
		return &surfacetest.Factory{}, func() error { return nil }, nil
	}
	factory, err := surface.NewChromeFactory(ctx, toChromeConfig(cfg.Browser))
	if err != nil {
		return nil, nil, err
	}
	return factory, factory.Close, nil
}

func selectSampler(kind string) monitor.Sampler {
	switch kind {
	case appconfig.SamplerProc:
		return &monitor.ProcSampler{}
	case appconfig.SamplerSurface:
		return &monitor.SurfaceSampler{}
	default:
		return monitor.NewAutoSampler()
	}
}

func toShellConfig(cfg appconfig.Config) tabkeeper.ShellConfig {
	return tabkeeper.ShellConfig{
		Controller: schema.ControllerConfig{
			DefaultURL:         cfg.Controller.DefaultURL,
			UpdateThrottle:     time.Duration(cfg.Controller.UpdateThrottleMillis) * time.Millisecond,
			IdleHibernateAfter: time.Duration(cfg.Controller.IdleHibernateMinutes) * time.Minute,
			IdleSweepInterval:  time.Duration(cfg.Controller.IdleSweepSeconds) * time.Second,
			QueueDepth:         cfg.Controller.QueueDepth,
		},
		Policy: eviction.Policy{
			CPUPercent:  cfg.Eviction.CPUPercent,
			MemoryBytes: cfg.Eviction.MemoryMiB << 20,
		},
		Pool: surface.PoolConfig{
			MaxSurfaces: cfg.Pool.MaxSurfaces,
			MaxIdle:     cfg.Pool.MaxIdle,
		},
		Preload: cfg.Pool.Preload,
		Monitor: monitor.Config{
			Enabled:  cfg.Monitor.Enabled,
			Interval: time.Duration(cfg.Monitor.IntervalSeconds) * time.Second,
		},
		Store: tabkeeper.StoreConfig{
			Driver: cfg.Store.Driver,
			Path:   cfg.StorePath(),
		},
	}
}

func toChromeConfig(cfg appconfig.BrowserConfig) surface.ChromeConfig {
	return surface.ChromeConfig{
		Headless:    cfg.Headless,
		ExecPath:    cfg.ExecPath,
		UserDataDir: cfg.UserDataDir,
		Flags:       cfg.Flags,
	}
}

func logEvents(logger pslog.Logger, events <-chan eventbus.Event) {
	for ev := range events {
		switch ev.Type {
		case eventbus.EventTab:
			fields := []any{"event", ev.Tab.Type, "tab", ev.Tab.Tab.ID, "active", ev.Tab.ActiveTab}
			if ev.Tab.Reason != "" {
				fields = append(fields, "reason", ev.Tab.Reason)
			}
			if ev.Tab.Type == schema.TabEventUpdated {
				logger.Debug("tab event", fields...)
				continue
			}
			logger.Info("tab event", fields...)
		case eventbus.EventSample:
			logger.Trace("tab sample", "tab", ev.Sample.TabID, "cpu", ev.Sample.CPUUsage, "mem", ev.Sample.MemoryUsage)
		}
	}
}
