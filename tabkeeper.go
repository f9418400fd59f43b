// Package tabkeeper composes the tab store, surface pool, resource monitor
// and lifecycle controller into a runnable browser shell core.
package tabkeeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/core"
	"pkt.systems/tabkeeper/internal/eventbus"
	"pkt.systems/tabkeeper/internal/eviction"
	"pkt.systems/tabkeeper/internal/monitor"
	"pkt.systems/tabkeeper/internal/surface"
	"pkt.systems/tabkeeper/internal/tabstore"
	"pkt.systems/tabkeeper/schema"
)

const shutdownTimeout = 10 * time.Second

// StoreConfig selects the tab store backend.
type StoreConfig struct {
	Driver string
	Path   string
}

// ShellConfig configures the compositor.
type ShellConfig struct {
	Controller schema.ControllerConfig
	Policy     eviction.Policy
	Pool       surface.PoolConfig
	// Preload warms this many idle surfaces at start.
	Preload int
	Monitor monitor.Config
	Store   StoreConfig
}

// ShellDeps captures dependencies required to build the shell.
type ShellDeps struct {
	Factory surface.Factory
	// Sampler defaults to monitor.NewAutoSampler.
	Sampler monitor.Sampler
	// Backend overrides Store when set.
	Backend   tabstore.Backend
	EventSink core.EventSink
	Logger    pslog.Logger
	Now       func() time.Time
}

// Shell owns every long-lived component of a running tabkeeper.
type Shell struct {
	cfg     ShellConfig
	log     pslog.Logger
	store   *tabstore.Store
	pool    *surface.Pool
	monitor *monitor.Monitor
	ctrl    *core.Controller
	bus     *eventbus.Bus

	mu      sync.Mutex
	started bool
	once    sync.Once
	err     error
}

// NewShell opens the store and wires the components. Run starts them.
func NewShell(ctx context.Context, cfg ShellConfig, deps ShellDeps) (*Shell, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if deps.Factory == nil {
		return nil, errors.New("surface factory is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	ctx = pslog.ContextWithLogger(ctx, logger)

	backend := deps.Backend
	if backend == nil {
		var err error
		backend, err = tabstore.OpenBackend(ctx, cfg.Store.Driver, cfg.Store.Path, logger)
		if err != nil {
			return nil, err
		}
	}
	store, err := tabstore.Open(ctx, backend, logger)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	pool, err := surface.NewPool(deps.Factory, cfg.Pool, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New(logger)
	var ctrl *core.Controller
	sampler := deps.Sampler
	if sampler == nil {
		sampler = monitor.NewAutoSampler()
	}
	mon, err := monitor.New(sampler, func(sample schema.ResourceSample) {
		bus.OnSample(sample)
		ctrl.HandleSample(sample)
	}, cfg.Monitor, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sinks := []core.EventSink{bus}
	if deps.EventSink != nil {
		sinks = append(sinks, deps.EventSink)
	}
	ctrl, err = core.NewController(cfg.Controller, core.ControllerDeps{
		Repository: core.NewRepository(store),
		Pool:       pool,
		Monitor:    mon,
		Policy:     cfg.Policy,
		EventSink:  eventFanout{sinks: sinks},
		Logger:     logger,
		Now:        deps.Now,
	})
	if err != nil {
		mon.Close()
		_ = store.Close()
		return nil, err
	}
	return &Shell{
		cfg:     cfg,
		log:     logger,
		store:   store,
		pool:    pool,
		monitor: mon,
		ctrl:    ctrl,
		bus:     bus,
	}, nil
}

// Controller returns the tab lifecycle controller.
func (s *Shell) Controller() *core.Controller {
	return s.ctrl
}

// Pool returns the surface pool.
func (s *Shell) Pool() *surface.Pool {
	return s.pool
}

// Subscribe streams tab events and resource samples for tabID, or for every
// tab with eventbus.All.
func (s *Shell) Subscribe(tabID schema.TabID) (<-chan eventbus.Event, func()) {
	return s.bus.Subscribe(tabID)
}

// Run starts the controller and blocks until ctx ends, then shuts every
// component down.
func (s *Shell) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("shell already started")
	}
	s.started = true
	s.mu.Unlock()
	ctx = pslog.ContextWithLogger(ctx, s.log)

	s.log.Info(
		"shell start",
		"store", s.cfg.Store.Driver,
		"max_surfaces", s.cfg.Pool.MaxSurfaces,
		"monitoring", s.monitor.Enabled(),
		"interval", s.monitor.Interval(),
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.ctrl.Run(gctx)
	})
	if s.cfg.Preload > 0 {
		g.Go(func() error {
			if err := s.pool.Preload(gctx, s.cfg.Preload); err != nil && gctx.Err() == nil {
				s.log.Warn("surface preload failed", "err", err)
			}
			return nil
		})
	}
	err := g.Wait()
	if closeErr := s.Close(); err == nil {
		err = closeErr
	}
	return err
}

// Close stops monitoring, destroys surfaces, drains the store and closes
// event subscribers. It is safe to call more than once.
func (s *Shell) Close() error {
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(pslog.ContextWithLogger(context.Background(), s.log), shutdownTimeout)
		defer cancel()
		s.monitor.Close()
		var errs []error
		if err := s.pool.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
		s.bus.Close()
		s.err = errors.Join(errs...)
		if s.err != nil {
			s.log.Warn("shell stop failed", "err", s.err)
			return
		}
		s.log.Info("shell stopped", "surfaces", s.pool.Stats())
	})
	return s.err
}
