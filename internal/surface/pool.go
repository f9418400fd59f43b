package surface

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/internal/logx"
	"pkt.systems/tabkeeper/schema"
)

// Pool defaults.
const (
	DefaultMaxSurfaces = 16
	DefaultMaxIdle     = 2
)

// PoolConfig bounds the pool.
type PoolConfig struct {
	// MaxSurfaces caps attached, idle and in-flight surfaces together.
	MaxSurfaces int
	// MaxIdle caps recycled surfaces kept for reuse.
	MaxIdle int
}

func (c PoolConfig) normalize() PoolConfig {
	if c.MaxSurfaces <= 0 {
		c.MaxSurfaces = DefaultMaxSurfaces
	}
	if c.MaxIdle < 0 {
		c.MaxIdle = 0
	}
	if c.MaxIdle > c.MaxSurfaces {
		c.MaxIdle = c.MaxSurfaces
	}
	return c
}

// Pool hands out at most one surface per tab id and recycles released ones.
type Pool struct {
	factory Factory
	log     pslog.Logger

	mu        sync.Mutex
	cfg       PoolConfig
	attached  map[schema.TabID]Surface
	acquiring map[schema.TabID]struct{}
	idle      []Surface
	inflight  int
	stats     Stats
	closed    bool
}

// NewPool constructs a pool drawing new surfaces from factory.
func NewPool(factory Factory, cfg PoolConfig, logger pslog.Logger) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("surface factory is required")
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Pool{
		factory:   factory,
		log:       logger,
		cfg:       cfg.normalize(),
		attached:  make(map[schema.TabID]Surface),
		acquiring: make(map[schema.TabID]struct{}),
	}, nil
}

// Acquire returns the surface attached to tabID, attaching an idle or new one
// when the tab has none. A second Acquire for a tab whose first is still
// constructing fails with ErrAcquireInProgress.
func (p *Pool) Acquire(ctx context.Context, tabID schema.TabID) (Surface, error) {
	log := logx.WithTabOp(ctx, tabID, "surface.acquire")
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if s, ok := p.attached[tabID]; ok {
		p.mu.Unlock()
		return s, nil
	}
	if _, busy := p.acquiring[tabID]; busy {
		p.mu.Unlock()
		log.Debug("surface acquire rejected", "reason", "in progress")
		return nil, ErrAcquireInProgress
	}
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.attached[tabID] = s
		p.stats.Reused++
		p.mu.Unlock()
		log.Debug("surface reused")
		return s, nil
	}
	if p.liveLocked() >= p.cfg.MaxSurfaces {
		limit := p.cfg.MaxSurfaces
		p.mu.Unlock()
		log.Warn("surface pool exhausted", "max", limit)
		return nil, ErrPoolExhausted
	}
	p.acquiring[tabID] = struct{}{}
	p.mu.Unlock()

	s, err := p.factory.NewSurface(ctx)

	p.mu.Lock()
	delete(p.acquiring, tabID)
	if err != nil {
		p.mu.Unlock()
		log.Warn("surface create failed", "err", err)
		return nil, err
	}
	if p.closed {
		p.stats.Destroyed++
		p.mu.Unlock()
		_ = s.Cleanup()
		return nil, ErrPoolClosed
	}
	p.attached[tabID] = s
	p.stats.Created++
	p.mu.Unlock()
	log.Debug("surface created")
	return s, nil
}

// Release detaches the surface from tabID, resets it and keeps it for reuse
// while idle capacity remains. It reports whether a surface was attached.
func (p *Pool) Release(ctx context.Context, tabID schema.TabID) bool {
	log := logx.WithTabOp(ctx, tabID, "surface.release")
	p.mu.Lock()
	s, ok := p.attached[tabID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.attached, tabID)
	p.inflight++
	p.mu.Unlock()

	s.SetListener(nil)
	err := s.Reset(ctx)

	p.mu.Lock()
	p.inflight--
	keep := err == nil && !p.closed && len(p.idle) < p.cfg.MaxIdle
	if keep {
		p.idle = append(p.idle, s)
	} else {
		p.stats.Destroyed++
	}
	p.mu.Unlock()

	if keep {
		log.Debug("surface recycled")
		return true
	}
	if err != nil {
		log.Warn("surface reset failed", "err", err)
	}
	if cerr := s.Cleanup(); cerr != nil {
		log.Warn("surface cleanup failed", "err", cerr)
	}
	log.Debug("surface destroyed")
	return true
}

// Get returns the surface attached to tabID.
func (p *Pool) Get(tabID schema.TabID) (Surface, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.attached[tabID]
	return s, ok
}

// Has reports whether tabID holds a surface.
func (p *Pool) Has(tabID schema.TabID) bool {
	_, ok := p.Get(tabID)
	return ok
}

// Preload fills the idle list with up to n new surfaces, bounded by MaxIdle
// and MaxSurfaces.
func (p *Pool) Preload(ctx context.Context, n int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	room := p.cfg.MaxIdle - len(p.idle)
	if free := p.cfg.MaxSurfaces - p.liveLocked(); free < room {
		room = free
	}
	if n > room {
		n = room
	}
	if n <= 0 {
		p.mu.Unlock()
		return nil
	}
	p.inflight += n
	p.mu.Unlock()

	made := make([]Surface, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			s, err := p.factory.NewSurface(gctx)
			if err != nil {
				return err
			}
			made[i] = s
			return nil
		})
	}
	err := g.Wait()

	var discard []Surface
	p.mu.Lock()
	p.inflight -= n
	for _, s := range made {
		if s == nil {
			continue
		}
		p.stats.Created++
		if p.closed || len(p.idle) >= p.cfg.MaxIdle {
			p.stats.Destroyed++
			discard = append(discard, s)
			continue
		}
		p.idle = append(p.idle, s)
	}
	idle := len(p.idle)
	p.mu.Unlock()
	destroyAll(discard)
	if err != nil {
		p.log.Warn("surface preload failed", "err", err)
		return err
	}
	p.log.Debug("surface preload done", "idle", idle)
	return nil
}

// Trim destroys idle surfaces until at most keep remain.
func (p *Pool) Trim(keep int) int {
	if keep < 0 {
		keep = 0
	}
	p.mu.Lock()
	if len(p.idle) <= keep {
		p.mu.Unlock()
		return 0
	}
	victims := append([]Surface(nil), p.idle[keep:]...)
	clear(p.idle[keep:])
	p.idle = p.idle[:keep]
	p.stats.Destroyed += len(victims)
	p.mu.Unlock()
	destroyAll(victims)
	p.log.Debug("surface pool trimmed", "destroyed", len(victims), "idle", keep)
	return len(victims)
}

// EmergencyCleanup destroys every idle surface and halves MaxIdle (minimum 1).
func (p *Pool) EmergencyCleanup(ctx context.Context) {
	destroyed := p.Trim(0)
	p.mu.Lock()
	p.cfg.MaxIdle = max(1, p.cfg.MaxIdle/2)
	maxIdle := p.cfg.MaxIdle
	p.mu.Unlock()
	pslog.Ctx(ctx).Info("surface pool emergency cleanup", "destroyed", destroyed, "max_idle", maxIdle)
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.stats
	out.Active = len(p.attached)
	out.Idle = len(p.idle)
	return out
}

// Close destroys every surface. Later Acquire calls fail with ErrPoolClosed.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	victims := append([]Surface(nil), p.idle...)
	for id, s := range p.attached {
		victims = append(victims, s)
		delete(p.attached, id)
	}
	p.idle = nil
	p.stats.Destroyed += len(victims)
	p.mu.Unlock()
	var errs []error
	for _, s := range victims {
		s.SetListener(nil)
		if err := s.Cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	pslog.Ctx(ctx).Debug("surface pool closed", "destroyed", len(victims))
	return errors.Join(errs...)
}

func (p *Pool) liveLocked() int {
	return len(p.attached) + len(p.idle) + len(p.acquiring) + p.inflight
}

func destroyAll(surfaces []Surface) {
	for _, s := range surfaces {
		_ = s.Cleanup()
	}
}
