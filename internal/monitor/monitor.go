// Package monitor samples per-tab resource usage on a fixed interval.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/internal/logx"
	"pkt.systems/tabkeeper/schema"
)

// DefaultInterval is the sampling period.
const DefaultInterval = 5 * time.Second

// ErrNoProcess is returned by samplers when the handle has no process.
var ErrNoProcess = errors.New("surface has no process")

// Handle identifies what to sample for a tab.
type Handle interface {
	PID() int
}

// Sampler takes one reading for a tab.
type Sampler interface {
	Sample(ctx context.Context, tabID schema.TabID, handle Handle) (schema.ResourceSample, error)
}

// forgetter is implemented by samplers that keep per-tab baselines.
type forgetter interface {
	Forget(tabID schema.TabID)
}

// Sink receives samples for watched tabs.
type Sink func(schema.ResourceSample)

// Config configures a Monitor.
type Config struct {
	Interval time.Duration
	Enabled  bool
}

// Monitor runs one sampling goroutine per watched tab while enabled.
type Monitor struct {
	sampler  Sampler
	sink     Sink
	log      pslog.Logger
	interval time.Duration

	mu      sync.Mutex
	enabled bool
	closed  bool
	watches map[schema.TabID]*watch
	wg      sync.WaitGroup
}

type watch struct {
	handle Handle
	cancel context.CancelFunc
}

// New constructs a Monitor delivering samples to sink.
func New(sampler Sampler, sink Sink, cfg Config, logger pslog.Logger) (*Monitor, error) {
	if sampler == nil {
		return nil, errors.New("monitor sampler is required")
	}
	if sink == nil {
		return nil, errors.New("monitor sink is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Monitor{
		sampler:  sampler,
		sink:     sink,
		log:      logger,
		interval: cfg.Interval,
		enabled:  cfg.Enabled,
		watches:  make(map[schema.TabID]*watch),
	}, nil
}

// Interval returns the sampling period.
func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Enabled reports the global toggle.
func (m *Monitor) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// SetEnabled flips the global toggle. Disabling stops every sampling loop but
// keeps the watch list so enabling again resumes it.
func (m *Monitor) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.enabled == enabled {
		return
	}
	m.enabled = enabled
	for id, w := range m.watches {
		if enabled {
			m.startLocked(id, w)
		} else {
			m.stopLocked(w)
		}
	}
	m.log.Info("monitoring toggled", "enabled", enabled, "tabs", len(m.watches))
}

// Watch starts sampling tabID through handle, replacing any previous watch.
func (m *Monitor) Watch(tabID schema.TabID, handle Handle) {
	if handle == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if prev, ok := m.watches[tabID]; ok {
		m.stopLocked(prev)
	}
	w := &watch{handle: handle}
	m.watches[tabID] = w
	if m.enabled {
		m.startLocked(tabID, w)
	}
}

// Unwatch stops sampling tabID. A sample already in flight is discarded.
func (m *Monitor) Unwatch(tabID schema.TabID) {
	m.mu.Lock()
	w, ok := m.watches[tabID]
	if ok {
		delete(m.watches, tabID)
		m.stopLocked(w)
	}
	m.mu.Unlock()
	if f, ok := m.sampler.(forgetter); ok {
		f.Forget(tabID)
	}
}

// Watching reports whether tabID has a watch registered.
func (m *Monitor) Watching(tabID schema.TabID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[tabID]
	return ok
}

// Running reports how many sampling loops are active.
func (m *Monitor) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.watches {
		if w.cancel != nil {
			n++
		}
	}
	return n
}

// Stream samples tabID independently of the watch list until ctx ends. The
// channel holds only the latest sample and is closed when sampling stops.
func (m *Monitor) Stream(ctx context.Context, tabID schema.TabID, handle Handle) <-chan schema.ResourceSample {
	out := make(chan schema.ResourceSample, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(out)
		m.loop(ctx, tabID, handle, func(sample schema.ResourceSample) {
			select {
			case <-out:
			default:
			}
			out <- sample
		})
	}()
	return out
}

// Close stops every loop and waits for them to exit.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	for id, w := range m.watches {
		m.stopLocked(w)
		delete(m.watches, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) startLocked(tabID schema.TabID, w *watch) {
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx, tabID, w.handle, func(sample schema.ResourceSample) {
			if !m.current(tabID, w) {
				return
			}
			m.sink(sample)
		})
	}()
}

func (m *Monitor) stopLocked(w *watch) {
	if w.cancel == nil {
		return
	}
	w.cancel()
	w.cancel = nil
}

func (m *Monitor) current(tabID schema.TabID, w *watch) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled && m.watches[tabID] == w && w.cancel != nil
}

func (m *Monitor) loop(ctx context.Context, tabID schema.TabID, handle Handle, deliver func(schema.ResourceSample)) {
	log := m.log.With("tab", tabID, "op", "monitor")
	ctx = logx.ContextWithOp(logx.ContextWithTabLogger(ctx, log, tabID), "monitor")
	log.Debug("monitor started", "interval", m.interval)
	defer log.Debug("monitor stopped")

	wait := m.interval
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		sample, err := m.sampler.Sample(ctx, tabID, handle)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			wait = 2 * m.interval
			log.Warn("resource sample failed", "err", err, "retry_in", wait)
		} else {
			wait = m.interval
			if sample.TabID == "" {
				sample.TabID = tabID
			}
			if sample.At.IsZero() {
				sample.At = time.Now()
			}
			log.Trace("resource sample", "cpu", sample.CPUUsage, "mem", sample.MemoryUsage)
			deliver(sample)
		}
		timer.Reset(wait)
	}
}
