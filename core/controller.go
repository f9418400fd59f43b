package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/internal/eviction"
	"pkt.systems/tabkeeper/internal/logx"
	"pkt.systems/tabkeeper/internal/surface"
	"pkt.systems/tabkeeper/schema"
)

// Hibernation reasons reported on events.
const (
	ReasonRequested  = "requested"
	ReasonResources  = "resources"
	ReasonIdle       = "idle"
	ReasonBulk       = "hibernate_inactive"
	ReasonLowMemory  = "low_memory"
	reasonNoSurface  = "no_surface"
	surfaceLoadLimit = 2 * time.Minute
)

type op struct {
	name  string
	tabID schema.TabID
	fn    func(ctx context.Context)
}

// Controller owns tab lifecycle state. Every mutation runs on the goroutine
// started by Run, in submission order; reads go straight to the store
// projection.
type Controller struct {
	cfg     schema.ControllerConfig
	repo    *Repository
	pool    surface.Acquirer
	monitor ResourceMonitor
	policy  eviction.Policy
	sink    EventSink
	log     pslog.Logger
	now     func() time.Time

	ops     chan op
	done    chan struct{}
	running atomic.Bool
	loads   sync.WaitGroup

	// sendMu orders submitters against shutdown so no accepted op is left
	// behind in ops once it has been drained.
	sendMu  sync.RWMutex
	stopped bool

	// watchGen is bumped on every watch and unwatch; monitor samples carry
	// the generation they were taken under.
	genMu    sync.Mutex
	watchGen map[schema.TabID]uint64

	// owner-only
	throttle *throttle
}

// NewController constructs a controller. Call Run to start it.
func NewController(cfg schema.ControllerConfig, deps ControllerDeps) (*Controller, error) {
	normalized, err := schema.NormalizeControllerConfig(cfg)
	if err != nil {
		return nil, err
	}
	if deps.Repository == nil {
		return nil, errors.New("controller repository is required")
	}
	if deps.Pool == nil {
		return nil, errors.New("controller surface pool is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	policy := deps.Policy.Normalize()
	if policy.IdleAfter == 0 {
		policy.IdleAfter = normalized.IdleHibernateAfter
	}
	return &Controller{
		cfg:      normalized,
		repo:     deps.Repository,
		pool:     deps.Pool,
		monitor:  deps.Monitor,
		policy:   policy,
		sink:     deps.EventSink,
		log:      logger,
		now:      now,
		ops:      make(chan op, normalized.QueueDepth),
		done:     make(chan struct{}),
		watchGen: make(map[schema.TabID]uint64),
		throttle: newThrottle(normalized.UpdateThrottle),
	}, nil
}

// Run restores persisted state and processes operations until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return schema.ErrControllerRunning
	}
	ctx = pslog.ContextWithLogger(ctx, c.log)
	loadCtx, cancelLoads := context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		cancelLoads()
		c.loads.Wait()
	}()
	c.log.Info("controller start", "tabs", c.repo.Count(), "throttle", c.cfg.UpdateThrottle, "idle_after", c.policy.IdleAfter)
	c.exec(loadCtx, op{name: "restore", fn: c.restore})

	var sweep <-chan time.Time
	if c.policy.IdleAfter > 0 {
		ticker := time.NewTicker(c.cfg.IdleSweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			c.shutdown(loadCtx)
			return nil
		case next := <-c.ops:
			c.exec(loadCtx, next)
		case <-c.throttle.due():
			c.exec(loadCtx, op{name: "throttle.flush", fn: c.flushDeferred})
		case <-sweep:
			c.exec(loadCtx, op{name: "idle.sweep", fn: c.sweepIdle})
		}
	}
}

func (c *Controller) shutdown(ctx context.Context) {
	close(c.done)
	c.sendMu.Lock()
	c.stopped = true
	c.sendMu.Unlock()
	dropped := 0
	for {
		select {
		case <-c.ops:
			dropped++
			continue
		default:
		}
		break
	}
	ids := c.throttle.fired()
	c.throttle.stop()
	for _, id := range ids {
		c.applyPatches(ctx, id, c.throttle.take(id))
	}
	c.log.Info("controller stop", "dropped_ops", dropped, "flushed_tabs", len(ids))
}

func (c *Controller) exec(ctx context.Context, o op) {
	ctx = logx.ContextWithOp(ctx, o.name)
	if o.tabID != "" {
		ctx = logx.ContextWithTabLogger(ctx, c.log.With("tab", o.tabID), o.tabID)
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("controller op panicked", "op", o.name, "tab", o.tabID, "panic", fmt.Sprint(r))
		}
	}()
	o.fn(ctx)
}

func (c *Controller) submit(ctx context.Context, o op) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.stopped {
		return schema.ErrControllerStopped
	}
	select {
	case <-c.done:
		return schema.ErrControllerStopped
	default:
	}
	select {
	case c.ops <- o:
		return nil
	case <-c.done:
		return schema.ErrControllerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySubmit enqueues without blocking and reports whether o was accepted.
func (c *Controller) trySubmit(o op) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.stopped {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.ops <- o:
		return true
	default:
		return false
	}
}

// AddTab creates a tab for url (DefaultURL when empty) and makes it active.
// The id is assigned immediately; the tab appears once the controller has
// applied the operation. Surface failures abort the add and emit add_failed.
func (c *Controller) AddTab(ctx context.Context, url string) (schema.TabID, error) {
	if url == "" {
		url = c.cfg.DefaultURL
	}
	normalized, err := schema.NormalizeURL(url)
	if err != nil {
		return "", fmt.Errorf("add tab %q: %w", url, err)
	}
	id := newTabID()
	if err := c.submit(ctx, op{name: "add", tabID: id, fn: func(ctx context.Context) {
		c.addTab(ctx, id, normalized)
	}}); err != nil {
		return "", err
	}
	return id, nil
}

// CloseTab removes a tab. Unknown ids are ignored.
func (c *Controller) CloseTab(ctx context.Context, id schema.TabID) error {
	return c.submit(ctx, op{name: "close", tabID: id, fn: func(ctx context.Context) {
		c.closeTab(ctx, id)
	}})
}

// SelectTab makes id the active tab, waking it if hibernated.
func (c *Controller) SelectTab(ctx context.Context, id schema.TabID) error {
	return c.submit(ctx, op{name: "select", tabID: id, fn: func(ctx context.Context) {
		c.selectTab(ctx, id)
	}})
}

// SetActiveTab is SelectTab.
func (c *Controller) SetActiveTab(ctx context.Context, id schema.TabID) error {
	return c.SelectTab(ctx, id)
}

// UpdateTab applies the content fields of tab and moves it to position when
// that differs from its current one. Out of range positions are ignored.
func (c *Controller) UpdateTab(ctx context.Context, tab schema.Tab, position int) error {
	patch := schema.PatchFromTab(tab)
	return c.submit(ctx, op{name: "update", tabID: tab.ID, fn: func(ctx context.Context) {
		cur, ok := c.repo.Get(tab.ID)
		if !ok {
			logx.WithTab(ctx, tab.ID).Debug("update ignored", "reason", "unknown tab")
			return
		}
		c.patchTab(ctx, tab.ID, patch)
		if position != cur.Position {
			c.moveTab(ctx, tab.ID, position)
		}
	}})
}

// PatchTab applies patch through the update throttle.
func (c *Controller) PatchTab(ctx context.Context, id schema.TabID, patch schema.TabPatch) error {
	if patch.IsZero() {
		return nil
	}
	return c.submit(ctx, op{name: "patch", tabID: id, fn: func(ctx context.Context) {
		c.patchTab(ctx, id, patch)
	}})
}

// NavigateTab points a tab at url and loads it when the tab is live.
func (c *Controller) NavigateTab(ctx context.Context, id schema.TabID, url string) error {
	normalized, err := schema.NormalizeURL(url)
	if err != nil {
		return fmt.Errorf("navigate %q: %w", url, err)
	}
	return c.submit(ctx, op{name: "navigate", tabID: id, fn: func(ctx context.Context) {
		c.navigateTab(ctx, id, normalized)
	}})
}

// HibernateTab releases the surface of an inactive live tab.
func (c *Controller) HibernateTab(ctx context.Context, id schema.TabID) error {
	return c.submit(ctx, op{name: "hibernate", tabID: id, fn: func(ctx context.Context) {
		c.hibernateTab(ctx, id, ReasonRequested)
	}})
}

// WakeUpTab reacquires a surface for a hibernated tab without activating it.
func (c *Controller) WakeUpTab(ctx context.Context, id schema.TabID) error {
	return c.submit(ctx, op{name: "wake", tabID: id, fn: func(ctx context.Context) {
		c.wakeUpTab(ctx, id)
	}})
}

// UpdateTabPositions reorders all tabs. ids must be a permutation of the
// current tab ids; anything else is ignored.
func (c *Controller) UpdateTabPositions(ctx context.Context, ids []schema.TabID) error {
	order := append([]schema.TabID(nil), ids...)
	return c.submit(ctx, op{name: "reorder", fn: func(ctx context.Context) {
		pending := c.repo.SetPositions(order)
		if pending.Rejected() {
			pslog.Ctx(ctx).Debug("reorder ignored", "err", pending.Err())
			return
		}
		c.emit(schema.TabEvent{Type: schema.TabEventReordered})
	}})
}

// MoveTab moves id to index. Out of range indexes are ignored.
func (c *Controller) MoveTab(ctx context.Context, id schema.TabID, index int) error {
	return c.submit(ctx, op{name: "move", tabID: id, fn: func(ctx context.Context) {
		c.moveTab(ctx, id, index)
	}})
}

// UpdateTabResources records a resource sample for id and hibernates the
// tab when the eviction policy says so.
func (c *Controller) UpdateTabResources(ctx context.Context, id schema.TabID, cpu float64, mem int64) error {
	sample := schema.ResourceSample{TabID: id, CPUUsage: cpu, MemoryUsage: mem, At: c.now()}
	return c.submit(ctx, op{name: "resources", tabID: id, fn: func(ctx context.Context) {
		c.applySample(ctx, sample)
	}})
}

// HandleSample feeds a monitor sample into the controller. Samples are
// dropped when the queue is full, and discarded when the tab was unwatched
// or rewatched before the sample reached the owner.
func (c *Controller) HandleSample(sample schema.ResourceSample) {
	gen := c.generation(sample.TabID)
	accepted := c.trySubmit(op{name: "resources", tabID: sample.TabID, fn: func(ctx context.Context) {
		if c.generation(sample.TabID) != gen {
			logx.WithTab(ctx, sample.TabID).Trace("resource sample discarded", "reason", "stale watch")
			return
		}
		c.applySample(ctx, sample)
	}})
	if !accepted {
		c.log.Debug("resource sample dropped", "tab", sample.TabID, "reason", "queue full or stopped")
	}
}

// SetMonitoringEnabled toggles resource sampling for every tab.
func (c *Controller) SetMonitoringEnabled(ctx context.Context, enabled bool) error {
	return c.submit(ctx, op{name: "monitoring", fn: func(ctx context.Context) {
		if c.monitor == nil {
			return
		}
		c.monitor.SetEnabled(enabled)
	}})
}

// MonitoringEnabled reports the resource sampling toggle.
func (c *Controller) MonitoringEnabled() bool {
	if c.monitor == nil {
		return false
	}
	return c.monitor.Enabled()
}

// HibernateInactive hibernates every inactive live tab.
func (c *Controller) HibernateInactive(ctx context.Context) error {
	return c.submit(ctx, op{name: "hibernate_inactive", fn: func(ctx context.Context) {
		c.hibernateAll(ctx, ReasonBulk)
	}})
}

// TrimMemory hibernates every inactive live tab and drops idle surfaces.
func (c *Controller) TrimMemory(ctx context.Context) error {
	return c.submit(ctx, op{name: "trim_memory", fn: func(ctx context.Context) {
		c.hibernateAll(ctx, ReasonLowMemory)
		c.pool.EmergencyCleanup(ctx)
	}})
}

// Sync returns once every operation submitted before it has been applied.
func (c *Controller) Sync(ctx context.Context) error {
	reached := make(chan struct{})
	if err := c.submit(ctx, op{name: "sync", fn: func(context.Context) { close(reached) }}); err != nil {
		return err
	}
	select {
	case <-reached:
		return nil
	case <-c.done:
		return schema.ErrControllerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tabs returns every tab ordered by position.
func (c *Controller) Tabs() []schema.Tab {
	return c.repo.All()
}

// Tab returns one tab.
func (c *Controller) Tab(id schema.TabID) (schema.Tab, bool) {
	return c.repo.Get(id)
}

// ActiveTab returns the active tab.
func (c *Controller) ActiveTab() (schema.Tab, bool) {
	return c.repo.Active()
}

// Observe streams ordered tab lists.
func (c *Controller) Observe() (<-chan []schema.Tab, func()) {
	return c.repo.ObserveAllTabs()
}

// Done is closed once the controller stops accepting operations.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) addTab(ctx context.Context, id schema.TabID, url string) {
	log := logx.WithURL(logx.WithTab(ctx, id), url)
	position := c.repo.Count()
	s, err := c.pool.Acquire(ctx, id)
	if err != nil {
		log.Warn("add tab failed", "err", err)
		c.emit(schema.TabEvent{Type: schema.TabEventAddFailed, Tab: schema.Tab{ID: id, URL: url}, Reason: err.Error()})
		return
	}
	tab := schema.Tab{
		ID:         id,
		URL:        url,
		Active:     true,
		Loading:    true,
		LastAccess: c.now(),
		Position:   position,
	}
	if pending := c.repo.InsertActive(tab); pending.Rejected() {
		c.pool.Release(ctx, id)
		log.Warn("add tab failed", "err", pending.Err())
		c.emit(schema.TabEvent{Type: schema.TabEventAddFailed, Tab: tab, Reason: pending.Err().Error()})
		return
	}
	c.attach(ctx, id, s, url)
	log.Info("tab added", "position", position)
	c.emit(schema.TabEvent{Type: schema.TabEventCreated, Tab: tab, ActiveTab: id})
}

func (c *Controller) closeTab(ctx context.Context, id schema.TabID) {
	log := logx.WithTab(ctx, id)
	tab, ok := c.repo.Get(id)
	if !ok {
		log.Debug("close ignored", "reason", "unknown tab")
		return
	}
	c.unwatch(id)
	c.forgetGeneration(id)
	if n := c.throttle.drop(id); n > 0 {
		log.Debug("pending updates dropped", "count", n)
	}
	c.pool.Release(ctx, id)

	var active schema.TabID
	if tab.Active {
		active = c.closeActive(ctx, id)
	} else {
		c.repo.Delete(id)
		if cur, ok := c.repo.Active(); ok {
			active = cur.ID
		}
	}
	log.Info("tab closed", "was_active", tab.Active, "active", active)
	c.emit(schema.TabEvent{Type: schema.TabEventClosed, Tab: tab, ActiveTab: active})
}

// closeActive deletes the active tab id and activates the first remaining tab
// by position that can get a surface, in one store batch. When none can, the
// first tab is marked active without one.
func (c *Controller) closeActive(ctx context.Context, id schema.TabID) schema.TabID {
	var remaining []schema.Tab
	for _, tab := range c.repo.All() {
		if tab.ID != id {
			remaining = append(remaining, tab)
		}
	}
	if len(remaining) == 0 {
		c.repo.Delete(id)
		return ""
	}
	for _, cand := range remaining {
		s, fresh, err := c.acquireFor(ctx, cand)
		if err != nil {
			logx.WithTab(ctx, cand.ID).Warn("replacement activation failed", "err", err)
			continue
		}
		if pending := c.repo.DeleteActivating(id, cand.ID, c.now()); pending.Rejected() {
			if fresh {
				c.pool.Release(ctx, cand.ID)
			}
			logx.WithTab(ctx, cand.ID).Warn("replacement activation failed", "err", pending.Err())
			continue
		}
		c.bindActive(ctx, cand, s, fresh)
		return cand.ID
	}
	first := remaining[0]
	if pending := c.repo.DeleteActivating(id, first.ID, c.now()); pending.Rejected() {
		logx.WithTab(ctx, id).Warn("close failed", "err", pending.Err())
		return ""
	}
	logx.WithTab(ctx, first.ID).Warn("tab active without surface")
	c.emitTab(schema.TabEventActivated, first.ID, reasonNoSurface)
	return first.ID
}

func (c *Controller) selectTab(ctx context.Context, id schema.TabID) {
	log := logx.WithTab(ctx, id)
	tab, ok := c.repo.Get(id)
	if !ok {
		log.Debug("select ignored", "reason", "unknown tab")
		return
	}
	if tab.Active {
		if c.pool.Has(id) {
			return
		}
		s, err := c.pool.Acquire(ctx, id)
		if err != nil {
			log.Warn("active tab surface unavailable", "err", err)
			return
		}
		c.attach(ctx, id, s, tab.URL)
		return
	}
	if err := c.activate(ctx, id); err != nil {
		log.Warn("select failed", "err", err)
	}
}

// activate acquires a surface for id and makes it the only active tab in a
// single store batch. On error nothing changes.
func (c *Controller) activate(ctx context.Context, id schema.TabID) error {
	tab, ok := c.repo.Get(id)
	if !ok {
		return schema.ErrTabNotFound
	}
	s, fresh, err := c.acquireFor(ctx, tab)
	if err != nil {
		return err
	}
	if pending := c.repo.SetActivePersisted(id, c.now()); pending.Rejected() {
		if fresh {
			c.pool.Release(ctx, id)
		}
		return pending.Err()
	}
	c.bindActive(ctx, tab, s, fresh)
	return nil
}

// acquireFor returns the surface for tab, waking it when the tab was
// hibernated. fresh reports whether the pool had none for the tab before.
func (c *Controller) acquireFor(ctx context.Context, tab schema.Tab) (surface.Surface, bool, error) {
	fresh := !c.pool.Has(tab.ID)
	s, err := c.pool.Acquire(ctx, tab.ID)
	if err != nil {
		return nil, false, err
	}
	if tab.Hibernated {
		if err := s.WakeUp(ctx); err != nil {
			logx.WithTab(ctx, tab.ID).Warn("surface wake failed", "err", err)
		}
	}
	return s, fresh, nil
}

// bindActive wires the surface of a tab that was just made active.
func (c *Controller) bindActive(ctx context.Context, tab schema.Tab, s surface.Surface, fresh bool) {
	if fresh {
		c.attach(ctx, tab.ID, s, tab.URL)
	} else {
		c.watch(tab.ID, s)
	}
	logx.WithTab(ctx, tab.ID).Info("tab activated", "woken", tab.Hibernated)
	if tab.Hibernated {
		c.emitTab(schema.TabEventWoken, tab.ID, "")
	}
	c.emitTab(schema.TabEventActivated, tab.ID, "")
}

func (c *Controller) hibernateTab(ctx context.Context, id schema.TabID, reason string) {
	log := logx.WithTab(ctx, id)
	tab, ok := c.repo.Get(id)
	switch {
	case !ok:
		log.Debug("hibernate ignored", "reason", "unknown tab")
		return
	case tab.Active:
		log.Debug("hibernate ignored", "reason", "active tab")
		return
	case tab.Hibernated:
		log.Debug("hibernate ignored", "reason", "already hibernated")
		return
	}
	c.unwatch(id)
	c.applyPatches(ctx, id, c.throttle.take(id))
	if s, ok := c.pool.Get(id); ok {
		if err := s.Hibernate(ctx); err != nil {
			log.Warn("surface hibernate failed", "err", err)
		}
	}
	c.pool.Release(ctx, id)
	c.repo.SetHibernatedPersisted(id, true)
	log.Info("tab hibernated", "cause", reason)
	c.emitTab(schema.TabEventHibernated, id, reason)
}

func (c *Controller) wakeUpTab(ctx context.Context, id schema.TabID) {
	log := logx.WithTab(ctx, id)
	tab, ok := c.repo.Get(id)
	if !ok || !tab.Hibernated {
		log.Debug("wake ignored", "reason", "not hibernated")
		return
	}
	s, err := c.pool.Acquire(ctx, id)
	if err != nil {
		log.Warn("wake failed", "err", err)
		return
	}
	if err := s.WakeUp(ctx); err != nil {
		log.Warn("surface wake failed", "err", err)
	}
	c.repo.SetHibernatedPersisted(id, false)
	c.attach(ctx, id, s, tab.URL)
	log.Info("tab woken")
	c.emitTab(schema.TabEventWoken, id, "")
}

func (c *Controller) hibernateAll(ctx context.Context, reason string) {
	for _, tab := range c.repo.All() {
		if eviction.Eligible(tab) {
			c.hibernateTab(ctx, tab.ID, reason)
		}
	}
}

func (c *Controller) sweepIdle(ctx context.Context) {
	for _, id := range c.policy.IdleCandidates(c.repo.All(), c.now()) {
		c.hibernateTab(ctx, id, ReasonIdle)
	}
}

func (c *Controller) moveTab(ctx context.Context, id schema.TabID, index int) {
	log := logx.WithTab(ctx, id)
	tab, ok := c.repo.Get(id)
	if !ok || tab.Position == index {
		return
	}
	if index < 0 || index >= c.repo.Count() {
		log.Debug("move ignored", "reason", "position out of range", "position", index)
		return
	}
	if pending := c.repo.SetPosition(id, index); pending.Rejected() {
		log.Debug("move ignored", "err", pending.Err())
		return
	}
	c.emitTab(schema.TabEventReordered, id, "")
}

func (c *Controller) navigateTab(ctx context.Context, id schema.TabID, url string) {
	tab, ok := c.repo.Get(id)
	if !ok {
		return
	}
	loading := true
	progress := 0
	c.patchTab(ctx, id, schema.TabPatch{URL: &url, Loading: &loading, Progress: &progress})
	if tab.Hibernated {
		return
	}
	if s, ok := c.pool.Get(id); ok {
		c.load(ctx, id, s, url)
	}
}

func (c *Controller) applySample(ctx context.Context, sample schema.ResourceSample) {
	log := logx.WithTab(ctx, sample.TabID)
	tab, ok := c.repo.Get(sample.TabID)
	if !ok || tab.Hibernated {
		log.Trace("resource sample discarded", "reason", "tab gone or hibernated")
		return
	}
	cpu, mem := sample.CPUUsage, sample.MemoryUsage
	c.patchTab(ctx, sample.TabID, schema.TabPatch{CPUUsage: &cpu, MemoryUsage: &mem})
	if c.policy.ShouldHibernate(tab, sample) {
		log.Info("tab over resource budget", "cpu", cpu, "mem", mem)
		c.hibernateTab(ctx, sample.TabID, ReasonResources)
	}
}

// patchTab applies patch now or queues it behind the throttle window.
// Updates for one tab always apply in submission order.
func (c *Controller) patchTab(ctx context.Context, id schema.TabID, patch schema.TabPatch) {
	tab, ok := c.repo.Get(id)
	if !ok {
		return
	}
	now := c.now()
	if !c.throttle.admit(tab.Active, now) {
		c.throttle.hold(id, patch, now)
		logx.WithTab(ctx, id).Trace("update deferred", "queued", c.throttle.queued())
		return
	}
	patches := append(c.throttle.take(id), patch)
	c.applyPatches(ctx, id, patches)
}

func (c *Controller) flushDeferred(ctx context.Context) {
	ids := c.throttle.fired()
	for _, id := range ids {
		c.applyPatches(ctx, id, c.throttle.take(id))
	}
	if len(ids) > 0 {
		pslog.Ctx(ctx).Trace("deferred updates flushed", "tabs", len(ids))
	}
}

func (c *Controller) applyPatches(ctx context.Context, id schema.TabID, patches []schema.TabPatch) {
	if len(patches) == 0 {
		return
	}
	tab, ok := c.repo.Get(id)
	if !ok {
		return
	}
	merged := patches[0]
	for _, patch := range patches[1:] {
		merged = merged.Merge(patch)
	}
	tab = merged.Apply(tab)
	c.repo.Update(tab)
	c.throttle.applied(c.now())
	c.emit(schema.TabEvent{Type: schema.TabEventUpdated, Tab: tab})
}

// attach binds listener and monitoring to a newly acquired surface and loads url.
func (c *Controller) attach(ctx context.Context, id schema.TabID, s surface.Surface, url string) {
	s.SetListener(&tabListener{c: c, id: id})
	c.watch(id, s)
	c.load(ctx, id, s, url)
}

// load navigates off the owner goroutine; surface loads block until the
// page has loaded.
func (c *Controller) load(ctx context.Context, id schema.TabID, s surface.Surface, url string) {
	if url == "" {
		return
	}
	log := logx.WithURL(logx.WithTab(ctx, id), url)
	c.loads.Add(1)
	go func() {
		defer c.loads.Done()
		loadCtx, cancel := context.WithTimeout(ctx, surfaceLoadLimit)
		defer cancel()
		if err := s.Load(loadCtx, url); err != nil {
			log.Warn("surface load failed", "err", err)
		}
	}()
}

func (c *Controller) watch(id schema.TabID, s surface.Surface) {
	c.bumpGeneration(id)
	if c.monitor != nil {
		c.monitor.Watch(id, s)
	}
}

func (c *Controller) unwatch(id schema.TabID) {
	c.bumpGeneration(id)
	if c.monitor != nil {
		c.monitor.Unwatch(id)
	}
}

func (c *Controller) generation(id schema.TabID) uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	return c.watchGen[id]
}

func (c *Controller) bumpGeneration(id schema.TabID) {
	c.genMu.Lock()
	c.watchGen[id]++
	c.genMu.Unlock()
}

// forgetGeneration drops the counter of a closed tab. Samples taken before
// the close carry a non-zero generation and are discarded.
func (c *Controller) forgetGeneration(id schema.TabID) {
	c.genMu.Lock()
	delete(c.watchGen, id)
	c.genMu.Unlock()
}

func (c *Controller) emitTab(kind schema.TabEventType, id schema.TabID, reason string) {
	tab, _ := c.repo.Get(id)
	c.emit(schema.TabEvent{Type: kind, Tab: tab, Reason: reason})
}

func (c *Controller) emit(event schema.TabEvent) {
	if c.sink == nil {
		return
	}
	if event.ActiveTab == "" {
		if active, ok := c.repo.Active(); ok {
			event.ActiveTab = active.ID
		}
	}
	c.sink.OnTabEvent(event)
}

// restore repairs loaded state so exactly one tab is active, positions are
// contiguous and only the active tab is live, then attaches its surface.
func (c *Controller) restore(ctx context.Context) {
	log := pslog.Ctx(ctx)
	tabs := c.repo.All()
	if len(tabs) == 0 {
		log.Info("restore empty")
		return
	}
	order := make([]schema.TabID, 0, len(tabs))
	contiguous := true
	for idx, tab := range tabs {
		order = append(order, tab.ID)
		if tab.Position != idx {
			contiguous = false
		}
	}
	if !contiguous {
		log.Warn("restore repaired positions")
		c.repo.SetPositions(order)
	}

	chosen := tabs[0]
	actives := 0
	for _, tab := range tabs {
		if tab.Active {
			if actives == 0 {
				chosen = tab
			}
			actives++
		}
	}
	if actives != 1 || chosen.Hibernated {
		log.Warn("restore repaired active tab", "active", chosen.ID, "actives", actives, "hibernated", chosen.Hibernated)
		c.repo.SetActivePersisted(chosen.ID, chosen.LastAccess)
	}
	for _, tab := range tabs {
		if tab.ID == chosen.ID || tab.Hibernated {
			continue
		}
		c.repo.SetHibernatedPersisted(tab.ID, true)
	}

	tabLog := logx.WithURL(logx.WithTab(ctx, chosen.ID), chosen.URL)
	s, err := c.pool.Acquire(ctx, chosen.ID)
	if err != nil {
		tabLog.Warn("restore surface unavailable", "err", err)
	} else {
		c.attach(ctx, chosen.ID, s, chosen.URL)
	}
	log.Info("restore ok", "tabs", len(tabs), "active", chosen.ID)
}
