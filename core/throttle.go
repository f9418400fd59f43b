package core

import (
	"time"

	"pkt.systems/tabkeeper/schema"
)

// throttle spaces out content updates for background tabs. It is owned by
// the controller goroutine and is not safe for concurrent use.
type throttle struct {
	window      time.Duration
	lastApplied time.Time
	queues      map[schema.TabID][]schema.TabPatch
	order       []schema.TabID
	timer       *time.Timer
}

func newThrottle(window time.Duration) *throttle {
	return &throttle{
		window: window,
		queues: make(map[schema.TabID][]schema.TabPatch),
	}
}

// admit reports whether an update for a tab may apply now. Updates for the
// active tab always may; others must wait out the window since the last
// applied update.
func (t *throttle) admit(active bool, now time.Time) bool {
	if active {
		return true
	}
	return t.lastApplied.IsZero() || now.Sub(t.lastApplied) >= t.window
}

// applied records that an update was applied at now.
func (t *throttle) applied(now time.Time) {
	t.lastApplied = now
}

// hold queues patch for tabID and arms the flush timer.
func (t *throttle) hold(tabID schema.TabID, patch schema.TabPatch, now time.Time) {
	if _, ok := t.queues[tabID]; !ok {
		t.order = append(t.order, tabID)
	}
	t.queues[tabID] = append(t.queues[tabID], patch)
	if t.timer != nil {
		return
	}
	wait := t.window - now.Sub(t.lastApplied)
	if wait <= 0 {
		wait = time.Millisecond
	}
	t.timer = time.NewTimer(wait)
}

// take removes and returns the queued patches for tabID in submission order.
func (t *throttle) take(tabID schema.TabID) []schema.TabPatch {
	patches, ok := t.queues[tabID]
	if !ok {
		return nil
	}
	delete(t.queues, tabID)
	for i, id := range t.order {
		if id == tabID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	if len(t.order) == 0 {
		t.stop()
	}
	return patches
}

// drop discards the queue for tabID.
func (t *throttle) drop(tabID schema.TabID) int {
	return len(t.take(tabID))
}

// due returns the timer channel, or nil when nothing is queued.
func (t *throttle) due() <-chan time.Time {
	if t.timer == nil {
		return nil
	}
	return t.timer.C
}

// fired is called when the timer channel delivered. It returns every queued
// tab in first-queued order.
func (t *throttle) fired() []schema.TabID {
	t.timer = nil
	return append([]schema.TabID(nil), t.order...)
}

// queued returns the number of queued patches across all tabs.
func (t *throttle) queued() int {
	n := 0
	for _, q := range t.queues {
		n += len(q)
	}
	return n
}

func (t *throttle) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
