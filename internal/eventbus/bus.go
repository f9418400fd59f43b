package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/schema"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventTab carries tab lifecycle updates.
	EventTab EventType = "tab"
	// EventSample carries resource samples.
	EventSample EventType = "sample"
)

// All subscribes to events for every tab.
const All schema.TabID = ""

// Event represents a UI-facing event emitted by the shell.
type Event struct {
	Type   EventType
	Tab    schema.TabEvent
	Sample schema.ResourceSample
}

// TabID returns the tab the event concerns.
func (e Event) TabID() schema.TabID {
	if e.Type == EventSample {
		return e.Sample.TabID
	}
	return e.Tab.Tab.ID
}

// Bus fans events out to subscribers, either for one tab or for all tabs.
// Slow subscribers lose events instead of blocking publishers.
type Bus struct {
	mu     sync.Mutex
	subs   map[schema.TabID]map[chan Event]struct{}
	log    pslog.Logger
	depth  int
	closed bool
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.TabID]map[chan Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for tabID (All for every tab) and returns
// a channel + cancel.
func (b *Bus) Subscribe(tabID schema.TabID) (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	tabSubs := b.subs[tabID]
	if tabSubs == nil {
		tabSubs = make(map[chan Event]struct{})
		b.subs[tabID] = tabSubs
	}
	tabSubs[ch] = struct{}{}
	count := len(tabSubs)
	b.mu.Unlock()
	b.log.With("tab", tabID).Debug("eventbus subscribe", "subs", count)
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if subs := b.subs[tabID]; subs != nil {
				if _, ok := subs[ch]; ok {
					delete(subs, ch)
					close(ch)
				}
				if len(subs) == 0 {
					delete(b.subs, tabID)
				}
			}
			b.mu.Unlock()
			b.log.With("tab", tabID).Debug("eventbus unsubscribe")
		})
	}
}

// OnTabEvent publishes a tab event.
func (b *Bus) OnTabEvent(event schema.TabEvent) {
	b.publish(Event{Type: EventTab, Tab: event})
}

// OnSample publishes a resource sample.
func (b *Bus) OnSample(sample schema.ResourceSample) {
	b.publish(Event{Type: EventSample, Sample: sample})
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for tabID, subs := range b.subs {
		for ch := range subs {
			close(ch)
		}
		delete(b.subs, tabID)
	}
}

// publish sends under the lock so a concurrent cancel cannot close a
// channel mid-send.
func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	tabID := event.TabID()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	dropped := 0
	send := func(subs map[chan Event]struct{}) {
		for sub := range subs {
			select {
			case sub <- event:
			default:
				dropped++
			}
		}
	}
	send(b.subs[All])
	if tabID != All {
		send(b.subs[tabID])
	}
	if dropped > 0 {
		b.log.With("tab", tabID).Trace("eventbus dropped", "count", dropped, "type", event.Type)
	}
}
