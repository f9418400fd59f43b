package core

import "pkt.systems/tabkeeper/schema"

// EventSink receives tab lifecycle events from the controller.
type EventSink interface {
	OnTabEvent(event schema.TabEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(event schema.TabEvent)

// OnTabEvent calls f.
func (f EventSinkFunc) OnTabEvent(event schema.TabEvent) {
	f(event)
}
