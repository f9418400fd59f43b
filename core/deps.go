package core

import (
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/internal/eviction"
	"pkt.systems/tabkeeper/internal/monitor"
	"pkt.systems/tabkeeper/internal/surface"
	"pkt.systems/tabkeeper/schema"
)

// ResourceMonitor is the slice of monitor.Monitor the controller drives.
type ResourceMonitor interface {
	Watch(tabID schema.TabID, handle monitor.Handle)
	Unwatch(tabID schema.TabID)
	SetEnabled(enabled bool)
	Enabled() bool
}

// ControllerDeps captures the collaborators of the controller.
type ControllerDeps struct {
	Repository *Repository
	Pool       surface.Acquirer
	// Monitor is optional; without it tabs are never sampled.
	Monitor   ResourceMonitor
	Policy    eviction.Policy
	EventSink EventSink
	Logger    pslog.Logger
	// Now overrides the clock used for access times.
	Now func() time.Time
}
