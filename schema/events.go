package schema

// TabEventType describes tab lifecycle or state changes.
type TabEventType string

const (
	// TabEventCreated indicates a tab was created.
	TabEventCreated TabEventType = "created"
	// TabEventAddFailed indicates a tab could not be created.
	TabEventAddFailed TabEventType = "add_failed"
	// TabEventClosed indicates a tab was closed.
	TabEventClosed TabEventType = "closed"
	// TabEventActivated indicates a tab became active.
	TabEventActivated TabEventType = "activated"
	// TabEventUpdated indicates tab content changed.
	TabEventUpdated TabEventType = "updated"
	// TabEventHibernated indicates a tab released its surface.
	TabEventHibernated TabEventType = "hibernated"
	// TabEventWoken indicates a hibernated tab reacquired a surface.
	TabEventWoken TabEventType = "woken"
	// TabEventReordered indicates tab positions changed.
	TabEventReordered TabEventType = "reordered"
	// TabEventSurfaceError indicates a rendering surface reported an error.
	TabEventSurfaceError TabEventType = "surface_error"
)

// TabEvent represents a change to a tab or the tab list.
type TabEvent struct {
	Type      TabEventType
	Tab       Tab
	ActiveTab TabID
	// Reason carries a short cause for failure and auto-hibernation events.
	Reason string
}
