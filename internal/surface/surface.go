// Package surface owns the heavyweight rendering surfaces that back live tabs.
package surface

import (
	"context"
	"errors"

	"pkt.systems/tabkeeper/schema"
)

// BlankURL is the page a recycled surface is reset to.
const BlankURL = "about:blank"

// Pool errors.
var (
	ErrPoolExhausted     = errors.New("surface pool exhausted")
	ErrAcquireInProgress = errors.New("surface acquire already in progress")
	ErrPoolClosed        = errors.New("surface pool closed")
)

// Surface is one rendering and navigation engine instance.
type Surface interface {
	Load(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	CanGoBack(ctx context.Context) (bool, error)
	CanGoForward(ctx context.Context) (bool, error)
	GoBack(ctx context.Context) error
	GoForward(ctx context.Context) error
	// EvaluateScript runs js and returns the JSON encoded result.
	EvaluateScript(ctx context.Context, js string) (string, error)
	Hibernate(ctx context.Context) error
	WakeUp(ctx context.Context) error
	// Reset navigates to BlankURL so the surface can be handed to another tab.
	Reset(ctx context.Context) error
	// Cleanup destroys the surface. It is not usable afterwards.
	Cleanup() error
	// SetListener replaces the callback receiver. nil detaches.
	SetListener(l Listener)
	// PID is the OS process rendering this surface, or 0 when unknown.
	PID() int
}

// MetricsReporter is implemented by surfaces that expose engine performance
// counters (name to value).
type MetricsReporter interface {
	PerformanceMetrics(ctx context.Context) (map[string]float64, error)
}

// Listener receives surface callbacks. Calls may arrive on any goroutine.
type Listener interface {
	OnNavigationStarted(url string)
	OnNavigationFinished(url, favicon string)
	OnProgress(percent int)
	OnTitleReceived(title string)
	OnError(code int, message, url string)
}

// Factory constructs new surfaces.
type Factory interface {
	NewSurface(ctx context.Context) (Surface, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context) (Surface, error)

// NewSurface calls f.
func (f FactoryFunc) NewSurface(ctx context.Context) (Surface, error) {
	return f(ctx)
}

// Stats counts pool activity.
type Stats struct {
	Created   int
	Reused    int
	Destroyed int
	Active    int
	Idle      int
}

// Acquirer is the slice of Pool the controller depends on.
type Acquirer interface {
	Acquire(ctx context.Context, tabID schema.TabID) (Surface, error)
	Release(ctx context.Context, tabID schema.TabID) bool
	Get(tabID schema.TabID) (Surface, bool)
	Has(tabID schema.TabID) bool
	EmergencyCleanup(ctx context.Context)
}
