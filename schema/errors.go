package schema

import "errors"

var (
	// ErrTabNotFound indicates a requested tab could not be found.
	ErrTabNotFound = errors.New("tab not found")
	// ErrInvalidTabID indicates a malformed tab identifier.
	ErrInvalidTabID = errors.New("invalid tab id")
	// ErrInvalidURL indicates a URL that cannot be loaded.
	ErrInvalidURL = errors.New("invalid url")
	// ErrControllerStopped indicates the controller no longer accepts operations.
	ErrControllerStopped = errors.New("controller stopped")
	// ErrControllerRunning indicates Run was called twice.
	ErrControllerRunning = errors.New("controller already running")
	// ErrInvalidPositions indicates a reorder that is not a permutation of the current tabs.
	ErrInvalidPositions = errors.New("positions are not a permutation of current tabs")
	// ErrActiveTab indicates an operation that is not allowed on the active tab.
	ErrActiveTab = errors.New("operation not allowed on active tab")
	// ErrNotHibernated indicates a wake request for a live tab.
	ErrNotHibernated = errors.New("tab is not hibernated")
)
