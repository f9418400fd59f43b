package tabstore

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/pslog"
)

// Backend driver names.
const (
	DriverSQLite = "sqlite"
	DriverJSON   = "json"
	DriverMemory = "memory"
)

// OpenBackend opens the backend named by driver at path.
func OpenBackend(ctx context.Context, driver, path string, logger pslog.Logger) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		return OpenSQLite(ctx, path)
	case DriverJSON:
		return NewJSONFileBackend(path, logger)
	case DriverMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
