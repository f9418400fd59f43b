package tabstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

const jsonSnapshotVersion = 1

type jsonSnapshot struct {
	Version int      `json:"version"`
	Tabs    []Record `json:"tabs"`
}

// JSONFileBackend keeps all tabs in one JSON document, rewritten on every
// commit via a temp file and rename.
type JSONFileBackend struct {
	path string
	log  pslog.Logger
	mu   sync.Mutex
}

// NewJSONFileBackend returns a backend writing to path.
func NewJSONFileBackend(path string, logger pslog.Logger) (*JSONFileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("state file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_file", path)
	}
	return &JSONFileBackend{path: path, log: logger}, nil
}

// Load reads the snapshot. A missing file yields no tabs.
func (b *JSONFileBackend) Load(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.debug("state load miss")
			return nil, nil
		}
		b.warn("state load failed", err)
		return nil, err
	}
	var snapshot jsonSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		b.warn("state load failed", err)
		return nil, err
	}
	SortByPosition(snapshot.Tabs)
	b.debug("state load ok", "tabs", len(snapshot.Tabs))
	return snapshot.Tabs, nil
}

// Commit rewrites the file from change.Snapshot.
func (b *JSONFileBackend) Commit(ctx context.Context, change Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	records := make([]Record, 0, len(change.Snapshot))
	for _, rec := range change.Snapshot {
		records = append(records, rec.Durable())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writeAtomic(jsonSnapshot{Version: jsonSnapshotVersion, Tabs: records}); err != nil {
		b.warn("state save failed", err)
		return err
	}
	b.debug("state save ok", "tabs", len(records))
	return nil
}

// Close is a no-op.
func (b *JSONFileBackend) Close() error {
	return nil
}

func (b *JSONFileBackend) writeAtomic(snapshot jsonSnapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(b.path), "tabs-*.json")
	if err != nil {
		return err
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		cleanup()
		return err
	}
	return os.Rename(tmp.Name(), b.path)
}

func (b *JSONFileBackend) debug(msg string, kv ...any) {
	if b.log != nil {
		b.log.Debug(msg, kv...)
	}
}

func (b *JSONFileBackend) warn(msg string, err error) {
	if b.log != nil {
		b.log.Warn(msg, "err", err)
	}
}
