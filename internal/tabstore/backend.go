package tabstore

import (
	"context"
	"sync"

	"pkt.systems/tabkeeper/schema"
)

// Change is one atomic batch handed to a backend.
type Change struct {
	Upserts []Record
	Deletes []schema.TabID
	// Snapshot is the full projection after the change, ordered by position.
	Snapshot []Record
}

// Backend durably stores tab records. Commit must apply a Change atomically.
type Backend interface {
	Load(ctx context.Context) ([]Record, error)
	Commit(ctx context.Context, change Change) error
	Close() error
}

// MemoryBackend keeps records in process memory.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[schema.TabID]Record
	commits int
}

// NewMemoryBackend constructs an empty in-memory backend.
func NewMemoryBackend(seed ...Record) *MemoryBackend {
	b := &MemoryBackend{records: make(map[schema.TabID]Record)}
	for _, rec := range seed {
		b.records[rec.ID] = rec.Durable()
	}
	return b
}

// Load returns the stored records ordered by position.
func (b *MemoryBackend) Load(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, 0, len(b.records))
	for _, rec := range b.records {
		out = append(out, rec)
	}
	SortByPosition(out)
	return out, nil
}

// Commit applies the change.
func (b *MemoryBackend) Commit(ctx context.Context, change Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range change.Deletes {
		delete(b.records, id)
	}
	for _, rec := range change.Upserts {
		b.records[rec.ID] = rec.Durable()
	}
	b.commits++
	return nil
}

// Commits reports how many changes have been committed.
func (b *MemoryBackend) Commits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commits
}

// Close is a no-op.
func (b *MemoryBackend) Close() error {
	return nil
}
