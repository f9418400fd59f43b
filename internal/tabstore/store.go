package tabstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/schema"
)

// ErrStoreClosed is reported for writes submitted after Close.
var ErrStoreClosed = errors.New("tab store closed")

// ErrTabExists is reported when inserting a duplicate id.
var ErrTabExists = errors.New("tab already exists")

// Store is the in-memory projection of all tabs backed by a durable Backend.
//
// Mutations update the projection atomically and publish the new snapshot to
// observers before returning. The durable write is queued to a single writer
// goroutine, so backend commits happen in submission order and never block
// the caller. Each mutation returns a Pending that resolves once the change
// is durable (or failed).
type Store struct {
	backend Backend
	log     pslog.Logger

	mu   sync.RWMutex
	tabs map[schema.TabID]Record
	subs map[*subscriber]struct{}

	qmu     sync.Mutex
	queue   []writeJob
	closing bool
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

type writeJob struct {
	change  Change
	barrier bool
	pending *Pending
}

type subscriber struct {
	ch chan []Record
}

// Open loads the backend contents and starts the writer goroutine.
func Open(ctx context.Context, backend Backend, logger pslog.Logger) (*Store, error) {
	if backend == nil {
		return nil, errors.New("tab store backend is required")
	}
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	records, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tabs: %w", err)
	}
	s := &Store{
		backend: backend,
		log:     logger,
		tabs:    make(map[schema.TabID]Record, len(records)),
		subs:    make(map[*subscriber]struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, rec := range records {
		s.tabs[rec.ID] = rec
	}
	s.log.Debug("tab store loaded", "tabs", len(records))
	go s.writeLoop()
	return s, nil
}

// All returns every record ordered by position.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Get returns one record.
func (s *Store) Get(id schema.TabID) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tabs[id]
	return rec, ok
}

// Count returns the number of tabs.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tabs)
}

// Observe returns a channel carrying ordered snapshots, starting with the
// current one. Slow observers only ever see the latest snapshot.
func (s *Store) Observe() (<-chan []Record, func()) {
	sub := &subscriber{ch: make(chan []Record, 1)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	sub.ch <- s.snapshotLocked()
	count := len(s.subs)
	s.mu.Unlock()
	s.log.Debug("tab store subscribe", "subs", count)
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[sub]; ok {
				delete(s.subs, sub)
				close(sub.ch)
			}
			s.mu.Unlock()
			s.log.Debug("tab store unsubscribe")
		})
	}
}

// Insert adds a new record.
func (s *Store) Insert(rec Record) *Pending {
	return s.mutate("insert", func(tabs map[schema.TabID]Record) (Change, error) {
		if _, ok := tabs[rec.ID]; ok {
			return Change{}, ErrTabExists
		}
		tabs[rec.ID] = rec
		return Change{Upserts: []Record{rec}}, nil
	})
}

// InsertActive adds rec as the only active tab. Every other tab is
// deactivated in the same batch.
func (s *Store) InsertActive(rec Record) *Pending {
	return s.mutate("insert_active", func(tabs map[schema.TabID]Record) (Change, error) {
		if _, ok := tabs[rec.ID]; ok {
			return Change{}, ErrTabExists
		}
		change := deactivateAll(tabs)
		rec.Active = true
		rec.Hibernated = false
		tabs[rec.ID] = rec
		change.Upserts = append(change.Upserts, rec)
		return change, nil
	})
}

// Update replaces an existing record.
func (s *Store) Update(rec Record) *Pending {
	return s.mutate("update", func(tabs map[schema.TabID]Record) (Change, error) {
		if _, ok := tabs[rec.ID]; !ok {
			return Change{}, schema.ErrTabNotFound
		}
		tabs[rec.ID] = rec
		return Change{Upserts: []Record{rec}}, nil
	})
}

// Delete removes a record and compacts the remaining positions to 0..N-1.
func (s *Store) Delete(id schema.TabID) *Pending {
	return s.mutate("delete", func(tabs map[schema.TabID]Record) (Change, error) {
		if _, ok := tabs[id]; !ok {
			return Change{}, schema.ErrTabNotFound
		}
		delete(tabs, id)
		change := Change{Deletes: []schema.TabID{id}}
		change.Upserts = compact(tabs)
		return change, nil
	})
}

// DeleteActivating removes id and makes next the only active tab in one
// batch, compacting the remaining positions. Observers never see the list
// between the two steps.
func (s *Store) DeleteActivating(id, next schema.TabID, at time.Time) *Pending {
	return s.mutate("delete_activate", func(tabs map[schema.TabID]Record) (Change, error) {
		if _, ok := tabs[id]; !ok {
			return Change{}, schema.ErrTabNotFound
		}
		if _, ok := tabs[next]; !ok || next == id {
			return Change{}, schema.ErrTabNotFound
		}
		delete(tabs, id)
		deactivateAll(tabs)
		rec := tabs[next]
		rec.Active = true
		rec.Hibernated = false
		rec.LastAccess = at
		tabs[next] = rec
		compact(tabs)
		change := Change{Deletes: []schema.TabID{id}}
		for _, rec := range tabs {
			change.Upserts = append(change.Upserts, rec)
		}
		return change, nil
	})
}

// SetActive deactivates every tab and activates id in one batch. The target
// also leaves hibernation and records at as its last access time.
func (s *Store) SetActive(id schema.TabID, at time.Time) *Pending {
	return s.mutate("set_active", func(tabs map[schema.TabID]Record) (Change, error) {
		rec, ok := tabs[id]
		if !ok {
			return Change{}, schema.ErrTabNotFound
		}
		change := deactivateAll(tabs)
		rec.Active = true
		rec.Hibernated = false
		rec.LastAccess = at
		tabs[id] = rec
		change.Upserts = append(change.Upserts, rec)
		return change, nil
	})
}

// SetHibernated flips the hibernated flag. Hibernating the active tab is rejected.
func (s *Store) SetHibernated(id schema.TabID, hibernated bool) *Pending {
	return s.mutate("set_hibernated", func(tabs map[schema.TabID]Record) (Change, error) {
		rec, ok := tabs[id]
		if !ok {
			return Change{}, schema.ErrTabNotFound
		}
		if hibernated && rec.Active {
			return Change{}, schema.ErrActiveTab
		}
		rec.Hibernated = hibernated
		if hibernated {
			rec.Loading = false
			rec.Progress = 0
			rec.CPUUsage = 0
			rec.MemoryUsage = 0
		}
		tabs[id] = rec
		return Change{Upserts: []Record{rec}}, nil
	})
}

// SetPosition moves id to index, shifting the others to keep positions contiguous.
func (s *Store) SetPosition(id schema.TabID, index int) *Pending {
	return s.mutate("set_position", func(tabs map[schema.TabID]Record) (Change, error) {
		if _, ok := tabs[id]; !ok {
			return Change{}, schema.ErrTabNotFound
		}
		if index < 0 || index >= len(tabs) {
			return Change{}, fmt.Errorf("position %d out of range [0,%d)", index, len(tabs))
		}
		order := orderedIDs(tabs)
		order = moveID(order, id, index)
		return Change{Upserts: assignPositions(tabs, order)}, nil
	})
}

// SetPositions assigns each id its index in order. order must be a
// permutation of the stored ids.
func (s *Store) SetPositions(order []schema.TabID) *Pending {
	ids := append([]schema.TabID(nil), order...)
	return s.mutate("set_positions", func(tabs map[schema.TabID]Record) (Change, error) {
		if !isPermutation(tabs, ids) {
			return Change{}, schema.ErrInvalidPositions
		}
		return Change{Upserts: assignPositions(tabs, ids)}, nil
	})
}

// Flush returns once every write queued before it has been committed.
func (s *Store) Flush(ctx context.Context) error {
	pending := newPending()
	if !s.enqueue(writeJob{barrier: true, pending: pending}) {
		return ErrStoreClosed
	}
	return pending.Wait(ctx)
}

// Close drains queued writes, stops the writer and closes the backend.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.qmu.Lock()
		s.closing = true
		s.qmu.Unlock()
		s.signal()
		<-s.done
		s.mu.Lock()
		for sub := range s.subs {
			close(sub.ch)
			delete(s.subs, sub)
		}
		s.mu.Unlock()
		err = s.backend.Close()
	})
	return err
}

func (s *Store) mutate(op string, fn func(map[schema.TabID]Record) (Change, error)) *Pending {
	if s.isClosing() {
		return failedPending(ErrStoreClosed)
	}
	s.mu.Lock()
	working := make(map[schema.TabID]Record, len(s.tabs))
	for id, rec := range s.tabs {
		working[id] = rec
	}
	change, err := fn(working)
	if err != nil {
		s.mu.Unlock()
		s.log.Debug("tab store mutation rejected", "op", op, "err", err)
		return failedPending(err)
	}
	s.tabs = working
	change.Snapshot = s.snapshotLocked()
	s.publishLocked(change.Snapshot)
	s.mu.Unlock()

	pending := newPending()
	if !s.enqueue(writeJob{change: change, pending: pending}) {
		s.log.Warn("tab store write after close", "op", op)
		pending.finish(ErrStoreClosed)
	}
	return pending
}

func (s *Store) snapshotLocked() []Record {
	out := make([]Record, 0, len(s.tabs))
	for _, rec := range s.tabs {
		out = append(out, rec)
	}
	SortByPosition(out)
	return out
}

func (s *Store) publishLocked(snapshot []Record) {
	for sub := range s.subs {
		select {
		case <-sub.ch:
		default:
		}
		sub.ch <- snapshot
	}
}

func (s *Store) isClosing() bool {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return s.closing
}

func (s *Store) enqueue(job writeJob) bool {
	s.qmu.Lock()
	if s.closing {
		s.qmu.Unlock()
		return false
	}
	s.queue = append(s.queue, job)
	s.qmu.Unlock()
	s.signal()
	return true
}

func (s *Store) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) writeLoop() {
	defer close(s.done)
	ctx := pslog.ContextWithLogger(context.Background(), s.log)
	for {
		s.qmu.Lock()
		if len(s.queue) == 0 {
			closing := s.closing
			s.qmu.Unlock()
			if closing {
				return
			}
			<-s.wake
			continue
		}
		job := s.queue[0]
		s.queue[0] = writeJob{}
		s.queue = s.queue[1:]
		s.qmu.Unlock()

		if job.barrier {
			job.pending.finish(nil)
			continue
		}
		err := s.backend.Commit(ctx, job.change)
		if err != nil {
			s.log.Warn("tab store commit failed", "upserts", len(job.change.Upserts), "deletes", len(job.change.Deletes), "err", err)
		} else {
			s.log.Trace("tab store commit ok", "upserts", len(job.change.Upserts), "deletes", len(job.change.Deletes))
		}
		job.pending.finish(err)
	}
}

func deactivateAll(tabs map[schema.TabID]Record) Change {
	var change Change
	for id, rec := range tabs {
		if !rec.Active {
			continue
		}
		rec.Active = false
		tabs[id] = rec
		change.Upserts = append(change.Upserts, rec)
	}
	return change
}

func orderedIDs(tabs map[schema.TabID]Record) []schema.TabID {
	records := make([]Record, 0, len(tabs))
	for _, rec := range tabs {
		records = append(records, rec)
	}
	SortByPosition(records)
	ids := make([]schema.TabID, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	return ids
}

func compact(tabs map[schema.TabID]Record) []Record {
	return assignPositions(tabs, orderedIDs(tabs))
}

// assignPositions writes index positions for order and returns the records that moved.
func assignPositions(tabs map[schema.TabID]Record, order []schema.TabID) []Record {
	var changed []Record
	for idx, id := range order {
		rec := tabs[id]
		if rec.Position == idx {
			continue
		}
		rec.Position = idx
		tabs[id] = rec
		changed = append(changed, rec)
	}
	return changed
}

func moveID(order []schema.TabID, id schema.TabID, index int) []schema.TabID {
	out := make([]schema.TabID, 0, len(order))
	for _, existing := range order {
		if existing != id {
			out = append(out, existing)
		}
	}
	out = append(out, "")
	copy(out[index+1:], out[index:])
	out[index] = id
	return out
}

func isPermutation(tabs map[schema.TabID]Record, order []schema.TabID) bool {
	if len(order) != len(tabs) {
		return false
	}
	seen := make(map[schema.TabID]struct{}, len(order))
	for _, id := range order {
		if _, ok := tabs[id]; !ok {
			return false
		}
		if _, dup := seen[id]; dup {
			return false
		}
		seen[id] = struct{}{}
	}
	return true
}
