package core

import (
	"context"
	"time"

	"pkt.systems/tabkeeper/internal/tabstore"
	"pkt.systems/tabkeeper/schema"
)

// Repository maps domain tabs onto the tab store.
type Repository struct {
	store *tabstore.Store
}

// NewRepository wraps store.
func NewRepository(store *tabstore.Store) *Repository {
	return &Repository{store: store}
}

// TabFromRecord converts a stored row into a domain tab.
func TabFromRecord(rec tabstore.Record) schema.Tab {
	return schema.Tab{
		ID:          rec.ID,
		URL:         rec.URL,
		Title:       rec.Title,
		Favicon:     rec.Favicon,
		Active:      rec.Active,
		Loading:     rec.Loading,
		Progress:    rec.Progress,
		Hibernated:  rec.Hibernated,
		CPUUsage:    rec.CPUUsage,
		MemoryUsage: rec.MemoryUsage,
		LastAccess:  rec.LastAccess,
		Position:    rec.Position,
	}
}

// RecordFromTab converts a domain tab into a stored row.
func RecordFromTab(tab schema.Tab) tabstore.Record {
	return tabstore.Record{
		ID:          tab.ID,
		URL:         tab.URL,
		Title:       tab.Title,
		Favicon:     tab.Favicon,
		Position:    tab.Position,
		Active:      tab.Active,
		Hibernated:  tab.Hibernated,
		LastAccess:  tab.LastAccess,
		Loading:     tab.Loading,
		Progress:    tab.Progress,
		CPUUsage:    tab.CPUUsage,
		MemoryUsage: tab.MemoryUsage,
	}
}

func tabsFromRecords(records []tabstore.Record) []schema.Tab {
	out := make([]schema.Tab, 0, len(records))
	for _, rec := range records {
		out = append(out, TabFromRecord(rec))
	}
	return out
}

// All returns every tab ordered by position.
func (r *Repository) All() []schema.Tab {
	return tabsFromRecords(r.store.All())
}

// Get returns one tab.
func (r *Repository) Get(id schema.TabID) (schema.Tab, bool) {
	rec, ok := r.store.Get(id)
	if !ok {
		return schema.Tab{}, false
	}
	return TabFromRecord(rec), true
}

// Active returns the active tab.
func (r *Repository) Active() (schema.Tab, bool) {
	for _, rec := range r.store.All() {
		if rec.Active {
			return TabFromRecord(rec), true
		}
	}
	return schema.Tab{}, false
}

// Count returns the number of tabs.
func (r *Repository) Count() int {
	return r.store.Count()
}

// ObserveAllTabs streams ordered tab lists, starting with the current one.
// Slow readers only see the latest list. Call cancel to stop.
func (r *Repository) ObserveAllTabs() (<-chan []schema.Tab, func()) {
	records, cancel := r.store.Observe()
	out := make(chan []schema.Tab, 1)
	go func() {
		defer close(out)
		for snapshot := range records {
			tabs := tabsFromRecords(snapshot)
			select {
			case <-out:
			default:
			}
			out <- tabs
		}
	}()
	return out, cancel
}

// InsertActive stores a new tab as the only active one.
func (r *Repository) InsertActive(tab schema.Tab) *tabstore.Pending {
	return r.store.InsertActive(RecordFromTab(tab))
}

// Update replaces the stored tab.
func (r *Repository) Update(tab schema.Tab) *tabstore.Pending {
	return r.store.Update(RecordFromTab(tab))
}

// Delete removes a tab and compacts positions.
func (r *Repository) Delete(id schema.TabID) *tabstore.Pending {
	return r.store.Delete(id)
}

// DeleteActivating removes id and activates next in one batch.
func (r *Repository) DeleteActivating(id, next schema.TabID, at time.Time) *tabstore.Pending {
	return r.store.DeleteActivating(id, next, at)
}

// SetActivePersisted makes id the only active tab.
func (r *Repository) SetActivePersisted(id schema.TabID, at time.Time) *tabstore.Pending {
	return r.store.SetActive(id, at)
}

// SetHibernatedPersisted flips the hibernated flag.
func (r *Repository) SetHibernatedPersisted(id schema.TabID, hibernated bool) *tabstore.Pending {
	return r.store.SetHibernated(id, hibernated)
}

// SetPosition moves id to index.
func (r *Repository) SetPosition(id schema.TabID, index int) *tabstore.Pending {
	return r.store.SetPosition(id, index)
}

// SetPositions reorders every tab.
func (r *Repository) SetPositions(order []schema.TabID) *tabstore.Pending {
	return r.store.SetPositions(order)
}

// Flush waits for queued writes to reach the backend.
func (r *Repository) Flush(ctx context.Context) error {
	return r.store.Flush(ctx)
}
