package tabstore

import (
	"sort"
	"time"

	"pkt.systems/tabkeeper/schema"
)

// Record is a stored tab row. Loading, Progress, CPUUsage and MemoryUsage
// live only in the in-memory projection and are never written to a backend.
type Record struct {
	ID          schema.TabID `json:"id"`
	URL         string       `json:"url"`
	Title       string       `json:"title"`
	Favicon     string       `json:"favicon,omitempty"`
	Position    int          `json:"position"`
	Active      bool         `json:"active"`
	Hibernated  bool         `json:"hibernated"`
	LastAccess  time.Time    `json:"last_access"`
	Loading     bool         `json:"-"`
	Progress    int          `json:"-"`
	CPUUsage    float64      `json:"-"`
	MemoryUsage int64        `json:"-"`
}

// Durable returns r with the transient columns cleared.
func (r Record) Durable() Record {
	r.Loading = false
	r.Progress = 0
	r.CPUUsage = 0
	r.MemoryUsage = 0
	return r
}

// SortByPosition orders records by position, breaking ties by id so the
// order is stable for corrupt or legacy data.
func SortByPosition(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Position != records[j].Position {
			return records[i].Position < records[j].Position
		}
		return records[i].ID < records[j].ID
	})
}
