// Package eviction decides when a live tab should be hibernated.
//
// Each tab is judged on its own sample. There is no ranking across tabs.
package eviction

import (
	"time"

	"pkt.systems/tabkeeper/schema"
)

// Defaults for the resource thresholds.
const (
	DefaultCPUPercent  = 30.0
	DefaultMemoryBytes = int64(100 * 1024 * 1024)
)

// Policy holds the hibernation thresholds. Zero fields use the defaults.
type Policy struct {
	CPUPercent  float64
	MemoryBytes int64
	// IdleAfter hibernates inactive tabs untouched for this long. Zero disables it.
	IdleAfter time.Duration
}

// DefaultPolicy returns the default thresholds with idle hibernation off.
func DefaultPolicy() Policy {
	return Policy{CPUPercent: DefaultCPUPercent, MemoryBytes: DefaultMemoryBytes}
}

// Normalize fills zero thresholds with defaults.
func (p Policy) Normalize() Policy {
	if p.CPUPercent <= 0 {
		p.CPUPercent = DefaultCPUPercent
	}
	if p.MemoryBytes <= 0 {
		p.MemoryBytes = DefaultMemoryBytes
	}
	if p.IdleAfter < 0 {
		p.IdleAfter = 0
	}
	return p
}

// Eligible reports whether tab may be hibernated at all.
func Eligible(tab schema.Tab) bool {
	return !tab.Active && !tab.Hibernated
}

// OverBudget reports whether the sample exceeds either threshold.
func (p Policy) OverBudget(cpu float64, mem int64) bool {
	p = p.Normalize()
	return cpu > p.CPUPercent || mem > p.MemoryBytes
}

// ShouldHibernate reports whether tab is a hibernation candidate given sample.
func (p Policy) ShouldHibernate(tab schema.Tab, sample schema.ResourceSample) bool {
	return Eligible(tab) && p.OverBudget(sample.CPUUsage, sample.MemoryUsage)
}

// IdleExpired reports whether tab has been inactive longer than IdleAfter.
// Tabs that were never accessed are not considered idle.
func (p Policy) IdleExpired(tab schema.Tab, now time.Time) bool {
	if p.IdleAfter <= 0 || !Eligible(tab) || tab.LastAccess.IsZero() {
		return false
	}
	return now.Sub(tab.LastAccess) > p.IdleAfter
}

// IdleCandidates returns the tabs whose idle time has expired, in input order.
func (p Policy) IdleCandidates(tabs []schema.Tab, now time.Time) []schema.TabID {
	var out []schema.TabID
	for _, tab := range tabs {
		if p.IdleExpired(tab, now) {
			out = append(out, tab.ID)
		}
	}
	return out
}
