package schema

import (
	"strings"
	"time"
)

// TabID identifies a tab. IDs are opaque and never reused.
type TabID string

// TabState is the lifecycle state of a tab.
type TabState string

const (
	// TabStateActive is the single visible tab.
	TabStateActive TabState = "active"
	// TabStateInactiveLive is a background tab that still holds a surface.
	TabStateInactiveLive TabState = "inactive"
	// TabStateHibernated is a tab whose surface has been released.
	TabStateHibernated TabState = "hibernated"
)

// Tab is the domain view of a browser tab.
type Tab struct {
	ID          TabID
	URL         string
	Title       string
	Favicon     string
	Active      bool
	Loading     bool
	Progress    int
	Hibernated  bool
	CPUUsage    float64
	MemoryUsage int64
	LastAccess  time.Time
	Position    int
}

// DisplayTitle returns the title, or the URL when the title is blank.
func (t Tab) DisplayTitle() string {
	if strings.TrimSpace(t.Title) == "" {
		return t.URL
	}
	return t.Title
}

// State derives the lifecycle state from the tab flags.
func (t Tab) State() TabState {
	switch {
	case t.Active:
		return TabStateActive
	case t.Hibernated:
		return TabStateHibernated
	default:
		return TabStateInactiveLive
	}
}

// TabPatch carries optional content changes for a tab.
// Lifecycle flags and position are never part of a patch.
type TabPatch struct {
	URL         *string
	Title       *string
	Favicon     *string
	Loading     *bool
	Progress    *int
	CPUUsage    *float64
	MemoryUsage *int64
}

// PatchFromTab builds a patch carrying the content fields of t.
func PatchFromTab(t Tab) TabPatch {
	url := t.URL
	title := t.Title
	favicon := t.Favicon
	loading := t.Loading
	progress := t.Progress
	return TabPatch{
		URL:      &url,
		Title:    &title,
		Favicon:  &favicon,
		Loading:  &loading,
		Progress: &progress,
	}
}

// IsZero reports whether the patch changes nothing.
func (p TabPatch) IsZero() bool {
	return p.URL == nil && p.Title == nil && p.Favicon == nil && p.Loading == nil &&
		p.Progress == nil && p.CPUUsage == nil && p.MemoryUsage == nil
}

// Merge returns p with every field set in next overriding p.
func (p TabPatch) Merge(next TabPatch) TabPatch {
	if next.URL != nil {
		p.URL = next.URL
	}
	if next.Title != nil {
		p.Title = next.Title
	}
	if next.Favicon != nil {
		p.Favicon = next.Favicon
	}
	if next.Loading != nil {
		p.Loading = next.Loading
	}
	if next.Progress != nil {
		p.Progress = next.Progress
	}
	if next.CPUUsage != nil {
		p.CPUUsage = next.CPUUsage
	}
	if next.MemoryUsage != nil {
		p.MemoryUsage = next.MemoryUsage
	}
	return p
}

// Apply writes the patch onto t and returns the result.
func (p TabPatch) Apply(t Tab) Tab {
	if p.URL != nil {
		t.URL = *p.URL
	}
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Favicon != nil {
		t.Favicon = *p.Favicon
	}
	if p.Loading != nil {
		t.Loading = *p.Loading
	}
	if p.Progress != nil {
		t.Progress = *p.Progress
	}
	if p.CPUUsage != nil {
		t.CPUUsage = *p.CPUUsage
	}
	if p.MemoryUsage != nil {
		t.MemoryUsage = *p.MemoryUsage
	}
	return t
}

// ResourceSample is one CPU/memory observation for a tab.
type ResourceSample struct {
	TabID       TabID
	CPUUsage    float64
	MemoryUsage int64
	At          time.Time
}
