package schema

import (
	"testing"
	"time"
)

func TestValidateTabID(t *testing.T) {
	cases := []struct {
		name  string
		id    TabID
		valid bool
	}{
		{"uuid", "0b7d7c1e-6f0e-4a53-a0a4-6a51c8a0f2b1", true},
		{"short", "tab1", true},
		{"empty", "", false},
		{"space", "tab 1", false},
		{"newline", "tab\n", false},
	}

	for _, tc := range cases {
		err := ValidateTabID(tc.id)
		if tc.valid && err != nil {
			t.Fatalf("case %q expected valid, got error: %v", tc.name, err)
		}
		if !tc.valid && err == nil {
			t.Fatalf("case %q expected error, got nil", tc.name)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"https", "https://example.com/a", "https://example.com/a", true},
		{"trimmed", "  http://example.com ", "http://example.com", true},
		{"bare-host", "example.com", "https://example.com", true},
		{"blank-page", "about:blank", "about:blank", true},
		{"empty", "", "", false},
		{"inner-space", "https://exa mple.com", "", false},
		{"unsupported-scheme", "javascript://alert(1)", "", false},
		{"missing-host", "https://", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeURL(tc.in)
		if tc.ok && err != nil {
			t.Fatalf("case %q expected ok, got error: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("case %q expected error, got %q", tc.name, got)
		}
		if got != tc.want {
			t.Fatalf("case %q expected %q, got %q", tc.name, tc.want, got)
		}
	}
}

func TestDisplayTitleFallsBackToURL(t *testing.T) {
	tab := Tab{URL: "https://example.com", Title: "  "}
	if got := tab.DisplayTitle(); got != tab.URL {
		t.Fatalf("expected url fallback, got %q", got)
	}
	tab.Title = "Example"
	if got := tab.DisplayTitle(); got != "Example" {
		t.Fatalf("expected title, got %q", got)
	}
}

func TestTabState(t *testing.T) {
	if got := (Tab{Active: true}).State(); got != TabStateActive {
		t.Fatalf("expected active, got %q", got)
	}
	if got := (Tab{Hibernated: true}).State(); got != TabStateHibernated {
		t.Fatalf("expected hibernated, got %q", got)
	}
	if got := (Tab{}).State(); got != TabStateInactiveLive {
		t.Fatalf("expected inactive, got %q", got)
	}
}

func TestPatchMergeAndApply(t *testing.T) {
	first := "https://a.example"
	second := "https://b.example"
	title := "B"
	patch := TabPatch{URL: &first}.Merge(TabPatch{URL: &second, Title: &title})
	tab := patch.Apply(Tab{URL: "https://old.example", Title: "old", Active: true, Position: 3})
	if tab.URL != second || tab.Title != title {
		t.Fatalf("unexpected patched tab: %+v", tab)
	}
	if !tab.Active || tab.Position != 3 {
		t.Fatalf("patch must not touch lifecycle fields: %+v", tab)
	}
	if !(TabPatch{}).IsZero() || patch.IsZero() {
		t.Fatalf("unexpected IsZero results")
	}
}

func TestNormalizeControllerConfigDefaults(t *testing.T) {
	cfg, err := NormalizeControllerConfig(ControllerConfig{})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.DefaultURL != DefaultURL {
		t.Fatalf("expected default url, got %q", cfg.DefaultURL)
	}
	if cfg.UpdateThrottle != 250*time.Millisecond {
		t.Fatalf("expected 250ms throttle, got %v", cfg.UpdateThrottle)
	}
	if cfg.QueueDepth != DefaultQueueDepth {
		t.Fatalf("expected default queue depth, got %d", cfg.QueueDepth)
	}
	if _, err := NormalizeControllerConfig(ControllerConfig{UpdateThrottle: -time.Second}); err == nil {
		t.Fatalf("expected error for negative throttle")
	}
}
