package tabstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/tabkeeper/schema"
)

func backendRoundTrip(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()
	at := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)
	first := []Record{
		{ID: "a", URL: "https://a.example", Title: "A", Position: 0, Active: true, LastAccess: at},
		{ID: "b", URL: "https://b.example", Favicon: "data:image/png;base64,AA==", Position: 1, Hibernated: true, LastAccess: at},
		{ID: "c", URL: "https://c.example", Position: 2, LastAccess: at, CPUUsage: 80, MemoryUsage: 1 << 20, Loading: true},
	}
	if err := backend.Commit(ctx, Change{Upserts: first, Snapshot: first}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	second := []Record{
		{ID: "b", URL: "https://b.example", Favicon: "data:image/png;base64,AA==", Position: 0, Hibernated: true, LastAccess: at},
		{ID: "c", URL: "https://c.example", Position: 1, LastAccess: at},
	}
	change := Change{Deletes: []schema.TabID{"a"}, Upserts: second, Snapshot: second}
	if err := backend.Commit(ctx, change); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, err := backend.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(second, got); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "tabs.db")
	backend, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer backend.Close()
	backendRoundTrip(t, backend)
}

func TestSQLiteBackendReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabs.db")
	ctx := context.Background()
	backend, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	rec := Record{ID: "a", URL: "https://a.example", Position: 0, Active: true}
	if err := backend.Commit(ctx, Change{Upserts: []Record{rec}}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff([]Record{rec}, got); diff != "" {
		t.Fatalf("unexpected records (-want +got):\n%s", diff)
	}
}

func TestJSONFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabs.json")
	backend, err := NewJSONFileBackend(path, nil)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	backendRoundTrip(t, backend)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

func TestJSONFileBackendLoadMissing(t *testing.T) {
	backend, err := NewJSONFileBackend(filepath.Join(t.TempDir(), "missing.json"), nil)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	got, err := backend.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no records, got %+v", got)
	}
}

func TestOpenBackendUnknownDriver(t *testing.T) {
	if _, err := OpenBackend(context.Background(), "etcd", "", nil); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestStoreReopenRestoresFromSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabs.db")
	ctx := context.Background()
	backend, err := OpenBackend(ctx, DriverSQLite, path, nil)
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	store, err := Open(ctx, backend, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	store.InsertActive(Record{ID: "a", URL: "https://a.example", Position: 0})
	store.InsertActive(Record{ID: "b", URL: "https://b.example", Position: 1})
	store.Delete("a")
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	backend, err = OpenBackend(ctx, DriverSQLite, path, nil)
	if err != nil {
		t.Fatalf("reopen backend: %v", err)
	}
	store, err = Open(ctx, backend, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	all := store.All()
	if len(all) != 1 || all[0].ID != "b" || all[0].Position != 0 || !all[0].Active {
		t.Fatalf("unexpected restored records %+v", all)
	}
}
