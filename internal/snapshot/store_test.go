package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "baselines.db")
	store := openStore(t, path)
	return store, path
}

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&FileBaseline{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewStore(StoreConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func TestStoreGetMissingBaseline(t *testing.T) {
	store, _ := newTestStore(t)
	content, ok, err := store.Get(context.Background(), "proj-1", "main.py")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected no baseline, got %q", content)
	}
}

func TestStorePutThenGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "proj-1", "main.py", "line1\nline2"); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	content, ok, err := store.Get(ctx, "proj-1", "main.py")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if !ok {
		t.Fatalf("expected baseline to exist")
	}
	if content != "line1\nline2" {
		t.Fatalf("unexpected content %q", content)
	}
}

func TestStorePutReplacesWholeValue(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "proj-1", "main.py", "first"); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	if err := store.Put(ctx, "proj-1", "main.py", "second"); err != nil {
		t.Fatalf("unexpected second put error: %v", err)
	}
	content, ok, err := store.Get(ctx, "proj-1", "main.py")
	if err != nil || !ok {
		t.Fatalf("expected baseline after upsert, err=%v ok=%v", err, ok)
	}
	if content != "second" {
		t.Fatalf("expected replaced content, got %q", content)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	store, path := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "proj-1", "main.py", "durable"); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}

	reopened := openStore(t, path)
	content, ok, err := reopened.Get(ctx, "proj-1", "main.py")
	if err != nil || !ok {
		t.Fatalf("expected baseline after reopen, err=%v ok=%v", err, ok)
	}
	if content != "durable" {
		t.Fatalf("unexpected content after reopen %q", content)
	}
}

func TestStoreDeleteProjectCascades(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "proj-1", "a.py", "a"); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	if err := store.Put(ctx, "proj-1", "b.py", "b"); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	if err := store.Put(ctx, "proj-2", "a.py", "kept"); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}

	if err := store.DeleteProject(ctx, "proj-1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "proj-1", "a.py"); ok {
		t.Fatalf("expected proj-1 baselines to be removed")
	}
	content, ok, _ := store.Get(ctx, "proj-2", "a.py")
	if !ok || content != "kept" {
		t.Fatalf("expected proj-2 baseline untouched, got ok=%v content=%q", ok, content)
	}
}

func TestStoreRejectsEmptyKeys(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.Put(context.Background(), "", "main.py", "x"); err == nil {
		t.Fatalf("expected error for empty project id")
	}
	if _, _, err := store.Get(context.Background(), "proj-1", ""); err == nil {
		t.Fatalf("expected error for empty file path")
	}
}
