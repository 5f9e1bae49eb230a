package collab

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/novaide/collabsync/internal/docstore"
	"github.com/novaide/collabsync/internal/history"
	"github.com/novaide/collabsync/internal/presence"
	"github.com/novaide/collabsync/internal/snapshot"
)

type harness struct {
	coordinator *Coordinator
	docs        *docstore.Store
	history     *history.Log
	snapshots   *snapshot.Store
	workspace   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "collab.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	err = db.AutoMigrate(&snapshot.FileBaseline{},
		&docstore.FileDocument{}, &docstore.ChangeRecord{},
		&docstore.PresenceRecord{}, &docstore.TypingRecord{})
	if err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	snapshots, err := snapshot.NewStore(snapshot.StoreConfig{Database: db, Clock: time.Now})
	if err != nil {
		t.Fatalf("failed to construct snapshot store: %v", err)
	}
	docs, err := docstore.NewStore(docstore.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: docstore.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct document store: %v", err)
	}
	log, err := history.NewLog(history.LogConfig{Store: docs})
	if err != nil {
		t.Fatalf("failed to construct history log: %v", err)
	}
	registry, err := presence.NewRegistry(presence.RegistryConfig{Store: docs})
	if err != nil {
		t.Fatalf("failed to construct presence registry: %v", err)
	}

	workspace := filepath.Join(dir, "workspace")
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Snapshots:     snapshots,
		Docs:          docs,
		History:       log,
		Presence:      registry,
		WorkspaceRoot: workspace,
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	return &harness{
		coordinator: coordinator,
		docs:        docs,
		history:     log,
		snapshots:   snapshots,
		workspace:   workspace,
	}
}

func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOperationsRequireInitialization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coordinator.UpdateFileContent(ctx, "main.py", "x\n", "alice"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
	if err := h.coordinator.ListenToFile("main.py", nil, nil); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestFirstSaveIsRecordedAsCreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coordinator.Initialize(ctx, "proj-1", "user-a", "alice"); err != nil {
		t.Fatalf("unexpected initialize error: %v", err)
	}
	if err := h.coordinator.UpdateFileContent(ctx, "main.py", "print(1)\n", "alice"); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	records, err := h.history.ListForProject(ctx, "proj-1", 10)
	if err != nil {
		t.Fatalf("unexpected history error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Kind != docstore.ChangeKindCreate {
		t.Fatalf("expected CREATE kind, got %s", records[0].Kind)
	}
	if records[0].LinesAdded == 0 {
		t.Fatalf("expected positive added count, got +%d/-%d", records[0].LinesAdded, records[0].LinesRemoved)
	}

	baseline, ok, err := h.snapshots.Get(ctx, "proj-1", "main.py")
	if err != nil || !ok {
		t.Fatalf("expected baseline after save, ok=%v err=%v", ok, err)
	}
	if baseline != "print(1)\n" {
		t.Fatalf("unexpected baseline %q", baseline)
	}
}

func TestSubsequentSaveIsRecordedAsModify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coordinator.Initialize(ctx, "proj-1", "user-a", "alice"); err != nil {
		t.Fatalf("unexpected initialize error: %v", err)
	}
	if err := h.coordinator.UpdateFileContent(ctx, "main.py", "a\n", "alice"); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if err := h.coordinator.UpdateFileContent(ctx, "main.py", "a\nb\n", "alice"); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	records, err := h.history.ListForProject(ctx, "proj-1", 10)
	if err != nil {
		t.Fatalf("unexpected history error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Kind != docstore.ChangeKindModify {
		t.Fatalf("expected newest record MODIFY, got %s", records[0].Kind)
	}
}

func TestNoOpSaveProducesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coordinator.Initialize(ctx, "proj-1", "user-a", "alice"); err != nil {
		t.Fatalf("unexpected initialize error: %v", err)
	}
	if err := h.coordinator.UpdateFileContent(ctx, "main.py", "same\n", "alice"); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if err := h.coordinator.UpdateFileContent(ctx, "main.py", "same\n", "alice"); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	records, err := h.history.ListForProject(ctx, "proj-1", 10)
	if err != nil {
		t.Fatalf("unexpected history error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected identical save to be dropped, got %d records", len(records))
	}
}

func TestOwnEditsDoNotConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coordinator.Initialize(ctx, "proj-1", "user-a", "alice"); err != nil {
		t.Fatalf("unexpected initialize error: %v", err)
	}

	var mu sync.Mutex
	conflicts := 0
	err := h.coordinator.ListenToFile("main.py",
		func() string { return "print(1)\n" },
		func(PendingChange) {
			mu.Lock()
			conflicts++
			mu.Unlock()
		})
	if err != nil {
		t.Fatalf("unexpected listen error: %v", err)
	}

	if err := h.coordinator.UpdateFileContent(ctx, "main.py", "print(1)\n", "alice"); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if conflicts != 0 {
		t.Fatalf("expected no conflicts from own edits, got %d", conflicts)
	}
	if _, ok := h.coordinator.PendingChange("main.py"); ok {
		t.Fatalf("expected no pending change from own edit")
	}
}

func TestRemoteChangeMatchingBufferIsAdoptedSilently(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coordinator.Initialize(ctx, "proj-1", "user-a", "alice"); err != nil {
		t.Fatalf("unexpected initialize error: %v", err)
	}

	var mu sync.Mutex
	conflicts := 0
	err := h.coordinator.ListenToFile("main.py",
		func() string { return "shared\n" },
		func(PendingChange) {
			mu.Lock()
			conflicts++
			mu.Unlock()
		})
	if err != nil {
		t.Fatalf("unexpected listen error: %v", err)
	}

	if err := h.docs.UpsertFile(ctx, "proj-1", "main.py", "shared\n", "user-b"); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	waitFor(t, "baseline to advance", func() bool {
		baseline, ok, err := h.snapshots.Get(ctx, "proj-1", "main.py")
		return err == nil && ok && baseline == "shared\n"
	})

	mu.Lock()
	defer mu.Unlock()
	if conflicts != 0 {
		t.Fatalf("expected silent adoption, got %d conflicts", conflicts)
	}
}

func TestRemoteChangeParksPendingAndReloadWritesWorkspace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coordinator.Initialize(ctx, "proj-1", "user-a", "alice"); err != nil {
		t.Fatalf("unexpected initialize error: %v", err)
	}

	var mu sync.Mutex
	var seen []PendingChange
	err := h.coordinator.ListenToFile("src/main.py",
		func() string { return "local version\n" },
		func(change PendingChange) {
			mu.Lock()
			seen = append(seen, change)
			mu.Unlock()
		})
	if err != nil {
		t.Fatalf("unexpected listen error: %v", err)
	}

	if err := h.docs.UpsertFile(ctx, "proj-1", "src/main.py", "remote version\n", "user-b"); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}

	waitFor(t, "conflict callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	})

	pending, ok := h.coordinator.PendingChange("src/main.py")
	if !ok {
		t.Fatalf("expected pending change")
	}
	if pending.ModifiedBy != "user-b" || pending.Content != "remote version\n" {
		t.Fatalf("unexpected pending change %#v", pending)
	}

	if err := h.coordinator.ResolveConflict(ctx, "src/main.py", true); err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}

	written, err := os.ReadFile(filepath.Join(h.workspace, "src", "main.py"))
	if err != nil {
		t.Fatalf("expected workspace file: %v", err)
	}
	if string(written) != "remote version\n" {
		t.Fatalf("unexpected workspace content %q", written)
	}

	baseline, ok, err := h.snapshots.Get(ctx, "proj-1", "src/main.py")
	if err != nil || !ok {
		t.Fatalf("expected baseline, ok=%v err=%v", ok, err)
	}
	if baseline != "remote version\n" {
		t.Fatalf("expected baseline to follow reload, got %q", baseline)
	}
	if _, ok := h.coordinator.PendingChange("src/main.py"); ok {
		t.Fatalf("expected pending change cleared after resolve")
	}
}

func TestKeepLocalDiscardsPendingWithoutTouchingDisk(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coordinator.Initialize(ctx, "proj-1", "user-a", "alice"); err != nil {
		t.Fatalf("unexpected initialize error: %v", err)
	}
	if err := h.coordinator.UpdateFileContent(ctx, "main.py", "local\n", "alice"); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	err := h.coordinator.ListenToFile("main.py",
		func() string { return "local edited\n" },
		nil)
	if err != nil {
		t.Fatalf("unexpected listen error: %v", err)
	}

	if err := h.docs.UpsertFile(ctx, "proj-1", "main.py", "remote\n", "user-b"); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	waitFor(t, "pending change", func() bool {
		_, ok := h.coordinator.PendingChange("main.py")
		return ok
	})

	if err := h.coordinator.ResolveConflict(ctx, "main.py", false); err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(h.workspace, "main.py")); !os.IsNotExist(err) {
		t.Fatalf("expected workspace untouched, stat err=%v", err)
	}
	baseline, _, err := h.snapshots.Get(ctx, "proj-1", "main.py")
	if err != nil {
		t.Fatalf("unexpected baseline error: %v", err)
	}
	if baseline != "local\n" {
		t.Fatalf("expected baseline unchanged, got %q", baseline)
	}
}

func TestResolveWithoutPendingFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coordinator.Initialize(ctx, "proj-1", "user-a", "alice"); err != nil {
		t.Fatalf("unexpected initialize error: %v", err)
	}
	if err := h.coordinator.ResolveConflict(ctx, "main.py", true); !errors.Is(err, ErrNoPendingChange) {
		t.Fatalf("expected ErrNoPendingChange, got %v", err)
	}
}

func TestLeaveClosesSubscriptionsAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.coordinator.Initialize(ctx, "proj-1", "user-a", "alice"); err != nil {
		t.Fatalf("unexpected initialize error: %v", err)
	}

	var mu sync.Mutex
	conflicts := 0
	err := h.coordinator.ListenToFile("main.py", nil, func(PendingChange) {
		mu.Lock()
		conflicts++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("unexpected listen error: %v", err)
	}

	if err := h.coordinator.Leave(ctx); err != nil {
		t.Fatalf("unexpected leave error: %v", err)
	}
	if err := h.coordinator.Leave(ctx); err != nil {
		t.Fatalf("expected second leave to be a no-op, got %v", err)
	}

	if err := h.docs.UpsertFile(ctx, "proj-1", "main.py", "after leave\n", "user-b"); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if conflicts != 0 {
		t.Fatalf("expected no callbacks after leave, got %d", conflicts)
	}

	if err := h.coordinator.UpdateFileContent(ctx, "main.py", "x\n", "alice"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive after leave, got %v", err)
	}
}
