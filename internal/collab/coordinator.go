// Package collab hosts the sync coordinator: the one writer through which a
// client session publishes local edits and receives remote ones. It diffs
// local saves against the baseline snapshot, appends history, pushes full
// content to the shared document store, and surfaces remote changes as
// conflicts for the person at the keyboard to resolve.
package collab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/novaide/collabsync/internal/diff"
	"github.com/novaide/collabsync/internal/docstore"
	"github.com/novaide/collabsync/internal/history"
	"github.com/novaide/collabsync/internal/presence"
	"github.com/novaide/collabsync/internal/snapshot"
)

var (
	errMissingSnapshots = errors.New("collab: baseline snapshot store is required")
	errMissingDocs      = errors.New("collab: document store is required")
	errMissingHistory   = errors.New("collab: history log is required")
	errMissingPresence  = errors.New("collab: presence registry is required")

	// ErrNotActive indicates the coordinator has not been initialized or has
	// already left its project.
	ErrNotActive = errors.New("collab: coordinator is not active")
	// ErrNoPendingChange indicates a conflict resolution was requested for a
	// file with nothing pending.
	ErrNoPendingChange = errors.New("collab: no pending change for file")
)

type state int

const (
	stateUninitialized state = iota
	stateActive
	stateLeft
)

// PendingChange is a remote edit waiting for the local user's decision.
type PendingChange struct {
	Path       string
	Content    string
	ModifiedBy string
	ModifiedAt time.Time
}

// CoordinatorConfig describes the dependencies of a sync coordinator.
type CoordinatorConfig struct {
	Snapshots *snapshot.Store
	Docs      *docstore.Store
	History   *history.Log
	Presence  *presence.Registry
	// WorkspaceRoot is where accepted remote content is written to disk.
	WorkspaceRoot string
	Logger        *zap.Logger
	// OnSyncError is invoked when a local save was recorded but could not be
	// published to peers. The local state is kept; the next save retries.
	OnSyncError func(path string, err error)
}

// Coordinator synchronizes one user's session with a project.
type Coordinator struct {
	snapshots     *snapshot.Store
	docs          *docstore.Store
	history       *history.Log
	presence      *presence.Registry
	workspaceRoot string
	logger        *zap.Logger
	onSyncError   func(path string, err error)

	mu        sync.Mutex
	state     state
	projectID string
	userID    string
	username  string
	listeners map[string]*docstore.Subscription
	pending   map[string]PendingChange
	auxSubs   []*docstore.Subscription
}

// NewCoordinator constructs a sync coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Snapshots == nil {
		return nil, errMissingSnapshots
	}
	if cfg.Docs == nil {
		return nil, errMissingDocs
	}
	if cfg.History == nil {
		return nil, errMissingHistory
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	onSyncError := cfg.OnSyncError
	if onSyncError == nil {
		onSyncError = func(string, error) {}
	}
	return &Coordinator{
		snapshots:     cfg.Snapshots,
		docs:          cfg.Docs,
		history:       cfg.History,
		presence:      cfg.Presence,
		workspaceRoot: cfg.WorkspaceRoot,
		logger:        logger,
		onSyncError:   onSyncError,
		listeners:     make(map[string]*docstore.Subscription),
		pending:       make(map[string]PendingChange),
	}, nil
}

// Initialize binds the coordinator to a project and marks the user online.
// A coordinator is single-use: once left it cannot be initialized again.
func (c *Coordinator) Initialize(ctx context.Context, projectID, userID, username string) error {
	if projectID == "" || userID == "" {
		return fmt.Errorf("collab: project id and user id are required")
	}

	c.mu.Lock()
	if c.state != stateUninitialized {
		c.mu.Unlock()
		return fmt.Errorf("collab: coordinator already used for project %q", c.projectID)
	}
	c.state = stateActive
	c.projectID = projectID
	c.userID = userID
	c.username = username
	c.mu.Unlock()

	if err := c.presence.SetPresence(ctx, projectID, userID, true, "", 0); err != nil {
		return err
	}
	c.logger.Info("sync coordinator initialized",
		zap.String("project_id", projectID),
		zap.String("user_id", userID))
	return nil
}

// UpdateFileContent records a local save: it diffs the new content against
// the stored baseline, appends a history entry, advances the baseline, and
// publishes the full content to peers. A save with no effective change is a
// no-op that produces no history entry and no publish.
//
// History and baseline writes are authoritative; a failed publish to peers is
// reported through OnSyncError and not rolled back.
func (c *Coordinator) UpdateFileContent(ctx context.Context, path, newContent, authorName string) error {
	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	projectID, userID := c.projectID, c.userID
	if authorName == "" {
		authorName = c.username
	}
	c.mu.Unlock()

	baseline, existed, err := c.snapshots.Get(ctx, projectID, path)
	if err != nil {
		return err
	}

	result := diff.ComputeDiff(baseline, newContent)
	if !result.HasChanges() {
		return nil
	}

	kind := docstore.ChangeKindModify
	if !existed || baseline == "" {
		kind = docstore.ChangeKindCreate
	}

	if _, err := c.history.Append(ctx, docstore.ChangeRecord{
		ProjectID:    projectID,
		FilePath:     path,
		UserID:       userID,
		Username:     authorName,
		Kind:         kind,
		Delta:        result.Delta(),
		LinesAdded:   result.LinesAdded,
		LinesRemoved: result.LinesRemoved,
	}); err != nil {
		return err
	}

	if err := c.snapshots.Put(ctx, projectID, path, newContent); err != nil {
		return err
	}

	if err := c.docs.UpsertFile(ctx, projectID, path, newContent, userID); err != nil {
		c.logger.Warn("failed to publish local change",
			zap.String("project_id", projectID),
			zap.String("file_path", path),
			zap.Error(err))
		c.onSyncError(path, err)
	}
	return nil
}

// ListenToFile watches the shared document for a file. Echoes of this user's
// own writes are discarded. A remote change matching the local buffer is
// adopted silently by advancing the baseline; anything else is parked as a
// pending change and handed to onConflict.
func (c *Coordinator) ListenToFile(path string, buffer func() string, onConflict func(PendingChange)) error {
	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	projectID, userID := c.projectID, c.userID
	if _, exists := c.listeners[path]; exists {
		c.mu.Unlock()
		return fmt.Errorf("collab: already listening to %q", path)
	}
	c.mu.Unlock()

	sub, err := c.docs.SubscribeFile(projectID, path, func(doc docstore.FileDocument) {
		if doc.LastModifiedBy == userID {
			return
		}
		c.handleRemoteChange(doc, buffer, onConflict)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		sub.Close()
		return ErrNotActive
	}
	c.listeners[path] = sub
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) handleRemoteChange(doc docstore.FileDocument, buffer func() string, onConflict func(PendingChange)) {
	ctx := context.Background()

	if buffer != nil && buffer() == doc.Content {
		if err := c.snapshots.Put(ctx, doc.ProjectID, doc.Path, doc.Content); err != nil {
			c.logger.Warn("failed to advance baseline for matching remote change",
				zap.String("file_path", doc.Path), zap.Error(err))
		}
		return
	}

	change := PendingChange{
		Path:       doc.Path,
		Content:    doc.Content,
		ModifiedBy: doc.LastModifiedBy,
		ModifiedAt: time.Unix(doc.LastModifiedAtSeconds, 0).UTC(),
	}

	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return
	}
	c.pending[doc.Path] = change
	c.mu.Unlock()

	c.logger.Info("remote change pending resolution",
		zap.String("project_id", doc.ProjectID),
		zap.String("file_path", doc.Path),
		zap.String("modified_by", doc.LastModifiedBy))
	if onConflict != nil {
		onConflict(change)
	}
}

// StopListeningToFile releases the file watch, if any.
func (c *Coordinator) StopListeningToFile(path string) {
	c.mu.Lock()
	sub := c.listeners[path]
	delete(c.listeners, path)
	c.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// PendingChange returns the unresolved remote change for a file, if any.
func (c *Coordinator) PendingChange(path string) (PendingChange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	change, ok := c.pending[path]
	return change, ok
}

// ResolveConflict settles a pending remote change. With reload=true the
// remote content is written to the workspace file and becomes the new
// baseline; with reload=false the local buffer wins and the pending change is
// discarded, to be re-diffed against the old baseline on the next save.
func (c *Coordinator) ResolveConflict(ctx context.Context, path string, reload bool) error {
	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	projectID := c.projectID
	change, ok := c.pending[path]
	c.mu.Unlock()
	if !ok {
		return ErrNoPendingChange
	}

	if reload {
		target := filepath.Join(c.workspaceRoot, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, []byte(change.Content), 0o644); err != nil {
			return err
		}
		if err := c.snapshots.Put(ctx, projectID, path, change.Content); err != nil {
			return err
		}
	}

	c.mu.Lock()
	delete(c.pending, path)
	c.mu.Unlock()

	c.logger.Info("conflict resolved",
		zap.String("file_path", path),
		zap.Bool("reloaded", reload))
	return nil
}

// UpdatePresence publishes the user's open file and cursor offset.
func (c *Coordinator) UpdatePresence(ctx context.Context, currentFile string, cursorOffset int) error {
	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	projectID, userID := c.projectID, c.userID
	c.mu.Unlock()
	return c.presence.SetPresence(ctx, projectID, userID, true, currentFile, cursorOffset)
}

// BroadcastTyping publishes a typing start or stop transition.
func (c *Coordinator) BroadcastTyping(ctx context.Context, path string, isTyping bool) error {
	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return ErrNotActive
	}
	projectID, userID := c.projectID, c.userID
	c.mu.Unlock()
	return c.presence.SetTyping(ctx, projectID, userID, path, isTyping)
}

// ListenToPresence watches the project member map.
func (c *Coordinator) ListenToPresence(onUpdate func(map[string]docstore.PresenceRecord)) (*docstore.Subscription, error) {
	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return nil, ErrNotActive
	}
	projectID := c.projectID
	c.mu.Unlock()
	sub, err := c.presence.Subscribe(projectID, onUpdate)
	if err != nil {
		return nil, err
	}
	c.trackAux(sub)
	return sub, nil
}

// ListenToTyping watches the project typing map.
func (c *Coordinator) ListenToTyping(onUpdate func(map[string]string)) (*docstore.Subscription, error) {
	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return nil, ErrNotActive
	}
	projectID := c.projectID
	c.mu.Unlock()
	sub, err := c.presence.SubscribeTyping(projectID, onUpdate)
	if err != nil {
		return nil, err
	}
	c.trackAux(sub)
	return sub, nil
}

// ListenToHistory watches the project change feed.
func (c *Coordinator) ListenToHistory(onUpdate func([]docstore.ChangeRecord)) (*docstore.Subscription, error) {
	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return nil, ErrNotActive
	}
	projectID := c.projectID
	c.mu.Unlock()
	sub, err := c.history.Subscribe(projectID, onUpdate)
	if err != nil {
		return nil, err
	}
	c.trackAux(sub)
	return sub, nil
}

func (c *Coordinator) trackAux(sub *docstore.Subscription) {
	c.mu.Lock()
	c.auxSubs = append(c.auxSubs, sub)
	c.mu.Unlock()
}

// Leave tears the session down: every subscription is closed before Leave
// returns, pending changes are discarded, and the user is marked offline.
// Leave is idempotent.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.state != stateActive {
		c.mu.Unlock()
		return nil
	}
	c.state = stateLeft
	projectID, userID := c.projectID, c.userID
	fileSubs := c.listeners
	auxSubs := c.auxSubs
	c.listeners = make(map[string]*docstore.Subscription)
	c.auxSubs = nil
	c.pending = make(map[string]PendingChange)
	c.mu.Unlock()

	for _, sub := range fileSubs {
		sub.Close()
	}
	for _, sub := range auxSubs {
		sub.Close()
	}

	err := c.presence.Leave(ctx, projectID, userID)
	c.logger.Info("sync coordinator left project",
		zap.String("project_id", projectID),
		zap.String("user_id", userID))
	return err
}

// Shutdown is an alias for Leave, used when the whole client is exiting.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	return c.Leave(ctx)
}
