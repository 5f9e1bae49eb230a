// Package presence replicates member liveness inside a project: who is
// online, which file they have open, where their cursor sits, and whether
// they are actively typing.
package presence

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/novaide/collabsync/internal/docstore"
)

var errMissingStore = errors.New("presence: document store is required")

// RegistryConfig describes the dependencies of the presence registry.
type RegistryConfig struct {
	Store  *docstore.Store
	Logger *zap.Logger
}

// Registry manages presence and typing records and tracks the subscriptions
// this process holds, so that leaving a project releases them all.
type Registry struct {
	store  *docstore.Store
	logger *zap.Logger

	mu            sync.Mutex
	subscriptions map[string][]*docstore.Subscription
}

// NewRegistry constructs a presence registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:         cfg.Store,
		logger:        logger,
		subscriptions: make(map[string][]*docstore.Subscription),
	}, nil
}

// SetPresence upserts a member's liveness record. Called on join, leave,
// file open, and cursor movement; callers should rate-limit cursor updates
// to something reasonable rather than sending one per keystroke.
func (r *Registry) SetPresence(ctx context.Context, projectID, userID string, online bool, currentFile string, cursorOffset int) error {
	return r.store.UpsertPresence(ctx, docstore.PresenceRecord{
		ProjectID:      projectID,
		UserID:         userID,
		Online:         online,
		CurrentFile:    currentFile,
		CursorPosition: cursorOffset,
	})
}

// Get returns a single member's presence record.
func (r *Registry) Get(ctx context.Context, projectID, userID string) (docstore.PresenceRecord, bool, error) {
	return r.store.GetPresence(ctx, projectID, userID)
}

// Subscribe delivers the full member map on every presence change. The
// subscription is tracked and released by Leave.
func (r *Registry) Subscribe(projectID string, onUpdate func(map[string]docstore.PresenceRecord)) (*docstore.Subscription, error) {
	sub, err := r.store.SubscribePresence(projectID, onUpdate)
	if err != nil {
		return nil, err
	}
	r.track(projectID, sub)
	return sub, nil
}

// SubscribeTyping delivers the userID-to-file typing map on every start/stop
// transition. The subscription is tracked and released by Leave.
func (r *Registry) SubscribeTyping(projectID string, onUpdate func(map[string]string)) (*docstore.Subscription, error) {
	sub, err := r.store.SubscribeTyping(projectID, onUpdate)
	if err != nil {
		return nil, err
	}
	r.track(projectID, sub)
	return sub, nil
}

// SetTyping creates or deletes the member's typing record. The stop
// transition is the caller's responsibility: a client that crashes while
// typing leaves its indicator behind until it reconnects.
func (r *Registry) SetTyping(ctx context.Context, projectID, userID, filePath string, isTyping bool) error {
	return r.store.SetTyping(ctx, projectID, userID, filePath, isTyping)
}

// Leave marks the member offline, keeping the record, and closes every
// subscription this process holds for the project.
func (r *Registry) Leave(ctx context.Context, projectID, userID string) error {
	err := r.store.UpsertPresence(ctx, docstore.PresenceRecord{
		ProjectID:   projectID,
		UserID:      userID,
		Online:      false,
		CurrentFile: "",
	})
	if err != nil {
		r.logger.Warn("failed to clear presence on leave",
			zap.String("project_id", projectID),
			zap.String("user_id", userID),
			zap.Error(err))
	}

	r.mu.Lock()
	subs := r.subscriptions[projectID]
	delete(r.subscriptions, projectID)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return err
}

func (r *Registry) track(projectID string, sub *docstore.Subscription) {
	r.mu.Lock()
	r.subscriptions[projectID] = append(r.subscriptions[projectID], sub)
	r.mu.Unlock()
}
