// Package history exposes the project change log: append-only records
// ordered by server timestamp, bounded listings, live subscriptions, and
// derived aggregate statistics.
//
// Listing and subscribing are owner-only operations. The log itself trusts
// its callers; the HTTP layer performs the ownership check before any
// request reaches here.
package history

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/novaide/collabsync/internal/docstore"
)

var (
	// ErrEmptyDelta indicates an attempt to record a change with nothing in it.
	// No-op saves must never produce history.
	ErrEmptyDelta = errors.New("history: change record carries an empty delta")

	errMissingStore = errors.New("history: document store is required")
)

// Statistics aggregates a project's full change log. It is folded from the
// authoritative listing on every call rather than maintained incrementally,
// so it cannot drift.
type Statistics struct {
	TotalChanges  int `json:"totalChanges"`
	Contributors  int `json:"contributors"`
	FilesModified int `json:"filesModified"`
	LinesAdded    int `json:"linesAdded"`
	LinesRemoved  int `json:"linesRemoved"`
}

// LogConfig describes the dependencies of the change history log.
type LogConfig struct {
	Store  *docstore.Store
	Logger *zap.Logger
}

// Log provides access to a project's change history.
type Log struct {
	store  *docstore.Store
	logger *zap.Logger
}

// NewLog constructs a change history log.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{store: cfg.Store, logger: logger}, nil
}

// Append records one immutable change. The store assigns the record id and
// the server timestamp. Records with zero added and zero removed lines are
// rejected: an unchanged save must leave no trace.
func (l *Log) Append(ctx context.Context, record docstore.ChangeRecord) (docstore.ChangeRecord, error) {
	if record.LinesAdded == 0 && record.LinesRemoved == 0 {
		return docstore.ChangeRecord{}, ErrEmptyDelta
	}
	stored, err := l.store.AppendChange(ctx, record)
	if err != nil {
		return docstore.ChangeRecord{}, err
	}
	l.logger.Debug("change recorded",
		zap.String("project_id", stored.ProjectID),
		zap.String("file_path", stored.FilePath),
		zap.String("change_kind", string(stored.Kind)),
		zap.Int("lines_added", stored.LinesAdded),
		zap.Int("lines_removed", stored.LinesRemoved))
	return stored, nil
}

// ListForProject returns the project's records newest first, bounded by
// limit (capped store-side).
func (l *Log) ListForProject(ctx context.Context, projectID string, limit int) ([]docstore.ChangeRecord, error) {
	return l.store.ListChanges(ctx, projectID, limit)
}

// ListForFile returns the records touching one file, newest first.
func (l *Log) ListForFile(ctx context.Context, projectID, filePath string) ([]docstore.ChangeRecord, error) {
	return l.store.ListChangesForFile(ctx, projectID, filePath)
}

// ListForUser returns the records authored by one user, newest first.
func (l *Log) ListForUser(ctx context.Context, projectID, userID string) ([]docstore.ChangeRecord, error) {
	return l.store.ListChangesForUser(ctx, projectID, userID)
}

// Subscribe delivers the current record window immediately and again on
// every append. Callbacks run on the subscription's own goroutine.
func (l *Log) Subscribe(projectID string, onUpdate func([]docstore.ChangeRecord)) (*docstore.Subscription, error) {
	return l.store.SubscribeChanges(projectID, onUpdate)
}

// Statistics folds the authoritative project listing into aggregate counts.
func (l *Log) Statistics(ctx context.Context, projectID string) (Statistics, error) {
	records, err := l.store.ListChanges(ctx, projectID, l.store.HistoryCap())
	if err != nil {
		return Statistics{}, err
	}

	stats := Statistics{TotalChanges: len(records)}
	users := make(map[string]struct{})
	files := make(map[string]struct{})
	for _, record := range records {
		users[record.UserID] = struct{}{}
		files[record.FilePath] = struct{}{}
		stats.LinesAdded += record.LinesAdded
		stats.LinesRemoved += record.LinesRemoved
	}
	stats.Contributors = len(users)
	stats.FilesModified = len(files)
	return stats, nil
}
