// Package docstore implements the shared, multi-writer document store the
// collaboration engine runs against: per-file content documents, the
// append-only change record collection, presence documents, and ephemeral
// typing documents, each with upsert and subscribe operations.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opStoreNew          = "docstore.new"
	opUpsertFile        = "docstore.upsert_file"
	opGetFile           = "docstore.get_file"
	opAppendChange      = "docstore.append_change"
	opListChanges       = "docstore.list_changes"
	opUpsertPresence    = "docstore.upsert_presence"
	opListPresence      = "docstore.list_presence"
	opSetTyping         = "docstore.set_typing"
	opListTyping        = "docstore.list_typing"
	opDeleteProjectData = "docstore.delete_project_data"

	defaultHistoryWindow = 100
	defaultHistoryCap    = 1000
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingProjectID  = errors.New("project identifier is required")
	errMissingFilePath   = errors.New("file path is required")
	errMissingUserID     = errors.New("user identifier is required")
	noOpLogger           = zap.NewNop()
)

// StoreError wraps a store failure with a stable operation.reason code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the stable operation.reason identifier.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the dependencies the document store requires.
type StoreConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	IDProvider    IDProvider
	Logger        *zap.Logger
	HistoryWindow int
	HistoryCap    int
}

// Store is the gorm-backed shared document store. Writers and subscribers may
// live in different goroutines; subscription callbacks are always delivered
// on a dedicated goroutine per subscription, never on the writer's.
type Store struct {
	db            *gorm.DB
	clock         func() time.Time
	idProvider    IDProvider
	logger        *zap.Logger
	dispatcher    *dispatcher
	historyWindow int
	historyCap    int
}

// NewStore constructs the document store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	window := cfg.HistoryWindow
	if window <= 0 {
		window = defaultHistoryWindow
	}
	historyCap := cfg.HistoryCap
	if historyCap <= 0 {
		historyCap = defaultHistoryCap
	}
	return &Store{
		db:            cfg.Database,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		logger:        logger,
		dispatcher:    newDispatcher(),
		historyWindow: window,
		historyCap:    historyCap,
	}, nil
}

// HistoryCap returns the bound applied to project-wide history listings.
func (s *Store) HistoryCap() int {
	return s.historyCap
}

// Subscription is a handle for an active listener. Close releases the
// subscription and waits for the delivery goroutine to finish, so no callback
// fires after Close returns. Close is safe to call more than once.
type Subscription struct {
	once   sync.Once
	cancel func()
	stop   chan struct{}
	done   chan struct{}
}

// Close terminates the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		close(s.stop)
	})
	<-s.done
}

// newSubscription wires a dispatcher topic to a notify function running on
// its own goroutine. When immediate is true the notify function fires once
// before any signal arrives, delivering current state to the new subscriber.
func (s *Store) newSubscription(topic string, immediate bool, notify func()) *Subscription {
	signal, cancel := s.dispatcher.subscribe(topic)
	sub := &Subscription{
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sub.done)
		if immediate {
			select {
			case <-sub.stop:
				return
			default:
			}
			notify()
		}
		for {
			select {
			case <-sub.stop:
				return
			case <-signal:
				notify()
			}
		}
	}()
	return sub
}

func fileTopic(projectID, path string) string {
	return "file/" + projectID + "/" + path
}

func historyTopic(projectID string) string {
	return "history/" + projectID
}

func presenceTopic(projectID string) string {
	return "presence/" + projectID
}

func typingTopic(projectID string) string {
	return "typing/" + projectID
}

// UpsertFile replaces the full content record for a file and notifies every
// subscriber of that file. The modification timestamp is assigned here, by
// the store's clock, not by the caller.
func (s *Store) UpsertFile(ctx context.Context, projectID, path, content, modifiedBy string) error {
	if projectID == "" {
		return newStoreError(opUpsertFile, "missing_project_id", errMissingProjectID)
	}
	if path == "" {
		return newStoreError(opUpsertFile, "missing_file_path", errMissingFilePath)
	}
	if modifiedBy == "" {
		return newStoreError(opUpsertFile, "missing_user_id", errMissingUserID)
	}
	doc := FileDocument{
		ProjectID:             projectID,
		Path:                  path,
		Content:               content,
		LastModifiedBy:        modifiedBy,
		LastModifiedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "file_path"}},
			UpdateAll: true,
		}).
		Create(&doc).Error
	if err != nil {
		return newStoreError(opUpsertFile, "upsert_failed", err)
	}
	s.dispatcher.publish(fileTopic(projectID, path))
	return nil
}

// GetFile returns the current content record for a file, if any.
func (s *Store) GetFile(ctx context.Context, projectID, path string) (FileDocument, bool, error) {
	var doc FileDocument
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND file_path = ?", projectID, path).
		Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return FileDocument{}, false, nil
	}
	if err != nil {
		return FileDocument{}, false, newStoreError(opGetFile, "query_failed", err)
	}
	return doc, true, nil
}

// SubscribeFile delivers the file's current record on every change. Records
// that cannot be re-read when a signal arrives are logged and skipped; the
// listener loop never dies on a bad read.
func (s *Store) SubscribeFile(projectID, path string, onChange func(FileDocument)) (*Subscription, error) {
	if projectID == "" || path == "" {
		return nil, newStoreError(opGetFile, "missing_key", errMissingFilePath)
	}
	notify := func() {
		doc, ok, err := s.GetFile(context.Background(), projectID, path)
		if err != nil {
			s.logger.Warn("file subscription read failed",
				zap.String("project_id", projectID),
				zap.String("file_path", path),
				zap.Error(err))
			return
		}
		if ok {
			onChange(doc)
		}
	}
	return s.newSubscription(fileTopic(projectID, path), false, notify), nil
}

// AppendChange writes one immutable change record, assigning its id and
// server timestamp, and notifies project history subscribers. The stored
// record is returned.
func (s *Store) AppendChange(ctx context.Context, record ChangeRecord) (ChangeRecord, error) {
	if record.ProjectID == "" {
		return ChangeRecord{}, newStoreError(opAppendChange, "missing_project_id", errMissingProjectID)
	}
	if record.FilePath == "" {
		return ChangeRecord{}, newStoreError(opAppendChange, "missing_file_path", errMissingFilePath)
	}
	if record.UserID == "" {
		return ChangeRecord{}, newStoreError(opAppendChange, "missing_user_id", errMissingUserID)
	}
	if _, err := ParseChangeKind(string(record.Kind)); err != nil {
		return ChangeRecord{}, newStoreError(opAppendChange, "invalid_change_kind", err)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return ChangeRecord{}, newStoreError(opAppendChange, "id_generation_failed", err)
	}
	record.ChangeID = id
	record.TimestampSeconds = s.clock().UTC().Unix()

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return ChangeRecord{}, newStoreError(opAppendChange, "insert_failed", err)
	}
	s.dispatcher.publish(historyTopic(record.ProjectID))
	return record, nil
}

// ListChanges returns the project's change records newest first, bounded by
// limit (and by the store-wide cap).
func (s *Store) ListChanges(ctx context.Context, projectID string, limit int) ([]ChangeRecord, error) {
	if limit <= 0 || limit > s.historyCap {
		limit = s.historyCap
	}
	return s.queryChanges(ctx, limit, "project_id = ?", projectID)
}

// ListChangesForFile returns the change records touching one file, newest first.
func (s *Store) ListChangesForFile(ctx context.Context, projectID, path string) ([]ChangeRecord, error) {
	return s.queryChanges(ctx, s.historyCap, "project_id = ? AND file_path = ?", projectID, path)
}

// ListChangesForUser returns the change records authored by one user, newest first.
func (s *Store) ListChangesForUser(ctx context.Context, projectID, userID string) ([]ChangeRecord, error) {
	return s.queryChanges(ctx, s.historyCap, "project_id = ? AND user_id = ?", projectID, userID)
}

func (s *Store) queryChanges(ctx context.Context, limit int, query string, args ...interface{}) ([]ChangeRecord, error) {
	var records []ChangeRecord
	err := s.db.WithContext(ctx).
		Where(query, args...).
		Order("timestamp_s DESC, change_id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, newStoreError(opListChanges, "query_failed", err)
	}
	return records, nil
}

// SubscribeChanges delivers the current history window immediately and again
// after every append to the project's change collection.
func (s *Store) SubscribeChanges(projectID string, onUpdate func([]ChangeRecord)) (*Subscription, error) {
	if projectID == "" {
		return nil, newStoreError(opListChanges, "missing_project_id", errMissingProjectID)
	}
	notify := func() {
		records, err := s.ListChanges(context.Background(), projectID, s.historyWindow)
		if err != nil {
			s.logger.Warn("history subscription read failed",
				zap.String("project_id", projectID),
				zap.Error(err))
			return
		}
		onUpdate(records)
	}
	return s.newSubscription(historyTopic(projectID), true, notify), nil
}

// UpsertPresence writes a member's presence document. On conflict only the
// mutable liveness fields are updated so that the username and role recorded
// at join time survive cursor churn.
func (s *Store) UpsertPresence(ctx context.Context, record PresenceRecord) error {
	if record.ProjectID == "" {
		return newStoreError(opUpsertPresence, "missing_project_id", errMissingProjectID)
	}
	if record.UserID == "" {
		return newStoreError(opUpsertPresence, "missing_user_id", errMissingUserID)
	}
	if record.CursorPosition < 0 {
		return newStoreError(opUpsertPresence, "negative_cursor", fmt.Errorf("cursor position %d", record.CursorPosition))
	}
	record.UpdatedAtSeconds = s.clock().UTC().Unix()

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "project_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"is_online", "current_file", "cursor_position", "updated_at_s",
			}),
		}).
		Create(&record).Error
	if err != nil {
		return newStoreError(opUpsertPresence, "upsert_failed", err)
	}
	s.dispatcher.publish(presenceTopic(record.ProjectID))
	return nil
}

// SetPresenceProfile records the username and role portion of a presence
// document, used when a member joins a project.
func (s *Store) SetPresenceProfile(ctx context.Context, projectID, userID, username, role string) error {
	if projectID == "" {
		return newStoreError(opUpsertPresence, "missing_project_id", errMissingProjectID)
	}
	if userID == "" {
		return newStoreError(opUpsertPresence, "missing_user_id", errMissingUserID)
	}
	record := PresenceRecord{
		ProjectID:        projectID,
		UserID:           userID,
		Username:         username,
		Role:             role,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "project_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"username", "role", "updated_at_s",
			}),
		}).
		Create(&record).Error
	if err != nil {
		return newStoreError(opUpsertPresence, "profile_upsert_failed", err)
	}
	s.dispatcher.publish(presenceTopic(projectID))
	return nil
}

// GetPresence returns a single member's presence document, if any.
func (s *Store) GetPresence(ctx context.Context, projectID, userID string) (PresenceRecord, bool, error) {
	var record PresenceRecord
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PresenceRecord{}, false, nil
	}
	if err != nil {
		return PresenceRecord{}, false, newStoreError(opListPresence, "query_failed", err)
	}
	return record, true, nil
}

// ListPresence returns the full member presence map for a project.
func (s *Store) ListPresence(ctx context.Context, projectID string) (map[string]PresenceRecord, error) {
	var records []PresenceRecord
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Find(&records).Error
	if err != nil {
		return nil, newStoreError(opListPresence, "query_failed", err)
	}
	members := make(map[string]PresenceRecord, len(records))
	for _, record := range records {
		members[record.UserID] = record
	}
	return members, nil
}

// SubscribePresence delivers the full presence map on every change to any
// member's record.
func (s *Store) SubscribePresence(projectID string, onUpdate func(map[string]PresenceRecord)) (*Subscription, error) {
	if projectID == "" {
		return nil, newStoreError(opListPresence, "missing_project_id", errMissingProjectID)
	}
	notify := func() {
		members, err := s.ListPresence(context.Background(), projectID)
		if err != nil {
			s.logger.Warn("presence subscription read failed",
				zap.String("project_id", projectID),
				zap.Error(err))
			return
		}
		onUpdate(members)
	}
	return s.newSubscription(presenceTopic(projectID), true, notify), nil
}

// SetTyping creates the member's typing document when typing starts and
// deletes it when typing stops. There is no server-side expiry.
func (s *Store) SetTyping(ctx context.Context, projectID, userID, filePath string, isTyping bool) error {
	if projectID == "" {
		return newStoreError(opSetTyping, "missing_project_id", errMissingProjectID)
	}
	if userID == "" {
		return newStoreError(opSetTyping, "missing_user_id", errMissingUserID)
	}
	if isTyping {
		record := TypingRecord{
			ProjectID:        projectID,
			UserID:           userID,
			FilePath:         filePath,
			StartedAtSeconds: s.clock().UTC().Unix(),
		}
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "project_id"}, {Name: "user_id"}},
				UpdateAll: true,
			}).
			Create(&record).Error
		if err != nil {
			return newStoreError(opSetTyping, "upsert_failed", err)
		}
	} else {
		err := s.db.WithContext(ctx).
			Where("project_id = ? AND user_id = ?", projectID, userID).
			Delete(&TypingRecord{}).Error
		if err != nil {
			return newStoreError(opSetTyping, "delete_failed", err)
		}
	}
	s.dispatcher.publish(typingTopic(projectID))
	return nil
}

// ListTyping returns the map of currently typing members to the file they
// are typing in.
func (s *Store) ListTyping(ctx context.Context, projectID string) (map[string]string, error) {
	var records []TypingRecord
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Find(&records).Error
	if err != nil {
		return nil, newStoreError(opListTyping, "query_failed", err)
	}
	typing := make(map[string]string, len(records))
	for _, record := range records {
		typing[record.UserID] = record.FilePath
	}
	return typing, nil
}

// SubscribeTyping delivers the typing map on every start/stop transition.
func (s *Store) SubscribeTyping(projectID string, onUpdate func(map[string]string)) (*Subscription, error) {
	if projectID == "" {
		return nil, newStoreError(opListTyping, "missing_project_id", errMissingProjectID)
	}
	notify := func() {
		typing, err := s.ListTyping(context.Background(), projectID)
		if err != nil {
			s.logger.Warn("typing subscription read failed",
				zap.String("project_id", projectID),
				zap.Error(err))
			return
		}
		onUpdate(typing)
	}
	return s.newSubscription(typingTopic(projectID), true, notify), nil
}

// DeleteProjectData removes every document belonging to a project: file
// documents, change records, presence, and typing rows. Used by cascading
// project deletion.
func (s *Store) DeleteProjectData(ctx context.Context, projectID string) error {
	if projectID == "" {
		return newStoreError(opDeleteProjectData, "missing_project_id", errMissingProjectID)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{
			&FileDocument{}, &ChangeRecord{}, &PresenceRecord{}, &TypingRecord{},
		} {
			if err := tx.Where("project_id = ?", projectID).Delete(model).Error; err != nil {
				return newStoreError(opDeleteProjectData, "delete_failed", err)
			}
		}
		return nil
	})
}
