// Package snapshot persists the last-synced baseline content of every file a
// project has touched. The baseline is what the next save is diffed against,
// so it must survive process restarts.
package snapshot

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase  = errors.New("snapshot: database handle is required")
	errMissingProjectID = errors.New("snapshot: project identifier is required")
	errMissingFilePath  = errors.New("snapshot: file path is required")
)

// FileBaseline models the last content a file was successfully synced
// against, keyed by project and relative path. Rows are always replaced
// whole, never partially updated.
type FileBaseline struct {
	ProjectID        string `gorm:"column:project_id;primaryKey;size:190;not null"`
	FilePath         string `gorm:"column:file_path;primaryKey;size:512;not null"`
	Content          string `gorm:"column:content;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FileBaseline) TableName() string {
	return "file_baselines"
}

// StoreConfig describes the dependencies required by the baseline store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Store reads and writes file baselines. It is only ever accessed by the
// single local sync coordinator for this process, so no contention handling
// beyond upsert atomicity is needed.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewStore constructs a baseline store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: cfg.Database, clock: clock}, nil
}

// Get returns the baseline content for a file. The second return reports
// whether a baseline exists; a missing row is not an error.
func (s *Store) Get(ctx context.Context, projectID, filePath string) (string, bool, error) {
	if err := validateKey(projectID, filePath); err != nil {
		return "", false, err
	}
	var row FileBaseline
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND file_path = ?", projectID, filePath).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Content, true, nil
}

// Put replaces the baseline for a file in its entirety.
func (s *Store) Put(ctx context.Context, projectID, filePath, content string) error {
	if err := validateKey(projectID, filePath); err != nil {
		return err
	}
	row := FileBaseline{
		ProjectID:        projectID,
		FilePath:         filePath,
		Content:          content,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "file_path"}},
			UpdateAll: true,
		}).
		Create(&row).Error
}

// Delete removes the baseline for a single file.
func (s *Store) Delete(ctx context.Context, projectID, filePath string) error {
	if err := validateKey(projectID, filePath); err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Where("project_id = ? AND file_path = ?", projectID, filePath).
		Delete(&FileBaseline{}).Error
}

// DeleteProject removes every baseline belonging to a project, supporting
// cascading project deletion.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	if projectID == "" {
		return errMissingProjectID
	}
	return s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Delete(&FileBaseline{}).Error
}

func validateKey(projectID, filePath string) error {
	if projectID == "" {
		return errMissingProjectID
	}
	if filePath == "" {
		return errMissingFilePath
	}
	return nil
}
