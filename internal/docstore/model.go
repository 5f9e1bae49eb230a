package docstore

import (
	"errors"
	"fmt"
)

// ChangeKind enumerates the kinds of file change a history record can carry.
type ChangeKind string

const (
	// ChangeKindCreate marks the first synced content of a file.
	ChangeKindCreate ChangeKind = "CREATE"
	// ChangeKindModify marks an edit to existing content.
	ChangeKindModify ChangeKind = "MODIFY"
	// ChangeKindDelete marks a file removal.
	ChangeKindDelete ChangeKind = "DELETE"
	// ChangeKindRename marks a file rename.
	ChangeKindRename ChangeKind = "RENAME"
)

// ErrInvalidChangeKind indicates an unrecognized change kind value.
var ErrInvalidChangeKind = errors.New("docstore: invalid change kind")

// ParseChangeKind validates a raw change kind value.
func ParseChangeKind(raw string) (ChangeKind, error) {
	switch ChangeKind(raw) {
	case ChangeKindCreate, ChangeKindModify, ChangeKindDelete, ChangeKindRename:
		return ChangeKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChangeKind, raw)
}

// FileDocument is the shared per-file content record. It always carries the
// full current content so that a newly joining collaborator can materialize
// state without replaying history.
type FileDocument struct {
	ProjectID             string `gorm:"column:project_id;primaryKey;size:190;not null"`
	Path                  string `gorm:"column:file_path;primaryKey;size:512;not null"`
	Content               string `gorm:"column:content;type:text;not null"`
	LastModifiedBy        string `gorm:"column:last_modified_by;size:190;not null"`
	LastModifiedAtSeconds int64  `gorm:"column:last_modified_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FileDocument) TableName() string {
	return "file_documents"
}

// ChangeRecord is an immutable, append-only history entry. ChangeID and
// TimestampSeconds are assigned by the store at append time, never by the
// caller, so concurrent writers are totally ordered.
type ChangeRecord struct {
	ChangeID         string     `gorm:"column:change_id;primaryKey;size:190;not null"`
	ProjectID        string     `gorm:"column:project_id;size:190;not null;index:idx_changes_project_time,priority:1"`
	FilePath         string     `gorm:"column:file_path;size:512;not null;index"`
	UserID           string     `gorm:"column:user_id;size:190;not null;index"`
	Username         string     `gorm:"column:username;size:320;not null"`
	Kind             ChangeKind `gorm:"column:change_kind;size:16;not null"`
	Delta            string     `gorm:"column:delta;type:text;not null"`
	LinesAdded       int        `gorm:"column:lines_added;not null"`
	LinesRemoved     int        `gorm:"column:lines_removed;not null"`
	TimestampSeconds int64      `gorm:"column:timestamp_s;not null;index:idx_changes_project_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeRecord) TableName() string {
	return "change_records"
}

// PresenceRecord tracks one member's liveness inside a project. Exactly one
// row exists per member; leaving clears the online flag but keeps the row.
type PresenceRecord struct {
	ProjectID        string `gorm:"column:project_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username         string `gorm:"column:username;size:320;not null"`
	Role             string `gorm:"column:role;size:16;not null"`
	Online           bool   `gorm:"column:is_online;not null;default:false"`
	CurrentFile      string `gorm:"column:current_file;size:512;not null;default:''"`
	CursorPosition   int    `gorm:"column:cursor_position;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PresenceRecord) TableName() string {
	return "presence_records"
}

// TypingRecord exists only while a member is actively typing in a file.
// Absence means not typing; there is no server-side expiry, so clients must
// issue the stop transition themselves.
type TypingRecord struct {
	ProjectID        string `gorm:"column:project_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	FilePath         string `gorm:"column:file_path;size:512;not null"`
	StartedAtSeconds int64  `gorm:"column:started_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TypingRecord) TableName() string {
	return "typing_records"
}
