package project

import (
	"errors"
	"fmt"
)

// Role enumerates what a member may do inside a project.
type Role string

const (
	// RoleOwner has full control: edit, share, delete.
	RoleOwner Role = "OWNER"
	// RoleEditor can edit files and invite others.
	RoleEditor Role = "EDITOR"
	// RoleViewer has read-only access.
	RoleViewer Role = "VIEWER"
)

// ErrInvalidRole indicates an unrecognized role value.
var ErrInvalidRole = errors.New("project: invalid role")

// ParseRole validates a raw role value.
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleOwner, RoleEditor, RoleViewer:
		return Role(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
}

// CanEdit reports whether the role may modify files.
func (r Role) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}

// CanInvite reports whether the role may invite new members.
func (r Role) CanInvite() bool {
	return r == RoleOwner || r == RoleEditor
}

// CanDelete reports whether the role may delete the project.
func (r Role) CanDelete() bool {
	return r == RoleOwner
}

// Project models a collaborative workspace shared through a join code.
type Project struct {
	ProjectID        string `gorm:"column:project_id;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;size:320;not null"`
	ShareCode        string `gorm:"column:share_code;size:8;not null;uniqueIndex"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index"`
	WorkspacePath    string `gorm:"column:workspace_path;size:512;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// Member records one user's membership and role in a project.
type Member struct {
	ProjectID       string `gorm:"column:project_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username        string `gorm:"column:username;size:320;not null"`
	Role            Role   `gorm:"column:role;size:16;not null"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string {
	return "project_members"
}
