package users

import (
	"strings"
)

// Identity captures a registered collaborator: a stable user id plus the
// username shown in presence lists and change history.
type Identity struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username         string `gorm:"column:username;size:320;not null;uniqueIndex"`
	DisplayName      string `gorm:"column:display_name;size:320"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	LastSeenSeconds  int64  `gorm:"column:last_seen_s;not null"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
