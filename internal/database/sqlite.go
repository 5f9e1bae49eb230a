package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/novaide/collabsync/internal/docstore"
	"github.com/novaide/collabsync/internal/project"
	"github.com/novaide/collabsync/internal/snapshot"
	"github.com/novaide/collabsync/internal/users"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&users.Identity{},
		&project.Project{},
		&project.Member{},
		&snapshot.FileBaseline{},
		&docstore.FileDocument{},
		&docstore.ChangeRecord{},
		&docstore.PresenceRecord{},
		&docstore.TypingRecord{},
		&migrationRecord{},
	)
	if err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
