// Package project manages collaborative projects: creation, share-code
// joining, membership with roles, ownership checks, and cascading deletion.
package project

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/novaide/collabsync/internal/docstore"
	"github.com/novaide/collabsync/internal/snapshot"
)

const (
	opServiceNew    = "project.service.new"
	opCreateProject = "project.create"
	opGetProject    = "project.get"
	opFindByCode    = "project.find_by_code"
	opJoinProject   = "project.join"
	opListMembers   = "project.list_members"
	opUserProjects  = "project.user_projects"
	opDeleteProject = "project.delete"

	maxCodeAttempts = 10
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingDocs       = errors.New("document store is required")

	// ErrProjectNotFound indicates the project id or share code matched nothing.
	ErrProjectNotFound = errors.New("project: not found")
	// ErrNotOwner indicates an owner-only operation was attempted by a non-owner.
	ErrNotOwner = errors.New("project: operation restricted to the owner")
)

// ServiceError wraps a project failure with a stable operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies of the project service.
// Snapshots is optional; when set, project deletion also drops the stored
// file baselines.
type ServiceConfig struct {
	Database   *gorm.DB
	Docs       *docstore.Store
	Snapshots  *snapshot.Store
	Clock      func() time.Time
	IDProvider docstore.IDProvider
	Logger     *zap.Logger
}

// Service manages projects and their memberships.
type Service struct {
	db         *gorm.DB
	docs       *docstore.Store
	snapshots  *snapshot.Store
	clock      func() time.Time
	idProvider docstore.IDProvider
	logger     *zap.Logger
}

// NewService constructs a project service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Docs == nil {
		return nil, newServiceError(opServiceNew, "missing_docstore", errMissingDocs)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		docs:       cfg.Docs,
		snapshots:  cfg.Snapshots,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Create registers a new project with a unique share code and adds the owner
// as its first member.
func (s *Service) Create(ctx context.Context, name, ownerID, ownerName, workspacePath string) (Project, error) {
	if name == "" || ownerID == "" {
		return Project{}, newServiceError(opCreateProject, "missing_fields", fmt.Errorf("name and owner are required"))
	}

	projectID, err := s.idProvider.NewID()
	if err != nil {
		return Project{}, newServiceError(opCreateProject, "id_generation_failed", err)
	}
	code, err := s.uniqueShareCode(ctx)
	if err != nil {
		return Project{}, newServiceError(opCreateProject, "code_generation_failed", err)
	}

	now := s.clock().UTC().Unix()
	proj := Project{
		ProjectID:        projectID,
		Name:             name,
		ShareCode:        code,
		OwnerID:          ownerID,
		WorkspacePath:    workspacePath,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	member := Member{
		ProjectID:       projectID,
		UserID:          ownerID,
		Username:        ownerName,
		Role:            RoleOwner,
		JoinedAtSeconds: now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&proj).Error; err != nil {
			return err
		}
		return tx.Create(&member).Error
	})
	if err != nil {
		return Project{}, newServiceError(opCreateProject, "insert_failed", err)
	}

	if err := s.docs.SetPresenceProfile(ctx, projectID, ownerID, ownerName, string(RoleOwner)); err != nil {
		s.logger.Warn("failed to seed owner presence profile",
			zap.String("project_id", projectID), zap.Error(err))
	}

	s.logger.Info("project created",
		zap.String("project_id", projectID),
		zap.String("owner_id", ownerID),
		zap.String("share_code", code))
	return proj, nil
}

// Get returns a project by id.
func (s *Service) Get(ctx context.Context, projectID string) (Project, error) {
	var proj Project
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Take(&proj).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, ErrProjectNotFound
	}
	if err != nil {
		return Project{}, newServiceError(opGetProject, "query_failed", err)
	}
	return proj, nil
}

// FindByCode resolves a share code to its project.
func (s *Service) FindByCode(ctx context.Context, code string) (Project, error) {
	var proj Project
	err := s.db.WithContext(ctx).
		Where("share_code = ?", code).
		Take(&proj).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, ErrProjectNotFound
	}
	if err != nil {
		return Project{}, newServiceError(opFindByCode, "query_failed", err)
	}
	return proj, nil
}

// Join adds a user to the project behind a share code with the editor role.
// Joining a project the user already belongs to is a no-op that returns the
// project unchanged.
func (s *Service) Join(ctx context.Context, code, userID, username string) (Project, error) {
	proj, err := s.FindByCode(ctx, code)
	if err != nil {
		return Project{}, err
	}

	var existing Member
	err = s.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", proj.ProjectID, userID).
		Take(&existing).Error
	if err == nil {
		return proj, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, newServiceError(opJoinProject, "member_lookup_failed", err)
	}

	member := Member{
		ProjectID:       proj.ProjectID,
		UserID:          userID,
		Username:        username,
		Role:            RoleEditor,
		JoinedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&member).Error; err != nil {
		return Project{}, newServiceError(opJoinProject, "member_insert_failed", err)
	}

	if err := s.docs.SetPresenceProfile(ctx, proj.ProjectID, userID, username, string(RoleEditor)); err != nil {
		s.logger.Warn("failed to seed member presence profile",
			zap.String("project_id", proj.ProjectID), zap.Error(err))
	}

	s.logger.Info("member joined project",
		zap.String("project_id", proj.ProjectID),
		zap.String("user_id", userID))
	return proj, nil
}

// Members lists a project's members.
func (s *Service) Members(ctx context.Context, projectID string) ([]Member, error) {
	var members []Member
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("joined_at_s ASC").
		Find(&members).Error
	if err != nil {
		return nil, newServiceError(opListMembers, "query_failed", err)
	}
	return members, nil
}

// UserProjects lists every project a user belongs to.
func (s *Service) UserProjects(ctx context.Context, userID string) ([]Project, error) {
	var projects []Project
	err := s.db.WithContext(ctx).
		Joins("JOIN project_members ON project_members.project_id = projects.project_id").
		Where("project_members.user_id = ?", userID).
		Find(&projects).Error
	if err != nil {
		return nil, newServiceError(opUserProjects, "query_failed", err)
	}
	return projects, nil
}

// IsOwner reports whether the user owns the project.
func (s *Service) IsOwner(ctx context.Context, projectID, userID string) (bool, error) {
	proj, err := s.Get(ctx, projectID)
	if err != nil {
		return false, err
	}
	return proj.OwnerID == userID, nil
}

// Delete removes a project and cascades to members, shared documents,
// change records, presence, and typing rows. Owner only.
func (s *Service) Delete(ctx context.Context, projectID, userID string) error {
	owner, err := s.IsOwner(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if !owner {
		return ErrNotOwner
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", projectID).Delete(&Member{}).Error; err != nil {
			return err
		}
		return tx.Where("project_id = ?", projectID).Delete(&Project{}).Error
	})
	if err != nil {
		return newServiceError(opDeleteProject, "delete_failed", err)
	}

	if err := s.docs.DeleteProjectData(ctx, projectID); err != nil {
		return newServiceError(opDeleteProject, "cascade_failed", err)
	}
	if s.snapshots != nil {
		if err := s.snapshots.DeleteProject(ctx, projectID); err != nil {
			return newServiceError(opDeleteProject, "baseline_cascade_failed", err)
		}
	}

	s.logger.Info("project deleted", zap.String("project_id", projectID))
	return nil
}

func (s *Service) uniqueShareCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := generateShareCode()
		if err != nil {
			return "", err
		}
		var count int64
		err = s.db.WithContext(ctx).
			Model(&Project{}).
			Where("share_code = ?", code).
			Count(&count).Error
		if err != nil {
			return "", err
		}
		if count == 0 {
			return code, nil
		}
	}
	return "", fmt.Errorf("exhausted share code attempts")
}
