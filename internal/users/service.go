// Package users resolves collaborator identities. Registration is keyed by
// username and idempotent: the same username always maps to the same user id.
package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/novaide/collabsync/internal/docstore"
)

// ErrInvalidIdentity indicates the request did not contain a usable username.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ErrUnknownUser indicates no identity exists for the given id.
var ErrUnknownUser = errors.New("users: unknown user")

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider docstore.IDProvider
}

// Service manages collaborator identities.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider docstore.IDProvider
	cache      sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("users: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: cfg.IDProvider,
	}, nil
}

// Register resolves a username to its identity, creating one on first sight.
// Repeated registration with the same username returns the same user id and
// refreshes the last-seen timestamp and display name.
func (s *Service) Register(ctx context.Context, username, displayName string) (Identity, error) {
	username = normalize(username)
	if username == "" {
		return Identity{}, ErrInvalidIdentity
	}

	if cached, ok := s.cache.Load(username); ok {
		if identity, ok := cached.(Identity); ok {
			return identity, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("username = ?", username).
		Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		userID, idErr := s.idProvider.NewID()
		if idErr != nil {
			return Identity{}, idErr
		}
		now := s.now().UTC().Unix()
		identity = Identity{
			UserID:           userID,
			Username:         username,
			DisplayName:      normalize(displayName),
			CreatedAtSeconds: now,
			LastSeenSeconds:  now,
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return Identity{}, err
		}
	} else if err != nil {
		return Identity{}, err
	} else {
		updates := map[string]interface{}{"last_seen_s": s.now().UTC().Unix()}
		if display := normalize(displayName); display != "" && display != identity.DisplayName {
			updates["display_name"] = display
			identity.DisplayName = display
		}
		_ = s.db.WithContext(ctx).Model(&Identity{}).
			Where("user_id = ?", identity.UserID).
			Updates(updates).Error
	}

	s.cache.Store(username, identity)
	return identity, nil
}

// Lookup returns the identity behind a user id.
func (s *Service) Lookup(ctx context.Context, userID string) (Identity, error) {
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, ErrUnknownUser
	}
	if err != nil {
		return Identity{}, err
	}
	return identity, nil
}
