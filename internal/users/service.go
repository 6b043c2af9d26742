package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/docmirror/internal/auth"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUnknownUser indicates that no identity maps onto the canonical user id.
	ErrUnknownUser = errors.New("users: unknown user")
)

const defaultProvider = "default"

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves session claims onto canonical user ids and serves owner display names.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	names sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// ResolveIdentity returns the identity for the provided session claims, creating it
// when the provider+subject pair has not been seen before and refreshing profile
// fields otherwise.
func (s *Service) ResolveIdentity(ctx context.Context, claims auth.SessionClaims) (Identity, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Identity{}, ErrInvalidIdentity
	}

	db := s.db.WithContext(ctx)
	var identity Identity
	err := db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			LastSeenAt:  s.now().UTC(),
		}
		if err := db.Create(&identity).Error; err != nil {
			return Identity{}, err
		}
	case err != nil:
		return Identity{}, err
	default:
		updates := map[string]interface{}{
			"last_seen_at": s.now().UTC(),
		}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
			identity.Email = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
			identity.DisplayName = display
		}
		if err := db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			return Identity{}, err
		}
	}

	s.names.Store(identity.UserID, identity.PreferredName())
	return identity, nil
}

// DisplayName returns the preferred name of the canonical user id.
func (s *Service) DisplayName(ctx context.Context, userID string) (string, error) {
	canonical := normalize(userID)
	if canonical == "" {
		return "", ErrUnknownUser
	}
	if cached, ok := s.names.Load(canonical); ok {
		if name, ok := cached.(string); ok {
			return name, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", canonical).
		Order("last_seen_at DESC").
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: %s", ErrUnknownUser, canonical)
	}
	if err != nil {
		return "", err
	}

	name := identity.PreferredName()
	s.names.Store(canonical, name)
	return name, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
