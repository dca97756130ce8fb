package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/mewayz/fabric/internal/storage"
	"github.com/mewayz/fabric/pkg/models"
)

var (
	ErrAuthDisabled      = errors.New("auth disabled")
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidToken      = errors.New("invalid token")
	ErrInvalidKey        = errors.New("invalid api key")
	ErrUnknownUser       = errors.New("unknown user")
	ErrInactiveUser      = errors.New("inactive user")
)

// IsAuthError reports whether err is a client credential problem rather than
// an internal fault.
func IsAuthError(err error) bool {
	for _, target := range []error{ErrAuthDisabled, ErrMissingCredential, ErrInvalidToken, ErrInvalidKey, ErrUnknownUser, ErrInactiveUser} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Config configures credential verification.
type Config struct {
	JWTSecret string
	APIKeys   []APIKeyConfig
}

// APIKeyConfig declares a static API key and associated identity.
type APIKeyConfig struct {
	Key            string
	UserID         string
	Name           string
	Role           string
	Plan           string
	OrganizationID string
}

// UserLookup resolves the authoritative user record for a verified identity.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// Service validates JWTs and API keys and checks the user is still active.
// The fabric never issues credentials; it only verifies them.
type Service struct {
	jwt     *JWTService
	apiKeys map[string]*models.User
	users   UserLookup
}

// NewService constructs an auth service. users may be nil, in which case the
// identity carried by the credential is trusted as-is.
func NewService(cfg Config, users UserLookup) *Service {
	service := &Service{users: users}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret)
	}
	service.apiKeys = buildAPIKeyMap(cfg.APIKeys)
	return service
}

// Enabled reports whether any verification method is configured.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// Verify validates a credential and returns the active user it belongs to.
func (s *Service) Verify(ctx context.Context, cred Credential) (*models.User, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}
	token := strings.TrimSpace(cred.Token)
	if token == "" {
		return nil, ErrMissingCredential
	}

	identity, err := s.identify(cred.Source, token)
	if err != nil {
		return nil, err
	}

	user := identity
	if s.users != nil {
		record, err := s.users.GetUser(ctx, identity.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrUnknownUser
			}
			return nil, fmt.Errorf("lookup user: %w", err)
		}
		user = record
	}
	if !user.Active() {
		return nil, ErrInactiveUser
	}
	return user, nil
}

func (s *Service) identify(source CredentialSource, token string) (*models.User, error) {
	if source == SourceAPIKey {
		return s.ValidateAPIKey(token)
	}
	user, jwtErr := s.ValidateJWT(token)
	if jwtErr == nil {
		return user, nil
	}
	if user, err := s.ValidateAPIKey(token); err == nil {
		return user, nil
	}
	if errors.Is(jwtErr, ErrAuthDisabled) {
		return nil, ErrInvalidKey
	}
	return nil, jwtErr
}

// ValidateJWT validates a JWT and returns the identity embedded in it.
func (s *Service) ValidateJWT(token string) (*models.User, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// ValidateAPIKey validates an API key and returns the associated identity.
// Uses constant-time comparison to prevent timing attacks.
func (s *Service) ValidateAPIKey(key string) (*models.User, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return nil, ErrAuthDisabled
	}
	inputKey := strings.TrimSpace(key)
	var matched *models.User
	for storedKey, user := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(inputKey), []byte(storedKey)) == 1 {
			matched = user
		}
	}
	if matched == nil {
		return nil, ErrInvalidKey
	}
	copied := *matched
	return &copied, nil
}

func buildAPIKeyMap(keys []APIKeyConfig) map[string]*models.User {
	out := map[string]*models.User{}
	for _, entry := range keys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		userID := strings.TrimSpace(entry.UserID)
		if userID == "" {
			sum := sha256.Sum256([]byte(key))
			userID = "api_" + hex.EncodeToString(sum[:8])
		}
		out[key] = &models.User{
			ID:             userID,
			Name:           strings.TrimSpace(entry.Name),
			Role:           models.Role(strings.TrimSpace(entry.Role)),
			Plan:           models.Plan(strings.TrimSpace(entry.Plan)),
			OrganizationID: strings.TrimSpace(entry.OrganizationID),
			Status:         models.UserStatusActive,
		}
	}
	return out
}
