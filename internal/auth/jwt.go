package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mewayz/fabric/pkg/models"
)

// JWTService handles token verification. Signing exists only so tests and
// local tooling can mint tokens with the same claims layout.
type JWTService struct {
	secret []byte
}

// NewJWTService builds a JWT helper with the given HMAC secret.
func NewJWTService(secret string) *JWTService {
	return &JWTService{secret: []byte(secret)}
}

// Claims is the token layout issued by the platform's auth service. Older
// tokens carry the user id in "id" rather than "sub".
type Claims struct {
	LegacyID       string `json:"id,omitempty"`
	Email          string `json:"email,omitempty"`
	Name           string `json:"name,omitempty"`
	Role           string `json:"role,omitempty"`
	Plan           string `json:"plan,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
	jwt.RegisteredClaims
}

// Generate signs a token for the given user.
func (s *JWTService) Generate(user *models.User, expiry time.Duration) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return "", errors.New("user id required")
	}

	now := time.Now()
	claims := Claims{
		Email:          strings.TrimSpace(user.Email),
		Name:           strings.TrimSpace(user.Name),
		Role:           string(user.Role),
		Plan:           string(user.Plan),
		OrganizationID: user.OrganizationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  user.ID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT and returns the identity embedded in it.
func (s *JWTService) Validate(token string) (*models.User, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		subject = strings.TrimSpace(claims.LegacyID)
	}
	if subject == "" {
		return nil, ErrInvalidToken
	}
	return &models.User{
		ID:             subject,
		Email:          strings.TrimSpace(claims.Email),
		Name:           strings.TrimSpace(claims.Name),
		Role:           models.Role(claims.Role),
		Plan:           models.Plan(claims.Plan),
		OrganizationID: strings.TrimSpace(claims.OrganizationID),
	}, nil
}
