// Package auth issues and verifies the bearer tokens that identify marketplace
// users and carry their roles.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RoleBuyer  = "BUYER"
	RoleSeller = "SELLER"
	RoleAdmin  = "ADMIN"

	DefaultTokenTTL = 24 * time.Hour
	DefaultIssuer   = "landtrust"
)

var (
	ErrMissingSecret = errors.New("auth: signing secret is required")
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrUnknownRole   = errors.New("auth: unknown role")
)

var signingMethod = jwt.SigningMethodHS256

// Claims is the signed identity carried by API requests.
type Claims struct {
	UserID string   `json:"uid"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Manager mints and parses HS256 access tokens.
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a token manager. An empty secret is rejected.
func NewManager(secret string) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	return &Manager{
		secret: []byte(secret),
		issuer: DefaultIssuer,
		ttl:    DefaultTokenTTL,
		now:    time.Now,
	}, nil
}

// WithTTL overrides the token lifetime.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	if ttl > 0 {
		m.ttl = ttl
	}
	return m
}

// WithIssuer overrides the iss claim minted and required.
func (m *Manager) WithIssuer(issuer string) *Manager {
	if issuer != "" {
		m.issuer = issuer
	}
	return m
}

// WithClock overrides the time source used when minting.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func normalizeRoles(roles []string) ([]string, error) {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.ToUpper(strings.TrimSpace(r))
		switch r {
		case RoleBuyer, RoleSeller, RoleAdmin:
			out = append(out, r)
		default:
			return nil, fmt.Errorf("%w %q", ErrUnknownRole, r)
		}
	}
	return out, nil
}

// Issue mints a signed token for userID with roles.
func (m *Manager) Issue(userID string, roles ...string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidToken)
	}
	norm, err := normalizeRoles(roles)
	if err != nil {
		return "", err
	}
	now := m.now()
	claims := Claims{
		UserID: userID,
		Roles:  norm,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}

// Parse validates a token and returns its claims.
func (m *Manager) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method != signingMethod {
				return nil, fmt.Errorf("unexpected signing method %s", token.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	if claims.Roles, err = normalizeRoles(claims.Roles); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}
