// Package identity resolves the user on whose behalf a completion runs.
//
// The HTTP layer authenticates the request (bearer token or trusted header)
// and stores the User on the request context. The gateway only reads it
// through Provider.CurrentUser, for attribution of conversation records.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AnonymousID is attributed when no user is known.
const AnonymousID = "anonymous"

var (
	ErrInvalidToken  = errors.New("identity: invalid token")
	ErrTokenExpired  = errors.New("identity: token expired")
	ErrInvalidIssuer = errors.New("identity: invalid issuer")
	ErrMissingClaim  = errors.New("identity: missing required claim")
)

type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Anonymous is the user attributed to unauthenticated requests.
var Anonymous = User{ID: AnonymousID}

// Provider returns the current user, or nil when nobody is authenticated.
type Provider interface {
	CurrentUser(ctx context.Context) (*User, error)
}

type ctxKey struct{}

func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// FromContext returns the user stored by WithUser.
func FromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(ctxKey{}).(*User)
	return u, ok && u != nil
}

// ContextProvider reads the user placed on the context by the HTTP layer.
type ContextProvider struct{}

func (ContextProvider) CurrentUser(ctx context.Context) (*User, error) {
	u, _ := FromContext(ctx)
	return u, nil
}

// AttributionID returns the id of the current user, or AnonymousID when p is
// nil, fails, or reports no user.
func AttributionID(ctx context.Context, p Provider) string {
	if p == nil {
		return AnonymousID
	}
	u, err := p.CurrentUser(ctx)
	if err != nil || u == nil || u.ID == "" {
		return AnonymousID
	}
	return u.ID
}

// Claims carried in gateway bearer tokens.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// JWTVerifier validates HS256 bearer tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewJWTVerifier returns a verifier. When issuer is non-empty, tokens from
// any other issuer are rejected.
func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("identity: jwt secret must not be empty")
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second}, nil
}

// Verify parses token (with or without the "Bearer " prefix) into a User.
func (v *JWTVerifier) Verify(token string) (*User, error) {
	token = strings.TrimSpace(token)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return nil, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return nil, fmt.Errorf("%w: %s", ErrInvalidIssuer, claims.Issuer)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case !parsed.Valid:
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return &User{ID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

// Sign issues an HS256 token for u valid for ttl. Used by the CLI and tests.
func (v *JWTVerifier) Sign(u User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: u.Email,
		Role:  u.Role,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return s, nil
}
