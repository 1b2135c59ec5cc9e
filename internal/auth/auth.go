// Package auth turns the credentials presented on a connection into an
// Identity. Tokens are HS256 JWTs; issuing them is left to an external
// identity provider, Issue only exists for tools and tests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the role claim that grants administrator rights.
const RoleAdmin = "admin"

// UserIDHeader carries the caller in development mode.
const UserIDHeader = "X-User-Id"

const issuer = "patchsync"

// Common errors.
var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

// Identity is the authenticated caller. The zero value is anonymous.
type Identity struct {
	UserID string
	Admin  bool
}

// Anonymous reports whether no user is attached.
func (id Identity) Anonymous() bool {
	return id.UserID == ""
}

// CustomClaims are the JWT claims understood by the server.
type CustomClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Config configures a Verifier.
type Config struct {
	// Secret signs and verifies tokens. When empty the Verifier trusts the
	// X-User-Id header instead, which is only suitable for development.
	Secret []byte
	// TTL is the lifetime of issued tokens. Defaults to one hour.
	TTL time.Duration
}

// Verifier authenticates requests.
type Verifier struct {
	secret []byte
	ttl    time.Duration
}

// NewVerifier creates a Verifier.
func NewVerifier(cfg Config) *Verifier {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}

	return &Verifier{secret: cfg.Secret, ttl: cfg.TTL}
}

// DevMode reports whether tokens are not checked.
func (v *Verifier) DevMode() bool {
	return len(v.secret) == 0
}

// Issue signs a token for id.
func (v *Verifier) Issue(id Identity) (string, error) {
	if v.DevMode() {
		return "", fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}

	now := time.Now()
	claims := CustomClaims{
		UserID: id.UserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	if id.Admin {
		claims.Role = RoleAdmin
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// Verify parses and validates a token.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		return v.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{UserID: claims.UserID, Admin: claims.Role == RoleAdmin}, nil
}

// Authenticate extracts the identity from a request. Tokens are read from
// the Authorization header ("Bearer <token>") or, for browsers that cannot
// set headers on a WebSocket handshake, from the access_token query
// parameter.
func (v *Verifier) Authenticate(r *http.Request) (Identity, error) {
	if v.DevMode() {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			return Identity{}, ErrMissingCredentials
		}

		return Identity{UserID: userID, Admin: r.Header.Get("X-User-Role") == RoleAdmin}, nil
	}

	token := r.URL.Query().Get("access_token")

	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return Identity{}, fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
		}

		token = parts[1]
	}

	if token == "" {
		return Identity{}, ErrMissingCredentials
	}

	return v.Verify(token)
}

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)

	return id, ok && !id.Anonymous()
}
