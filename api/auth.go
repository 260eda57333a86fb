/*
auth.go - Bearer token authentication

PURPOSE:
  Resolves the caller of every /api request into an enrollment.Actor.
  Tokens are HS256 JWTs with two claims:
    sub   user ID
    role  "parent" or "admin"

  The engine does its own ownership checks; this layer only establishes
  who is asking. RequireAdmin is a coarse gate for the admin route group.

SEE ALSO:
  - server.go: Where the middleware is mounted
  - enrollment/types.go: Actor
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/enrollment-engine/enrollment"
)

type ctxKey int

const actorKey ctxKey = iota

// Authenticator validates and issues bearer tokens.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator creates an authenticator for the given HMAC secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// IssueToken signs a token for userID. Used by the dev token endpoint and
// by tests.
func (a *Authenticator) IssueToken(userID enrollment.UserID, role enrollment.Role, ttl time.Duration) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("user id is required")
	}
	if role != enrollment.RoleParent && role != enrollment.RoleAdmin {
		return "", time.Time{}, fmt.Errorf("unknown role %q", role)
	}
	now := a.now()
	exp := now.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  string(userID),
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  exp.Unix(),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Parse validates a raw token and returns its actor.
func (a *Authenticator) Parse(raw string) (enrollment.Actor, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return enrollment.Actor{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return enrollment.Actor{}, errors.New("invalid claims")
	}
	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" {
		return enrollment.Actor{}, errors.New("missing subject")
	}
	switch enrollment.Role(role) {
	case enrollment.RoleParent, enrollment.RoleAdmin:
	default:
		return enrollment.Actor{}, fmt.Errorf("unknown role %q", role)
	}
	return enrollment.Actor{UserID: enrollment.UserID(sub), Role: enrollment.Role(role)}, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}
		actor, err := a.Parse(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// RequireAdmin rejects non-admin actors with 403.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFrom(r.Context())
		if !ok || !actor.IsAdmin() {
			writeError(w, http.StatusForbidden, "Admin role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithActor stores actor in ctx.
func WithActor(ctx context.Context, actor enrollment.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFrom returns the authenticated actor, if any.
func ActorFrom(ctx context.Context) (enrollment.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(enrollment.Actor)
	return actor, ok
}
