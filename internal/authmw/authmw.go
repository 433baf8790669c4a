// Package authmw authenticates API callers and records who is acting.
package authmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"unicode"
)

// ActorHeader names the human or integration acting through the API.
const ActorHeader = "X-Actor-Id"

// DefaultActor is used when a request carries no actor header.
const DefaultActor = "api"

const maxActorLen = 128

type actorKey struct{}

// BearerToken returns middleware that validates the Authorization header
// contains a Bearer token matching the expected value. Comparison is
// constant-time.
func BearerToken(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w, "missing or malformed authorization header")
				return
			}
			if subtle.ConstantTimeCompare([]byte(auth[len("Bearer "):]), expected) != 1 {
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="deskmate"`)
	http.Error(w, `{"error":"`+msg+`"}`, http.StatusUnauthorized)
}

// Actor returns middleware that stores the caller's actor id on the request
// context. Missing or unusable header values fall back to DefaultActor.
func Actor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := sanitizeActor(r.Header.Get(ActorHeader))
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// WithActor returns ctx carrying actor.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor id on ctx, or DefaultActor.
func ActorFromContext(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return DefaultActor
}

// sanitizeActor keeps actor ids printable and bounded since they end up in
// the audit log.
func sanitizeActor(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > maxActorLen {
		return DefaultActor
	}
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return DefaultActor
		}
	}
	return s
}
