package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jeriewang/crh-botnet/internal/crypto"
	"github.com/jeriewang/crh-botnet/internal/store"
)

type contextKey string

const robotContextKey contextKey = "robot"

// AuthMiddleware resolves the bearer session token on each request against
// the registry.
type AuthMiddleware struct {
	store store.Store
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(s store.Store) *AuthMiddleware {
	return &AuthMiddleware{store: s}
}

// RequireSession rejects requests that do not carry a token belonging to a
// live session, and injects the session's robot ID into the context.
// The expected header is "Authorization: Token <16 hex chars>".
func (m *AuthMiddleware) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			jsonError(w, http.StatusUnauthorized, "missing or malformed authorization header")
			return
		}

		id, found, err := m.store.RobotForToken(r.Context(), token)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, "registry lookup failed")
			return
		}
		if !found {
			jsonError(w, http.StatusUnauthorized, "unknown session token")
			return
		}

		ctx := context.WithValue(r.Context(), robotContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts and validates the session token from the request.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Token ")
	if !ok || !crypto.TokenPattern.MatchString(token) {
		return "", false
	}
	return token, true
}

// RobotFromContext retrieves the authenticated robot ID from the request
// context. ok is false for unauthenticated requests.
func RobotFromContext(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(robotContextKey).(int)
	return id, ok
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
