// internal/auth/middleware.go
package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	subjectKey contextKey = "subject"
	roleKey    contextKey = "role"
)

// JWTAuthMiddleware rejects requests without a valid bearer token and makes
// the token's subject and role available to downstream handlers. The inbound
// webhook route is mounted outside it; provider callbacks carry no tokens.
func JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(authz, "Bearer ") {
			http.Error(w, "missing or invalid Authorization header", http.StatusUnauthorized)
			return
		}

		claims, err := ValidateToken(strings.TrimPrefix(authz, "Bearer "))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), subjectKey, claims.Subject)
		ctx = context.WithValue(ctx, roleKey, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole guards a route group with a role check. It must be mounted
// inside JWTAuthMiddleware.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if Role(r) != role {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Subject extracts the authenticated operator from the request context
func Subject(r *http.Request) string {
	if val := r.Context().Value(subjectKey); val != nil {
		return val.(string)
	}
	return ""
}

// Role extracts the authenticated operator's role from the request context
func Role(r *http.Request) string {
	if val := r.Context().Value(roleKey); val != nil {
		return val.(string)
	}
	return ""
}
