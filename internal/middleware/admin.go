package middleware

import (
	"net/http"
	"slices"

	"freedomtag/internal/auth"
)

// RequireRole admits callers whose token carries one of roles. Admins pass
// every role check.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if claims.Role == auth.RoleAdmin || slices.Contains(roles, claims.Role) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "missing required role", http.StatusForbidden)
		})
	}
}

func RequireAdmin() func(http.Handler) http.Handler {
	return RequireRole(auth.RoleAdmin)
}
