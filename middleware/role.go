package middleware

import (
	"net/http"

	"github.com/akinalp/qrattend/handlers"
	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg"
)

// RoleMiddleware restricts a route to some roles. It runs after
// AuthMiddleware, so the principal is already in the context.
//
//	authMw.Require(roleMw.Require(http.HandlerFunc(h.Start), models.RoleInstructor))
type RoleMiddleware struct{}

// NewRoleMiddleware creates the middleware.
func NewRoleMiddleware() *RoleMiddleware {
	return &RoleMiddleware{}
}

// Require answers 403 unless the caller holds one of roles.
func (m *RoleMiddleware) Require(next http.Handler, roles ...models.Role) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := handlers.PrincipalFrom(r.Context())
		if !ok {
			pkg.ErrorWithMessage(w, http.StatusUnauthorized, "principal not found in context")
			return
		}

		for _, role := range roles {
			if principal.Role == role {
				next.ServeHTTP(w, r)
				return
			}
		}
		pkg.ErrorWithMessage(w, http.StatusForbidden, string(roles[0])+" access required")
	})
}
