// Package middleware holds the HTTP middleware chain.
//
// A middleware is func(next http.Handler) http.Handler: it does its check
// and either calls next or answers the request itself.
//
//	auth → role → handler
package middleware

import (
	"net/http"
	"strings"

	"github.com/akinalp/qrattend/handlers"
	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg"
)

// TokenValidator is the slice of the auth service the middleware needs.
type TokenValidator interface {
	ValidateAccessToken(tokenString string) (*models.Principal, error)
}

// AuthMiddleware authenticates bearer tokens.
type AuthMiddleware struct {
	tokens TokenValidator
}

// NewAuthMiddleware creates the middleware.
func NewAuthMiddleware(tokens TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// Require rejects requests without a valid "Authorization: Bearer <token>"
// header with 401 and stores the principal in the context otherwise.
func (m *AuthMiddleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			pkg.ErrorWithMessage(w, http.StatusUnauthorized, "authorization header required")
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			pkg.ErrorWithMessage(w, http.StatusUnauthorized, "invalid authorization format, use: Bearer <token>")
			return
		}

		principal, err := m.tokens.ValidateAccessToken(strings.TrimSpace(tokenString))
		if err != nil {
			pkg.Error(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(handlers.WithPrincipal(r.Context(), principal)))
	})
}
