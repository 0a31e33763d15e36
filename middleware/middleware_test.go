package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/akinalp/qrattend/handlers"
	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg"
)

type stubTokens map[string]*models.Principal

func (s stubTokens) ValidateAccessToken(token string) (*models.Principal, error) {
	if p, ok := s[token]; ok {
		return p, nil
	}
	return nil, errors.Join(pkg.ErrUnauthorized, errors.New("bad token"))
}

func TestAuthAndRole(t *testing.T) {
	tokens := stubTokens{
		"prof":  {Email: "prof@uni.edu", Role: models.RoleInstructor},
		"alice": {Email: "alice@uni.edu", Role: models.RoleStudent},
	}
	authMw := NewAuthMiddleware(tokens)
	roleMw := NewRoleMiddleware()

	var seen *models.Principal
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = handlers.PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	chain := authMw.Require(roleMw.Require(final, models.RoleInstructor))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"bad token", "Bearer nope", http.StatusUnauthorized},
		{"wrong role", "Bearer alice", http.StatusForbidden},
		{"instructor", "Bearer prof", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			chain.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusNoContent {
				assert.Equal(t, "prof@uni.edu", seen.Email)
			} else {
				assert.Nil(t, seen)
			}
		})
	}
}

func TestRoleWithoutPrincipal(t *testing.T) {
	h := NewRoleMiddleware().Require(http.NotFoundHandler(), models.RoleStudent)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
