// Package handlers holds the HTTP layer.
//
// Handlers are thin: they parse the request, call one service method and
// write the response through pkg.JSON or pkg.Error. Protocol rules live in
// services.
package handlers

import (
	"context"
	"net/http"

	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg"
	"github.com/akinalp/qrattend/pkg/i18n"
)

// contextKey keeps our context values apart from other packages'.
type contextKey string

// PrincipalContextKey carries the authenticated *models.Principal, set by
// the auth middleware.
const PrincipalContextKey contextKey = "principal"

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// PrincipalFrom returns the authenticated caller, if any.
func PrincipalFrom(ctx context.Context) (*models.Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey).(*models.Principal)
	return p, ok && p != nil
}

// requirePrincipal writes 401 and returns false when the request is
// unauthenticated.
func requirePrincipal(w http.ResponseWriter, r *http.Request) (*models.Principal, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "principal not found in context")
		return nil, false
	}
	return p, true
}

// localizer picks the response language from Accept-Language.
func localizer(r *http.Request) *i18n.Localizer {
	return i18n.NewLocalizer(i18n.DetectLanguage(r.Header.Get("Accept-Language")))
}
