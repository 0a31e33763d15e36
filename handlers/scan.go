package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/akinalp/qrattend/models"
	"github.com/akinalp/qrattend/pkg"
	"github.com/akinalp/qrattend/pkg/ratelimit"
	"github.com/akinalp/qrattend/services"
)

// ScanHandler serves the student side of the protocol.
type ScanHandler struct {
	engine  *services.ValidationEngine
	limiter *ratelimit.ScanRateLimiter
}

// NewScanHandler creates the handler. limiter may be nil to disable rate
// limiting.
func NewScanHandler(engine *services.ValidationEngine, limiter *ratelimit.ScanRateLimiter) *ScanHandler {
	return &ScanHandler{engine: engine, limiter: limiter}
}

// Validate godoc
// GET /api/scan/validate?session_id=&token=&device_fingerprint=
//
// Read-only. Rejections are ordinary answers: 200 with valid=false, a
// reason code and a localized message.
func (h *ScanHandler) Validate(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}

	q := r.URL.Query()
	attempt := models.ScanAttempt{
		SessionID:         strings.TrimSpace(q.Get("session_id")),
		Token:             strings.TrimSpace(q.Get("token")),
		DeviceFingerprint: q.Get("device_fingerprint"),
		PresentedAt:       time.Now().UTC(),
	}

	loc := localizer(r)
	err := h.engine.Validate(r.Context(), attempt)
	switch {
	case err == nil:
		pkg.JSON(w, http.StatusOK, models.ValidateScanResponse{Valid: true, Message: loc.T("scan.valid")})
	case pkg.IsScanRejection(err):
		reason := services.ReasonFor(err)
		pkg.JSON(w, http.StatusOK, models.ValidateScanResponse{Reason: reason, Message: loc.T("scan." + string(reason))})
	default:
		pkg.Error(w, err)
	}
}

// Commit godoc
// POST /api/scan/commit
// Body: { "session_id", "token", "device_fingerprint", "email"? }
//
// The record is written for the authenticated student; a body email that
// differs from the token's is refused with 403.
func (h *ScanHandler) Commit(w http.ResponseWriter, r *http.Request) {
	principal, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if !h.allow(w, r) {
		return
	}

	var req models.CommitScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Email != "" && !strings.EqualFold(req.Email, principal.Email) {
		pkg.Error(w, fmt.Errorf("%w: email does not match the signed-in student", pkg.ErrForbidden))
		return
	}

	attempt := models.ScanAttempt{
		SessionID:         req.SessionID,
		Token:             req.Token,
		DeviceFingerprint: req.DeviceFingerprint,
		PresentedAt:       time.Now().UTC(),
	}

	loc := localizer(r)
	rec, err := h.engine.Commit(r.Context(), attempt, principal.Email)
	switch {
	case err == nil:
		pkg.JSON(w, http.StatusOK, models.CommitScanResponse{Accepted: true, Message: loc.T("scan.accepted"), Record: rec})
	case pkg.IsScanRejection(err):
		reason := services.ReasonFor(err)
		pkg.JSON(w, http.StatusOK, models.CommitScanResponse{Reason: reason, Message: loc.T("scan." + string(reason))})
	default:
		pkg.Error(w, err)
	}
}

// allow applies the per-IP scan limit, answering 429 with Retry-After.
func (h *ScanHandler) allow(w http.ResponseWriter, r *http.Request) bool {
	if h.limiter == nil {
		return true
	}
	ip := ratelimit.ExtractIP(r)
	if h.limiter.Allow(ip) {
		return true
	}

	retryAfter := h.limiter.RetryAfterSeconds(ip)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	pkg.ErrorWithMessage(w, http.StatusTooManyRequests, localizer(r).TWithParams("scan.rateLimited", map[string]string{
		"wait": ratelimit.FormatRetryMessage(retryAfter),
	}))
	return false
}
