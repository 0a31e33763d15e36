package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.ScanResult("commit", "accepted")
	m.ScanResult("commit", "DUPLICATE_DEVICE")
	m.ScanResult("commit", "accepted")
	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded(false)
	m.TokenRotated()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.scans.WithLabelValues("commit", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rotations))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "qrattend_scans_total")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ScanResult("validate", "valid")
		m.SessionStarted()
		m.SessionEnded(true)
		m.TokenRotated()
		m.PushEvent("qr_update")
		m.ClientDropped()
		m.ConnectionOpened()
		m.ConnectionClosed()
	})
}
