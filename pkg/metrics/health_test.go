package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	UpdateComponent("identity", true, "")
	UpdateComponent("session", true, "")
	UpdateComponent("queue", true, "")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Components["session"])
}

func TestHealthHandlerUnhealthy(t *testing.T) {
	UpdateComponent("identity", true, "")
	UpdateComponent("session", false, "pod gone")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "unhealthy", status.Status)
	assert.Contains(t, status.Components["session"], "pod gone")

	// Restore for other tests
	UpdateComponent("session", true, "")
}

func TestReadyHandlerWaitsForCriticalComponents(t *testing.T) {
	healthChecker.mu.Lock()
	healthChecker.components = make(map[string]ComponentHealth)
	healthChecker.mu.Unlock()

	rec := httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	UpdateComponent("identity", true, "")
	UpdateComponent("session", true, "")

	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
