package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/FairForge/sessiontier/internal/config"
	"github.com/FairForge/sessiontier/internal/health"
	"github.com/FairForge/sessiontier/internal/store"
	"github.com/FairForge/sessiontier/internal/tier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestServer runs the API over a store backed by the in-memory tier
// alone, which is always healthy.
func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()

	mem := tier.NewMemory(100, time.Hour, time.Hour, zap.NewNop())
	tiers := []tier.Backend{mem}
	monitor := health.NewMonitor([]health.Pinger{mem}, 100*time.Millisecond, time.Minute, zap.NewNop())

	st := store.New(tiers, monitor, store.Options{OpTimeout: time.Second}, zap.NewNop())

	cfg := config.Default()
	return NewServer(cfg, zap.NewNop(), st), st
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status  string          `json:"status"`
		Tiers   map[string]bool `json:"tiers"`
		Overall bool            `json:"overall"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.True(t, body.Overall)
	assert.True(t, body.Tiers[tier.NameMemory])
}

func TestServer_Ready(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Stats(t *testing.T) {
	srv, st := newTestServer(t)

	for i := 0; i < 4; i++ {
		st.CreateSession(context.Background(), "u1", "alice", "/")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var stats store.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(4), stats.Tiers[tier.NameMemory])
	assert.Equal(t, int64(4), stats.Total)
}

func TestServer_Metrics(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
