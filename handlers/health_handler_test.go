package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/buildplane/backend/app"
	"github.com/buildplane/backend/config"
	"github.com/buildplane/backend/repositories/postgres"
	"github.com/buildplane/backend/services/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealthCheck(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheck(&app.Dependencies{Logger: zap.NewNop()})(rec,
		httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadinessCheck(t *testing.T) {
	logger := zap.NewNop()

	t.Run("ready when database responds", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectPing()

		deps := &app.Dependencies{Logger: logger, DB: &postgres.DB{DB: db}}
		rec := httptest.NewRecorder()
		ReadinessCheck(deps)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ready", body.Status)
		assert.Equal(t, "healthy", body.Checks["database"])
		assert.Equal(t, "not_configured", body.Checks["fast_cache_tier"])
	})

	t.Run("not ready when database is down", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectPing().WillReturnError(assert.AnError)

		deps := &app.Dependencies{Logger: logger, DB: &postgres.DB{DB: db}}
		rec := httptest.NewRecorder()
		ReadinessCheck(deps)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("not ready without a database", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ReadinessCheck(&app.Dependencies{Logger: logger})(rec,
			httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestStatusHandler(t *testing.T) {
	logger := zap.NewNop()

	rulesPath := filepath.Join(t.TempDir(), "cache_rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(
		"/api/v1/projects:\n  ttl: 300\n  strategy: auto\n"), 0o644))
	rules, err := config.LoadCacheRules(rulesPath, logger)
	require.NoError(t, err)

	sessions := session.NewCache(config.SessionConfig{
		TTL:                  time.Minute,
		DefaultTokenLifetime: time.Hour,
		MaxEntries:           10,
	}, logger)
	t.Cleanup(sessions.Close)

	deps := &app.Dependencies{
		Logger:     logger,
		Config:     &config.Config{Environment: "test"},
		CacheRules: rules,
		Sessions:   sessions,
	}

	rec := httptest.NewRecorder()
	StatusHandler(deps)(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "test", body["environment"])
	assert.Equal(t, float64(1), body["cached_endpoints"])
	assert.Equal(t, float64(0), body["session_entries"])
}
