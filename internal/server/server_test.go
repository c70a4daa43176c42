package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boristopalov/huddle/internal/metrics"
	"github.com/boristopalov/huddle/pkg/core"
	"github.com/boristopalov/huddle/pkg/environment"
)

func TestHealth(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	state := environment.State{
		Status:    environment.StatusRunning,
		Agents:    3,
		Meetings:  []core.MeetingID{"standup"},
		Timestamp: now,
	}
	router := NewRouter(zerolog.Nop(), func() environment.State { return state })

	t.Run("running", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var body HealthResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "running", body.Status)
		assert.Equal(t, 3, body.Agents)
		assert.Equal(t, []string{"standup"}, body.Meetings)
		assert.Equal(t, "2024-05-01T12:00:00Z", body.Timestamp)
	})

	t.Run("stopped", func(t *testing.T) {
		state.Status = environment.StatusStopped
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.BatchesFlushed.WithLabelValues("timeout").Inc()

	router := NewRouter(zerolog.Nop(), func() environment.State { return environment.State{} })
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "huddle_batches_flushed_total"))
}
