package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type healthBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func probe(t *testing.T, h *HealthHandler) (int, healthBody) {
	t.Helper()
	r := chi.NewRouter()
	h.RegisterHealth(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	var body healthBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

func ok(context.Context) error { return nil }

func failing(context.Context) error { return errors.New("down") }

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		checks     []HealthCheck
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "all ok",
			checks:     []HealthCheck{{Name: "database", Check: ok}, {Name: "llm", Optional: true, Check: ok}},
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
			wantChecks: map[string]string{"api": "ok", "database": "ok", "llm": "ok"},
		},
		{
			name:       "database down",
			checks:     []HealthCheck{{Name: "database", Check: failing}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "degraded",
			wantChecks: map[string]string{"api": "ok", "database": "unreachable"},
		},
		{
			name:       "optional llm down",
			checks:     []HealthCheck{{Name: "database", Check: ok}, {Name: "llm", Optional: true, Check: failing}},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
			wantChecks: map[string]string{"api": "ok", "database": "ok", "llm": "unreachable"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := probe(t, NewHealthHandler(time.Second, tt.checks...))
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.Equal(t, tt.wantChecks, body.Checks)
		})
	}
}

func TestHealthAppliesTimeout(t *testing.T) {
	slow := HealthCheck{Name: "database", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	code, body := probe(t, NewHealthHandler(20*time.Millisecond, slow))
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unreachable", body.Checks["database"])
}
