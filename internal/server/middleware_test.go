package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-hie/conduit/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.NotEmpty(t, seen, "a request ID is generated when none is sent")
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "upstream-123")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "upstream-123", seen)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := requestIDMiddleware(recoveryMiddleware(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/tasks", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeInternalError, body.Error.Code)
	assert.NotEmpty(t, body.Meta.RequestID)
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		max        int64
		wantStatus int
	}{
		{"empty body", "", 0, http.StatusBadRequest},
		{"unknown field", `{"tids":[],"bogus":1}`, 0, http.StatusBadRequest},
		{"trailing data", `{"tids":[]} {}`, 0, http.StatusBadRequest},
		{"too large", `{"tids":["` + strings.Repeat("a", 64) + `"]}`, 16, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/v1/tasks", strings.NewReader(tt.body))
			var target model.CreateTaskRequest
			err := decodeJSON(rec, req, &target, tt.max)
			require.Error(t, err)
			handleDecodeError(rec, req, err)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestLoggingMiddlewarePassesStatus(t *testing.T) {
	handler := loggingMiddleware(testLogger(), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
