package server

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/keisan/internal/model"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-id")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "client-id", seen)

	req.Header.Set("X-Request-ID", strings.Repeat("a", 200))
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.NotEqual(t, strings.Repeat("a", 200), seen, "oversized ids are replaced")
}

func TestCORSMiddleware(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantOrigin string
		wantStatus int
	}{
		{"wildcard", []string{"*"}, "https://app.example.com", http.MethodPost, "*", http.StatusOK},
		{"listed origin", []string{"https://app.example.com"}, "https://app.example.com", http.MethodPost, "https://app.example.com", http.StatusOK},
		{"unlisted origin", []string{"https://app.example.com"}, "https://evil.example.com", http.MethodPost, "", http.StatusOK},
		{"preflight", []string{"*"}, "https://app.example.com", http.MethodOptions, "*", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			called := false
			h := corsMiddleware(tt.allowed, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				called = true
			}))
			req := httptest.NewRequest(tt.method, "/functions/v1/calculate-metrics", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "content-type")
			if tt.method == http.MethodOptions {
				assert.False(t, called, "preflight never reaches the handler")
				assert.Empty(t, rec.Body.String())
			} else {
				assert.True(t, called)
			}
		})
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body model.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeInternalError, body.Code)
}

func TestStatusWriterKeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	_, _ = sw.Write([]byte("ok"))
	sw.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusOK, sw.statusCode)
	assert.Equal(t, rec, sw.Unwrap())
}

func TestDecodeJSON(t *testing.T) {
	var target map[string]any

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
	require.NoError(t, decodeJSON(httptest.NewRecorder(), req, &target, 1024))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":"`+strings.Repeat("x", 64)+`"}`))
	err := decodeJSON(httptest.NewRecorder(), req, &target, 16)
	require.Error(t, err)
	rec := httptest.NewRecorder()
	handleDecodeError(rec, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	err = decodeJSON(httptest.NewRecorder(), req, &target, 1024)
	require.Error(t, err)
	rec = httptest.NewRecorder()
	handleDecodeError(rec, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteJSONUnencodableValue(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, model.ResultsResponse{Results: model.Series{"2024-01-01": ptr(math.Inf(1))}})

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body model.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeInternalError, body.Code)
}
