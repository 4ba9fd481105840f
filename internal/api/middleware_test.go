package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"edgerelay/internal/logging"
)

func TestLoggingMiddlewareAddsCategory(t *testing.T) {
	buffer := logging.NewLogBuffer(10)
	logger := logging.NewLoggerWithOutput(buffer, logging.LevelDebug, io.Discard)

	handler := loggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	entries := buffer.List()
	if len(entries) == 0 {
		t.Fatalf("expected log entries")
	}
	entry := entries[0]
	if entry.Context["edgerelay.category"] != "api" {
		t.Fatalf("expected edgerelay.category api, got %q", entry.Context["edgerelay.category"])
	}
	if entry.Context["http.route"] != "/api/status" {
		t.Fatalf("expected http.route /api/status, got %q", entry.Context["http.route"])
	}
}

func TestValidateTokenAcceptsBearerOnly(t *testing.T) {
	cases := []struct {
		name   string
		header string
		query  string
		want   bool
	}{
		{name: "bearer", header: "Bearer secret", want: true},
		{name: "wrong bearer", header: "Bearer nope", want: false},
		{name: "query token", query: "?token=secret", want: false},
		{name: "missing", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if got := validateToken(req, "secret"); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
	if !validateToken(httptest.NewRequest(http.MethodGet, "/", nil), "") {
		t.Fatalf("expected empty token to allow requests")
	}
}

func TestRateLimitMiddlewareRejectsBurst(t *testing.T) {
	limiter := newLimiter(0.5)
	handler := jsonErrorMiddleware(rateLimitMiddleware(limiter, func(w http.ResponseWriter, r *http.Request) *apiError {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if first.Code != http.StatusNoContent {
		t.Fatalf("expected first request through, got %d", first.Code)
	}
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if newLimiter(0) != nil {
		t.Fatalf("expected zero rate to disable limiting")
	}
}
