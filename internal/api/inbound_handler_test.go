package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"edgerelay/internal/pack"
)

func TestReplyMediaTypeMirrorsLegacyAgents(t *testing.T) {
	cases := map[string]string{
		"":                                  pack.MediaTypeEnvelope,
		pack.MediaTypeEnvelope:              pack.MediaTypeEnvelope,
		pack.MediaTypeLegacy:                pack.MediaTypeLegacy,
		pack.MediaTypeLegacy + ";charset=x": pack.MediaTypeLegacy,
		"application/json":                  pack.MediaTypeEnvelope,
	}
	for contentType, want := range cases {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if got := replyMediaType(req); got != want {
			t.Fatalf("content type %q: expected %q, got %q", contentType, want, got)
		}
	}
}

func TestInboundHealthAndMethods(t *testing.T) {
	handler := &InboundHandler{}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "edgerelay ok\n" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}")))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without relay, got %d", rec.Code)
	}
}
