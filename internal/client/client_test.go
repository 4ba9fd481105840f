package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestReceiveInvitationPostsURL(t *testing.T) {
	requireLocalListener(t)
	var gotAuth string
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/invitations/receive" {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"connection_id":"c1","role":"invitee","state":"requested","peer":"mediator"}`)
	}))
	t.Cleanup(server.Close)

	conn, err := ReceiveInvitation(context.Background(), server.Client(), server.URL+"/", "token", " https://mediator?c_i=abc ")
	if err != nil {
		t.Fatalf("receive invitation: %v", err)
	}
	if gotAuth != "Bearer token" {
		t.Fatalf("expected auth header, got %q", gotAuth)
	}
	if gotBody["invitation_url"] != "https://mediator?c_i=abc" {
		t.Fatalf("unexpected body %v", gotBody)
	}
	if conn.ConnectionID != "c1" || conn.State != "requested" || conn.Peer != "mediator" {
		t.Fatalf("unexpected connection %+v", conn)
	}
}

func TestRequestMediationOmitsEmptyConnection(t *testing.T) {
	requireLocalListener(t)
	var raw string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		raw = string(body)
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"mediation_id":"m1","state":"requested","routing_keys":[]}`)
	}))
	t.Cleanup(server.Close)

	record, err := RequestMediation(context.Background(), server.Client(), server.URL, "", "")
	if err != nil {
		t.Fatalf("request mediation: %v", err)
	}
	if raw != "{}" {
		t.Fatalf("expected empty object body, got %q", raw)
	}
	if record.MediationID != "m1" || record.State != "requested" {
		t.Fatalf("unexpected mediation %+v", record)
	}
}

func TestHTTPErrorCarriesCode(t *testing.T) {
	requireLocalListener(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"error":"mediation request already pending","code":"request-already-pending"}`)
	}))
	t.Cleanup(server.Close)

	_, err := RequestMediation(context.Background(), server.Client(), server.URL, "", "c1")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusConflict || httpErr.Code != "request-already-pending" {
		t.Fatalf("unexpected error %+v", httpErr)
	}
	if httpErr.Message != "mediation request already pending" {
		t.Fatalf("expected message from body, got %q", httpErr.Message)
	}
}

func TestPlainTextErrorKeepsBody(t *testing.T) {
	requireLocalListener(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
	}))
	t.Cleanup(server.Close)

	_, err := ListConnections(context.Background(), server.Client(), server.URL, "")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Message != "upstream down" {
		t.Fatalf("expected plain text message, got %v", err)
	}
}

func TestGetRequiresID(t *testing.T) {
	if _, err := GetConnection(context.Background(), nil, "http://relay", "", " "); err == nil {
		t.Fatalf("expected missing id error")
	}
	if _, err := FetchStatus(context.Background(), nil, "", ""); err == nil {
		t.Fatalf("expected missing base URL error")
	}
}

func requireLocalListener(t *testing.T) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skip("local listener unavailable for httptest")
	}
	_ = listener.Close()
}
