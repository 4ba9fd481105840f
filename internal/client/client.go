// Package client calls the relay's admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Invitation struct {
	ConnectionID  string `json:"connection_id"`
	InvitationURL string `json:"invitation_url"`
}

type Connection struct {
	ConnectionID  string    `json:"connection_id"`
	Role          string    `json:"role"`
	State         string    `json:"state"`
	Peer          string    `json:"peer"`
	TheirLabel    string    `json:"their_label,omitempty"`
	TheirEndpoint string    `json:"their_endpoint,omitempty"`
	Error         string    `json:"error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Mediation struct {
	MediationID  string    `json:"mediation_id"`
	ConnectionID string    `json:"connection_id"`
	Role         string    `json:"role"`
	State        string    `json:"state"`
	Endpoint     string    `json:"endpoint,omitempty"`
	RoutingKeys  []string  `json:"routing_keys"`
	Error        string    `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

func IssueInvitation(ctx context.Context, client *http.Client, baseURL, token string) (Invitation, error) {
	var invitation Invitation
	err := doJSON(ctx, client, http.MethodPost, baseURL, "/api/invitations", token, nil, &invitation)
	return invitation, err
}

func ReceiveInvitation(ctx context.Context, client *http.Client, baseURL, token, invitationURL string) (Connection, error) {
	invitationURL = strings.TrimSpace(invitationURL)
	if invitationURL == "" {
		return Connection{}, errors.New("invitation URL is required")
	}
	var conn Connection
	body := map[string]string{"invitation_url": invitationURL}
	err := doJSON(ctx, client, http.MethodPost, baseURL, "/api/invitations/receive", token, body, &conn)
	return conn, err
}

func ListConnections(ctx context.Context, client *http.Client, baseURL, token string) ([]Connection, error) {
	var conns []Connection
	err := doJSON(ctx, client, http.MethodGet, baseURL, "/api/connections", token, nil, &conns)
	return conns, err
}

func GetConnection(ctx context.Context, client *http.Client, baseURL, token, id string) (Connection, error) {
	var conn Connection
	path, err := idPath("/api/connections/", id)
	if err != nil {
		return conn, err
	}
	err = doJSON(ctx, client, http.MethodGet, baseURL, path, token, nil, &conn)
	return conn, err
}

// RequestMediation asks the relay to request mediation on connectionID,
// or on the mediator connection when it is empty.
func RequestMediation(ctx context.Context, client *http.Client, baseURL, token, connectionID string) (Mediation, error) {
	var record Mediation
	body := map[string]string{}
	if id := strings.TrimSpace(connectionID); id != "" {
		body["connection_id"] = id
	}
	err := doJSON(ctx, client, http.MethodPost, baseURL, "/api/mediations", token, body, &record)
	return record, err
}

func ListMediations(ctx context.Context, client *http.Client, baseURL, token string) ([]Mediation, error) {
	var records []Mediation
	err := doJSON(ctx, client, http.MethodGet, baseURL, "/api/mediations", token, nil, &records)
	return records, err
}

func GetMediation(ctx context.Context, client *http.Client, baseURL, token, id string) (Mediation, error) {
	var record Mediation
	path, err := idPath("/api/mediations/", id)
	if err != nil {
		return record, err
	}
	err = doJSON(ctx, client, http.MethodGet, baseURL, path, token, nil, &record)
	return record, err
}

// FetchStatus returns the status document as served, for printing.
func FetchStatus(ctx context.Context, client *http.Client, baseURL, token string) (json.RawMessage, error) {
	var status json.RawMessage
	err := doJSON(ctx, client, http.MethodGet, baseURL, "/api/status", token, nil, &status)
	return status, err
}

func doJSON(ctx context.Context, client *http.Client, method, baseURL, path, token string, body, out any) error {
	client = ensureClient(client)
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return errors.New("base URL is required")
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request failed: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	addToken(request, token)

	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return readError(response)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func idPath(prefix, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("id is required")
	}
	return prefix + url.PathEscape(id), nil
}

func ensureClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return http.DefaultClient
}

func addToken(request *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	request.Header.Set("Authorization", "Bearer "+token)
}

func readError(response *http.Response) *HTTPError {
	httpErr := &HTTPError{StatusCode: response.StatusCode, Message: response.Status}
	body, _ := io.ReadAll(response.Body)
	text := strings.TrimSpace(string(body))
	if text == "" {
		return httpErr
	}
	httpErr.Message = text
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if strings.TrimSpace(payload.Error) != "" {
			httpErr.Message = payload.Error
		}
		httpErr.Code = payload.Code
	}
	return httpErr
}
