package api

import (
	"bytes"
	"net/http"
	"sort"
	"strings"

	"edgerelay/internal/schema"
)

func (h *RestHandler) requireRelay() *apiError {
	if h.Relay == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "relay unavailable"}
	}
	return nil
}

func (h *RestHandler) requireLogger() *apiError {
	if h.Logger == nil || h.Logger.Buffer() == nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "log buffer unavailable"}
	}
	return nil
}

// handleInvitations issues the invitation the local agent connects with.
func (h *RestHandler) handleInvitations(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireRelay(); err != nil {
		return err
	}
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, "POST")
	}

	record, invitationURL, err := h.Relay.IssueAgentInvitation(r.Context())
	if err != nil {
		return errorFor(err, "failed to create invitation")
	}
	writeJSON(w, http.StatusCreated, invitationResponse{
		ConnectionID:  record.ConnectionID,
		InvitationURL: invitationURL,
	})
	return nil
}

// handleReceiveInvitation connects to the external mediator.
func (h *RestHandler) handleReceiveInvitation(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireRelay(); err != nil {
		return err
	}
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, "POST")
	}

	var request receiveInvitationRequest
	if err := decodeJSON(r, schemaReceiveInvitation, &request); err != nil {
		return err
	}
	record, err := h.Relay.ReceiveMediatorInvitation(r.Context(), strings.TrimSpace(request.InvitationURL))
	if err != nil {
		return errorFor(err, "failed to receive invitation")
	}
	writeJSON(w, http.StatusAccepted, summarizeConnection(record))
	return nil
}

func (h *RestHandler) handleConnections(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireRelay(); err != nil {
		return err
	}
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}

	records, err := h.Relay.Connections().List(r.Context())
	if err != nil {
		return errorFor(err, "failed to list connections")
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	response := make([]connectionSummary, 0, len(records))
	for _, record := range records {
		response = append(response, summarizeConnection(record))
	}
	writeJSON(w, http.StatusOK, response)
	return nil
}

func (h *RestHandler) handleConnection(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireRelay(); err != nil {
		return err
	}
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	id, apiErr := pathID(r.URL.Path, "/api/connections/")
	if apiErr != nil {
		return apiErr
	}

	record, err := h.Relay.Connections().Get(r.Context(), id)
	if err != nil {
		return errorFor(err, "failed to load connection")
	}
	writeJSON(w, http.StatusOK, summarizeConnection(record))
	return nil
}

func (h *RestHandler) handleMediations(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireRelay(); err != nil {
		return err
	}
	switch r.Method {
	case http.MethodGet:
		return h.listMediations(w, r)
	case http.MethodPost:
		return h.requestMediation(w, r)
	default:
		return methodNotAllowed(w, "GET, POST")
	}
}

func (h *RestHandler) listMediations(w http.ResponseWriter, r *http.Request) *apiError {
	records, err := h.Relay.Mediations().List(r.Context())
	if err != nil {
		return errorFor(err, "failed to list mediations")
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	response := make([]mediationSummary, 0, len(records))
	for _, record := range records {
		response = append(response, summarizeMediation(record))
	}
	writeJSON(w, http.StatusOK, response)
	return nil
}

// requestMediation asks the mediator connection for mediation. The record
// comes back requested; the grant arrives asynchronously.
func (h *RestHandler) requestMediation(w http.ResponseWriter, r *http.Request) *apiError {
	var request requestMediationRequest
	if err := decodeJSON(r, schemaRequestMediation, &request); err != nil {
		return err
	}
	record, err := h.Relay.RequestMediation(r.Context(), strings.TrimSpace(request.ConnectionID))
	if err != nil {
		return errorFor(err, "failed to request mediation")
	}
	writeJSON(w, http.StatusAccepted, summarizeMediation(record))
	return nil
}

func (h *RestHandler) handleMediation(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireRelay(); err != nil {
		return err
	}
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	id, apiErr := pathID(r.URL.Path, "/api/mediations/")
	if apiErr != nil {
		return apiErr
	}

	record, err := h.Relay.Mediations().Get(r.Context(), id)
	if err != nil {
		return errorFor(err, "failed to load mediation")
	}
	writeJSON(w, http.StatusOK, summarizeMediation(record))
	return nil
}

func (h *RestHandler) handleSchemas(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	writeJSON(w, http.StatusOK, schema.Names())
	return nil
}

func (h *RestHandler) handleSchema(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	name, apiErr := pathID(r.URL.Path, "/api/schemas/")
	if apiErr != nil {
		return apiErr
	}
	resolved, err := schema.Resolve(name)
	if err != nil {
		return &apiError{Status: http.StatusNotFound, Message: err.Error()}
	}
	writeJSON(w, http.StatusOK, resolved)
	return nil
}

func (h *RestHandler) handleMetrics(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	var buffer bytes.Buffer
	if err := h.Metrics.WritePrometheus(&buffer); err != nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "failed to render metrics"}
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buffer.Bytes())
	return nil
}

func pathID(path, prefix string) (string, *apiError) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(path, prefix), "/")
	if trimmed == "" || trimmed == path || strings.Contains(trimmed, "/") {
		return "", &apiError{Status: http.StatusBadRequest, Message: "missing id"}
	}
	return trimmed, nil
}
