package api

import (
	"net/http"
	"time"

	"edgerelay/internal/version"
)

func (h *RestHandler) handleStatus(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireRelay(); err != nil {
		return err
	}
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}

	status, err := h.Relay.Status(r.Context())
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("status unavailable", map[string]string{"error": err.Error()})
		}
		return errorFor(err, "failed to load status")
	}
	ids, err := h.Relay.Identifiers().All(r.Context())
	if err != nil {
		return errorFor(err, "failed to load identifiers")
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:      status,
		Identifiers: ids,
		Version:     version.GetVersionInfo(),
		ServerTime:  time.Now().UTC(),
	})
	return nil
}
