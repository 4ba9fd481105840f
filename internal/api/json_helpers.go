package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"edgerelay/internal/schema"
)

const maxRequestBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, err *apiError) {
	if err == nil {
		return
	}
	code := err.Code
	if code == "" {
		code = errorCodeForStatus(err.Status)
	}
	writeJSON(w, err.Status, errorResponse{
		Message: err.Message,
		Error:   err.Message,
		Code:    code,
	})
}

// decodeJSON checks the body against the schema registered as schemaName
// before decoding it into dst. An empty body decodes as {}.
func decodeJSON(r *http.Request, schemaName string, dst any) *apiError {
	var body []byte
	if r.Body != nil {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
		if err != nil {
			return &apiError{Status: http.StatusBadRequest, Message: "invalid request body"}
		}
		body = raw
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if err := schema.ValidateJSON(schemaName, body); err != nil {
		var validation *schema.ValidationError
		if errors.As(err, &validation) {
			return &apiError{Status: http.StatusBadRequest, Message: validation.Error(), Code: "invalid_request"}
		}
		return &apiError{Status: http.StatusInternalServerError, Message: err.Error()}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: "invalid request body"}
	}
	return nil
}
