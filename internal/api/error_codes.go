package api

import (
	"errors"
	"net/http"

	"edgerelay/internal/connection"
	"edgerelay/internal/didcomm"
	"edgerelay/internal/mediation"
	"edgerelay/internal/relay"
	"edgerelay/internal/store"
)

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		if status >= http.StatusInternalServerError {
			return "internal_error"
		}
	}
	return ""
}

// errorFor maps a relay operation failure to its HTTP shape. Problem
// report codes are passed through as the error code.
func errorFor(err error, fallback string) *apiError {
	if err == nil {
		return nil
	}
	if reportable, ok := didcomm.AsReportable(err); ok {
		return &apiError{Status: http.StatusConflict, Message: reportable.Error(), Code: reportable.Code}
	}
	switch {
	case errors.Is(err, connection.ErrNotFound), errors.Is(err, mediation.ErrNotFound):
		return &apiError{Status: http.StatusNotFound, Message: err.Error()}
	case errors.Is(err, didcomm.ErrInvalidInvitation), errors.Is(err, didcomm.ErrMalformedMessage),
		errors.Is(err, didcomm.ErrInvalidKey):
		return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	case errors.Is(err, connection.ErrInvitationReplayed):
		return &apiError{Status: http.StatusConflict, Message: err.Error(), Code: "invitation_replayed"}
	case errors.Is(err, connection.ErrPeerConnected):
		return &apiError{Status: http.StatusConflict, Message: err.Error(), Code: "peer_connected"}
	case errors.Is(err, mediation.ErrConnectionNotActive), errors.Is(err, relay.ErrMediatorNotConnected),
		errors.Is(err, connection.ErrIllegalTransition), errors.Is(err, mediation.ErrIllegalTransition):
		return &apiError{Status: http.StatusConflict, Message: err.Error()}
	case errors.Is(err, store.ErrUnavailable):
		return &apiError{Status: http.StatusServiceUnavailable, Message: err.Error()}
	}
	return &apiError{Status: http.StatusInternalServerError, Message: fallback}
}
