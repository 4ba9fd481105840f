package api

import (
	"time"

	"edgerelay/internal/connection"
	"edgerelay/internal/logging"
	"edgerelay/internal/mediation"
	"edgerelay/internal/metrics"
	"edgerelay/internal/relay"
	"edgerelay/internal/schema"
	"edgerelay/internal/version"
)

const (
	schemaReceiveInvitation = "receive-invitation-request"
	schemaRequestMediation  = "request-mediation-request"
)

func init() {
	_ = schema.Register(schemaReceiveInvitation, schema.For(&receiveInvitationRequest{}))
	_ = schema.Register(schemaRequestMediation, schema.For(&requestMediationRequest{}))
	_ = schema.Register("connection", schema.For(&connectionSummary{}))
	_ = schema.Register("mediation", schema.For(&mediationSummary{}))
	_ = schema.Register("status", schema.For(&statusResponse{}))
}

type RestHandler struct {
	Relay   *relay.Context
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

type receiveInvitationRequest struct {
	InvitationURL string `json:"invitation_url" jsonschema:"required,minLength=1"`
}

type requestMediationRequest struct {
	ConnectionID string `json:"connection_id,omitempty"`
}

type invitationResponse struct {
	ConnectionID  string `json:"connection_id"`
	InvitationURL string `json:"invitation_url"`
}

type connectionSummary struct {
	ConnectionID  string           `json:"connection_id"`
	Role          connection.Role  `json:"role"`
	State         connection.State `json:"state"`
	Peer          connection.Peer  `json:"peer"`
	TheirLabel    string           `json:"their_label,omitempty"`
	MyVerkey      string           `json:"my_verkey"`
	TheirVerkey   string           `json:"their_verkey,omitempty"`
	TheirEndpoint string           `json:"their_endpoint,omitempty"`
	Error         string           `json:"error,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

type mediationSummary struct {
	MediationID  string          `json:"mediation_id"`
	ConnectionID string          `json:"connection_id"`
	Role         mediation.Role  `json:"role"`
	State        mediation.State `json:"state"`
	Endpoint     string          `json:"endpoint,omitempty"`
	RoutingKeys  []string        `json:"routing_keys"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type statusResponse struct {
	relay.Status
	Identifiers map[string]string   `json:"identifiers"`
	Version     version.VersionInfo `json:"version"`
	ServerTime  time.Time           `json:"server_time"`
}

type logQuery struct {
	Limit int
	Level logging.Level
	Since *time.Time
}

func summarizeConnection(record connection.Record) connectionSummary {
	return connectionSummary{
		ConnectionID:  record.ConnectionID,
		Role:          record.Role,
		State:         record.State,
		Peer:          record.Peer,
		TheirLabel:    record.TheirLabel,
		MyVerkey:      record.MyVerkey,
		TheirVerkey:   record.TheirVerkey,
		TheirEndpoint: record.TheirEndpoint,
		Error:         record.Error,
		CreatedAt:     record.CreatedAt,
		UpdatedAt:     record.UpdatedAt,
	}
}

func summarizeMediation(record mediation.Record) mediationSummary {
	keys := record.RoutingKeys
	if keys == nil {
		keys = []string{}
	}
	return mediationSummary{
		MediationID:  record.MediationID,
		ConnectionID: record.ConnectionID,
		Role:         record.Role,
		State:        record.State,
		Endpoint:     record.Endpoint,
		RoutingKeys:  keys,
		Error:        record.Error,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
	}
}
