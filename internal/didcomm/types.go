// Package didcomm holds the DIDComm v1 message shapes the relay speaks:
// connections, trust ping, coordinate-mediation, routing and problem
// reports, plus invitation URLs, signed fields and did:key helpers.
package didcomm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	PrefixDIDComm = "https://didcomm.org/"
	PrefixLegacy  = "did:sov:BzCbsNYhMrjHiqZDTUASHg;spec/"
)

// Message types without their document prefix.
const (
	TypeInvitation            = "connections/1.0/invitation"
	TypeConnectionRequest     = "connections/1.0/request"
	TypeConnectionResponse    = "connections/1.0/response"
	TypePing                  = "trust_ping/1.0/ping"
	TypePingResponse          = "trust_ping/1.0/ping_response"
	TypeAck                   = "notification/1.0/ack"
	TypeProblemReport         = "notification/1.0/problem-report"
	TypeMediateRequest        = "coordinate-mediation/1.0/mediate-request"
	TypeMediateGrant          = "coordinate-mediation/1.0/mediate-grant"
	TypeMediateDeny           = "coordinate-mediation/1.0/mediate-deny"
	TypeKeylistUpdate         = "coordinate-mediation/1.0/keylist-update"
	TypeKeylistUpdateResponse = "coordinate-mediation/1.0/keylist-update-response"
	TypeForward               = "routing/1.0/forward"
	TypeSignature             = "signature/1.0/ed25519Sha512_single"
)

const ReturnRouteAll = "all"

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownPrefix    = errors.New("unknown message type prefix")
)

type Thread struct {
	ThreadID    string `json:"thid,omitempty"`
	SenderOrder *int   `json:"sender_order,omitempty"`
}

type Transport struct {
	ReturnRoute string `json:"return_route,omitempty"`
}

// Header is the set of decorators every message carries.
type Header struct {
	ID        string     `json:"@id"`
	Type      string     `json:"@type"`
	Thread    *Thread    `json:"~thread,omitempty"`
	Transport *Transport `json:"~transport,omitempty"`
}

func NewHeader(shortType string) Header {
	return Header{
		ID:   uuid.NewString(),
		Type: FullType(shortType),
	}
}

// ShortType strips the document prefix. It returns "" for unknown prefixes.
func (h Header) ShortType() string {
	short, err := NormalizeType(h.Type)
	if err != nil {
		return ""
	}
	return short
}

// ThreadID returns the thread the message belongs to; a message without a
// ~thread decorator starts its own thread.
func (h Header) ThreadID() string {
	if h.Thread != nil && h.Thread.ThreadID != "" {
		return h.Thread.ThreadID
	}
	return h.ID
}

func (h Header) WantsReturnRoute() bool {
	return h.Transport != nil && h.Transport.ReturnRoute == ReturnRouteAll
}

// ReplyTo threads h onto parent.
func (h *Header) ReplyTo(parent Header) {
	h.Thread = &Thread{ThreadID: parent.ThreadID()}
}

func (h *Header) RequestReturnRoute() {
	h.Transport = &Transport{ReturnRoute: ReturnRouteAll}
}

func FullType(shortType string) string {
	return PrefixDIDComm + shortType
}

// NormalizeType accepts both the https://didcomm.org/ and the legacy
// did:sov prefixes.
func NormalizeType(messageType string) (string, error) {
	switch {
	case strings.HasPrefix(messageType, PrefixDIDComm):
		return strings.TrimPrefix(messageType, PrefixDIDComm), nil
	case strings.HasPrefix(messageType, PrefixLegacy):
		return strings.TrimPrefix(messageType, PrefixLegacy), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPrefix, messageType)
	}
}

// ParseHeader reads the decorators of a plaintext message and returns its
// normalized type.
func ParseHeader(raw []byte) (Header, string, error) {
	var header Header
	if err := json.Unmarshal(raw, &header); err != nil {
		return Header{}, "", fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if header.Type == "" {
		return Header{}, "", fmt.Errorf("%w: missing @type", ErrMalformedMessage)
	}
	short, err := NormalizeType(header.Type)
	if err != nil {
		return Header{}, "", err
	}
	return header, short, nil
}

func Decode[T any](raw []byte) (T, error) {
	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return value, nil
}
