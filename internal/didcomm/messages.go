package didcomm

import (
	"encoding/json"
	"fmt"
)

const (
	didContext        = "https://w3id.org/did/v1"
	keyTypeEd25519    = "Ed25519VerificationKey2018"
	serviceTypeIndy   = "IndyAgent"
	AckStatusOK       = "OK"
	KeylistActionAdd  = "add"
	KeylistActionDrop = "remove"
	KeylistSuccess    = "success"
)

type PublicKey struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	Controller      string `json:"controller"`
	PublicKeyBase58 string `json:"publicKeyBase58"`
}

type Service struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	RecipientKeys   []string `json:"recipientKeys"`
	RoutingKeys     []string `json:"routingKeys"`
	ServiceEndpoint string   `json:"serviceEndpoint"`
}

type DIDDoc struct {
	Context   string      `json:"@context"`
	ID        string      `json:"id"`
	PublicKey []PublicKey `json:"publicKey"`
	Service   []Service   `json:"service"`
}

// NewDIDDoc builds the single-key, single-service document connections/1.0
// exchanges.
func NewDIDDoc(did, verkey, endpoint string, routingKeys []string) DIDDoc {
	if routingKeys == nil {
		routingKeys = []string{}
	}
	return DIDDoc{
		Context: didContext,
		ID:      did,
		PublicKey: []PublicKey{{
			ID:              did + "#keys-1",
			Type:            keyTypeEd25519,
			Controller:      did,
			PublicKeyBase58: verkey,
		}},
		Service: []Service{{
			ID:              did + ";indy",
			Type:            serviceTypeIndy,
			RecipientKeys:   []string{verkey},
			RoutingKeys:     routingKeys,
			ServiceEndpoint: endpoint,
		}},
	}
}

type ConnectionBlock struct {
	DID    string `json:"DID"`
	DIDDoc DIDDoc `json:"DIDDoc"`
}

// PeerInfo is what one side of a connection learns about the other.
type PeerInfo struct {
	DID         string
	Verkey      string
	Endpoint    string
	RoutingKeys []string
}

// Peer extracts the first service of the document. Keys given as did:key
// are normalized to base58 verkeys.
func (b ConnectionBlock) Peer() (PeerInfo, error) {
	if b.DID == "" {
		return PeerInfo{}, fmt.Errorf("%w: connection DID missing", ErrMalformedMessage)
	}
	if len(b.DIDDoc.Service) == 0 {
		return PeerInfo{}, fmt.Errorf("%w: DIDDoc has no service", ErrMalformedMessage)
	}
	service := b.DIDDoc.Service[0]
	if len(service.RecipientKeys) == 0 {
		return PeerInfo{}, fmt.Errorf("%w: service has no recipient keys", ErrMalformedMessage)
	}
	verkey, err := NormalizeVerkey(service.RecipientKeys[0])
	if err != nil {
		return PeerInfo{}, err
	}
	routing := make([]string, 0, len(service.RoutingKeys))
	for _, key := range service.RoutingKeys {
		normalized, err := NormalizeVerkey(key)
		if err != nil {
			return PeerInfo{}, err
		}
		routing = append(routing, normalized)
	}
	return PeerInfo{
		DID:         b.DID,
		Verkey:      verkey,
		Endpoint:    service.ServiceEndpoint,
		RoutingKeys: routing,
	}, nil
}

type ConnectionRequest struct {
	Header
	Label      string          `json:"label"`
	Connection ConnectionBlock `json:"connection"`
}

func NewConnectionRequest(label string, block ConnectionBlock) ConnectionRequest {
	return ConnectionRequest{
		Header:     NewHeader(TypeConnectionRequest),
		Label:      label,
		Connection: block,
	}
}

type ConnectionResponse struct {
	Header
	ConnectionSig SignedField `json:"connection~sig"`
}

func NewConnectionResponse(request Header, sig SignedField) ConnectionResponse {
	response := ConnectionResponse{
		Header:        NewHeader(TypeConnectionResponse),
		ConnectionSig: sig,
	}
	order := 0
	response.Thread = &Thread{ThreadID: request.ThreadID(), SenderOrder: &order}
	return response
}

type Ping struct {
	Header
	Comment           string `json:"comment,omitempty"`
	ResponseRequested *bool  `json:"response_requested,omitempty"`
}

// NewLivenessPing returns the poll message: no response wanted, but any
// queued messages should come back on the same transport.
func NewLivenessPing() Ping {
	no := false
	ping := Ping{Header: NewHeader(TypePing), ResponseRequested: &no}
	ping.RequestReturnRoute()
	return ping
}

// WantsResponse defaults to true when the field is absent.
func (p Ping) WantsResponse() bool {
	return p.ResponseRequested == nil || *p.ResponseRequested
}

type PingResponse struct {
	Header
	Comment string `json:"comment,omitempty"`
}

func NewPingResponse(ping Header) PingResponse {
	response := PingResponse{Header: NewHeader(TypePingResponse)}
	response.ReplyTo(ping)
	return response
}

type Ack struct {
	Header
	Status string `json:"status"`
}

func NewAck(parent Header) Ack {
	ack := Ack{Header: NewHeader(TypeAck), Status: AckStatusOK}
	ack.ReplyTo(parent)
	return ack
}

type MediateRequest struct {
	Header
}

func NewMediateRequest() MediateRequest {
	request := MediateRequest{Header: NewHeader(TypeMediateRequest)}
	request.RequestReturnRoute()
	return request
}

type MediateGrant struct {
	Header
	Endpoint    string   `json:"endpoint"`
	RoutingKeys []string `json:"routing_keys"`
}

func NewMediateGrant(request Header, endpoint string, routingKeys []string) MediateGrant {
	grant := MediateGrant{
		Header:      NewHeader(TypeMediateGrant),
		Endpoint:    endpoint,
		RoutingKeys: routingKeys,
	}
	grant.ReplyTo(request)
	return grant
}

type MediateDeny struct {
	Header
}

func NewMediateDeny(request Header) MediateDeny {
	deny := MediateDeny{Header: NewHeader(TypeMediateDeny)}
	deny.ReplyTo(request)
	return deny
}

type KeylistUpdateItem struct {
	RecipientKey string `json:"recipient_key"`
	Action       string `json:"action"`
}

type KeylistUpdate struct {
	Header
	Updates []KeylistUpdateItem `json:"updates"`
}

type KeylistUpdated struct {
	RecipientKey string `json:"recipient_key"`
	Action       string `json:"action"`
	Result       string `json:"result"`
}

type KeylistUpdateResponse struct {
	Header
	Updated []KeylistUpdated `json:"updated"`
}

// NewKeylistUpdateResponse reports success for every requested update.
func NewKeylistUpdateResponse(update KeylistUpdate) KeylistUpdateResponse {
	response := KeylistUpdateResponse{
		Header:  NewHeader(TypeKeylistUpdateResponse),
		Updated: make([]KeylistUpdated, 0, len(update.Updates)),
	}
	response.ReplyTo(update.Header)
	for _, item := range update.Updates {
		response.Updated = append(response.Updated, KeylistUpdated{
			RecipientKey: item.RecipientKey,
			Action:       item.Action,
			Result:       KeylistSuccess,
		})
	}
	return response
}

// Forward wraps an already packed envelope for the next hop. Msg is kept
// raw so the inner envelope is relayed byte for byte.
type Forward struct {
	Header
	To  string          `json:"to"`
	Msg json.RawMessage `json:"msg"`
}

func NewForward(to string, envelope []byte) Forward {
	return Forward{
		Header: NewHeader(TypeForward),
		To:     to,
		Msg:    json.RawMessage(envelope),
	}
}
