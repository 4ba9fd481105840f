// Package transport moves packed DIDComm envelopes between the relay and
// its peers: HTTP POST with return routes, websocket sessions and the
// plaintext forwarding sink toward the local agent.
package transport

import (
	"context"
	"errors"
)

var (
	ErrNoEndpoint     = errors.New("peer has no endpoint")
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Target addresses one outbound message.
type Target struct {
	ConnectionID  string
	RecipientKeys []string
	RoutingKeys   []string
	Endpoint      string
	SenderKey     string
	// ReturnRoute asks the peer to answer on the same transport.
	ReturnRoute bool
}

type Sender interface {
	Send(ctx context.Context, target Target, message any) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, target Target, message any) error

func (f SenderFunc) Send(ctx context.Context, target Target, message any) error {
	return f(ctx, target, message)
}
