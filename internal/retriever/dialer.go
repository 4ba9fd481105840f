package retriever

import (
	"context"

	"edgerelay/internal/transport"
)

// WebSocketDialer adapts the websocket transport to Dialer.
type WebSocketDialer struct {
	dialer *transport.WSDialer
}

func NewWebSocketDialer(dialer *transport.WSDialer) WebSocketDialer {
	return WebSocketDialer{dialer: dialer}
}

func (d WebSocketDialer) Dial(ctx context.Context, endpoint string) (Session, error) {
	conn, err := d.dialer.Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
