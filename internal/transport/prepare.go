package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"edgerelay/internal/didcomm"
	"edgerelay/internal/pack"
)

var ErrNoRecipient = errors.New("target has no recipient keys")

// Marshal serializes message, adding a return route decorator when asked.
func Marshal(message any, returnRoute bool) ([]byte, error) {
	var payload []byte
	switch typed := message.(type) {
	case []byte:
		payload = typed
	case json.RawMessage:
		payload = typed
	default:
		encoded, err := json.Marshal(message)
		if err != nil {
			return nil, fmt.Errorf("marshal message: %w", err)
		}
		payload = encoded
	}
	if !returnRoute {
		return payload, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", didcomm.ErrMalformedMessage, err)
	}
	if _, ok := fields["~transport"]; ok {
		return payload, nil
	}
	decorator, err := json.Marshal(didcomm.Transport{ReturnRoute: didcomm.ReturnRouteAll})
	if err != nil {
		return nil, err
	}
	fields["~transport"] = decorator
	return json.Marshal(fields)
}

// Prepare packs message for target. Each routing key wraps the envelope in
// a forward addressed to the previous hop, so the last routing key is the
// outermost layer.
func Prepare(ctx context.Context, codec pack.Codec, target Target, message any) ([]byte, error) {
	if len(target.RecipientKeys) == 0 {
		return nil, ErrNoRecipient
	}
	payload, err := Marshal(message, target.ReturnRoute)
	if err != nil {
		return nil, err
	}
	envelope, err := codec.Pack(ctx, payload, target.RecipientKeys, target.SenderKey)
	if err != nil {
		return nil, err
	}
	return Wrap(ctx, codec, envelope, target.RecipientKeys[0], target.RoutingKeys)
}

// Wrap layers envelope in anoncrypted forwards, one per routing key.
func Wrap(ctx context.Context, codec pack.Codec, envelope []byte, to string, routingKeys []string) ([]byte, error) {
	for _, routingKey := range routingKeys {
		verkey, err := didcomm.NormalizeVerkey(to)
		if err != nil {
			return nil, err
		}
		forward, err := json.Marshal(didcomm.NewForward(verkey, envelope))
		if err != nil {
			return nil, fmt.Errorf("marshal forward: %w", err)
		}
		envelope, err = codec.Pack(ctx, forward, []string{routingKey}, "")
		if err != nil {
			return nil, err
		}
		to = routingKey
	}
	return envelope, nil
}
