package didcomm

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const didKeyPrefix = "did:key:z"

// multicodec varint for ed25519-pub.
var ed25519Multicodec = []byte{0xed, 0x01}

var ErrInvalidKey = errors.New("invalid key")

func EncodeVerkey(key ed25519.PublicKey) string {
	return base58.Encode(key)
}

func DecodeVerkey(verkey string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(verkey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: verkey is %d bytes", ErrInvalidKey, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

func VerkeyToDIDKey(verkey string) (string, error) {
	raw, err := DecodeVerkey(verkey)
	if err != nil {
		return "", err
	}
	prefixed := append(append([]byte{}, ed25519Multicodec...), raw...)
	return didKeyPrefix + base58.Encode(prefixed), nil
}

func DIDKeyToVerkey(didKey string) (string, error) {
	if !strings.HasPrefix(didKey, didKeyPrefix) {
		return "", fmt.Errorf("%w: not a base58 did:key %q", ErrInvalidKey, didKey)
	}
	// Keys may carry a fragment (did:key:z...#z...).
	body := strings.TrimPrefix(didKey, didKeyPrefix)
	if idx := strings.Index(body, "#"); idx >= 0 {
		body = body[:idx]
	}
	raw, err := base58.Decode(body)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize ||
		raw[0] != ed25519Multicodec[0] || raw[1] != ed25519Multicodec[1] {
		return "", fmt.Errorf("%w: did:key is not ed25519", ErrInvalidKey)
	}
	return base58.Encode(raw[len(ed25519Multicodec):]), nil
}

// NormalizeVerkey returns a base58 verkey for either form.
func NormalizeVerkey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "did:key:") {
		return DIDKeyToVerkey(key)
	}
	if _, err := DecodeVerkey(key); err != nil {
		return "", err
	}
	return key, nil
}

// NormalizeDIDKey returns the did:key form for either form.
func NormalizeDIDKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if strings.HasPrefix(key, "did:key:") {
		if _, err := DIDKeyToVerkey(key); err != nil {
			return "", err
		}
		return key, nil
	}
	return VerkeyToDIDKey(key)
}

// DIDFromVerkey derives the unqualified peer DID used by connections/1.0:
// base58 of the first 16 bytes of the verkey.
func DIDFromVerkey(verkey string) (string, error) {
	raw, err := DecodeVerkey(verkey)
	if err != nil {
		return "", err
	}
	return base58.Encode(raw[:16]), nil
}
