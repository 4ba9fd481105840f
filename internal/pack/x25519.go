package pack

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"

	"edgerelay/internal/didcomm"

	"filippo.io/edwards25519"
)

func verkeyToX25519(verkey string) (*[32]byte, error) {
	public, err := didcomm.DecodeVerkey(verkey)
	if err != nil {
		return nil, err
	}
	return publicToX25519(public)
}

// publicToX25519 maps an ed25519 point to its Montgomery u-coordinate.
func publicToX25519(public ed25519.PublicKey) (*[32]byte, error) {
	point, err := new(edwards25519.Point).SetBytes(public)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", didcomm.ErrInvalidKey, err)
	}
	var out [32]byte
	copy(out[:], point.BytesMontgomery())
	return &out, nil
}

// privateToX25519 derives the clamped scalar ed25519 signs with.
func privateToX25519(private ed25519.PrivateKey) *[32]byte {
	digest := sha512.Sum512(private.Seed())
	digest[0] &= 248
	digest[31] &= 127
	digest[31] |= 64
	var out [32]byte
	copy(out[:], digest[:32])
	return &out
}
