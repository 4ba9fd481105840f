package didcomm

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidSignature = errors.New("invalid signature")

// SignedField is the ed25519Sha512_single field signature: sig_data is an
// 8 byte big-endian timestamp followed by the JSON value.
type SignedField struct {
	Type      string `json:"@type"`
	Signature string `json:"signature"`
	SigData   string `json:"sig_data"`
	Signer    string `json:"signer"`
}

func SignField(value any, key ed25519.PrivateKey, now time.Time) (SignedField, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return SignedField{}, err
	}
	data := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint64(data, uint64(now.Unix()))
	data = append(data, payload...)
	signature := ed25519.Sign(key, data)
	return SignedField{
		Type:      FullType(TypeSignature),
		Signature: base64.URLEncoding.EncodeToString(signature),
		SigData:   base64.URLEncoding.EncodeToString(data),
		Signer:    EncodeVerkey(key.Public().(ed25519.PublicKey)),
	}, nil
}

// Verify checks the signature against the embedded signer and returns the
// signer verkey and the signed JSON.
func (f SignedField) Verify() (string, []byte, error) {
	if short, err := NormalizeType(f.Type); err != nil || short != TypeSignature {
		return "", nil, fmt.Errorf("%w: unsupported signature type %q", ErrInvalidSignature, f.Type)
	}
	signer, err := NormalizeVerkey(f.Signer)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	public, err := DecodeVerkey(signer)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	data, err := decodeBase64(f.SigData)
	if err != nil {
		return "", nil, fmt.Errorf("%w: sig_data: %w", ErrInvalidSignature, err)
	}
	signature, err := decodeBase64(f.Signature)
	if err != nil {
		return "", nil, fmt.Errorf("%w: signature: %w", ErrInvalidSignature, err)
	}
	if len(data) < 8 {
		return "", nil, fmt.Errorf("%w: sig_data too short", ErrInvalidSignature)
	}
	if !ed25519.Verify(public, data, signature) {
		return "", nil, ErrInvalidSignature
	}
	return signer, data[8:], nil
}

// VerifyConnection verifies a connection~sig and decodes the block.
func (f SignedField) VerifyConnection() (string, ConnectionBlock, error) {
	signer, payload, err := f.Verify()
	if err != nil {
		return "", ConnectionBlock{}, err
	}
	var block ConnectionBlock
	if err := json.Unmarshal(payload, &block); err != nil {
		return "", ConnectionBlock{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return signer, block, nil
}
