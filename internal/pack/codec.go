// Package pack implements DIDComm v1 envelopes (authcrypt and anoncrypt)
// and the key ring holding the relay's ed25519 keys.
package pack

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"edgerelay/internal/didcomm"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"
)

const (
	algAuthcrypt = "Authcrypt"
	algAnoncrypt = "Anoncrypt"
	encXChaCha   = "xchacha20poly1305_ietf"
	typJWM       = "JWM/1.0"

	MediaTypeEnvelope = "application/didcomm-envelope-enc"
	MediaTypeLegacy   = "application/ssi-agent-wire"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrNoRecipient       = errors.New("no recipient key held for envelope")
	ErrDecrypt           = errors.New("envelope decryption failed")
)

// Codec packs plaintext messages into envelopes and back.
type Codec interface {
	// Pack encrypts payload for recipientKeys. An empty senderKey produces
	// an anoncrypt envelope.
	Pack(ctx context.Context, payload []byte, recipientKeys []string, senderKey string) ([]byte, error)
	Unpack(ctx context.Context, envelope []byte) (Unpacked, error)
}

type Unpacked struct {
	Message      []byte
	RecipientKey string
	// SenderKey is empty for anoncrypt envelopes.
	SenderKey string
}

// KeySource resolves the private half of a verkey the relay owns.
type KeySource interface {
	PrivateKey(ctx context.Context, verkey string) (ed25519.PrivateKey, error)
}

type envelope struct {
	Protected  string `json:"protected"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

type protectedHeader struct {
	Enc        string      `json:"enc"`
	Typ        string      `json:"typ"`
	Alg        string      `json:"alg"`
	Recipients []recipient `json:"recipients"`
}

type recipient struct {
	EncryptedKey string          `json:"encrypted_key"`
	Header       recipientHeader `json:"header"`
}

type recipientHeader struct {
	Kid    string `json:"kid"`
	Sender string `json:"sender,omitempty"`
	IV     string `json:"iv,omitempty"`
}

type V1Codec struct {
	keys KeySource
}

func NewV1Codec(keys KeySource) *V1Codec {
	return &V1Codec{keys: keys}
}

func (c *V1Codec) Pack(ctx context.Context, payload []byte, recipientKeys []string, senderKey string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("pack: no recipient keys")
	}
	cek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(cek); err != nil {
		return nil, err
	}

	header := protectedHeader{Enc: encXChaCha, Typ: typJWM, Alg: algAnoncrypt}
	var senderPrivate *[32]byte
	if senderKey != "" {
		header.Alg = algAuthcrypt
		private, err := c.keys.PrivateKey(ctx, senderKey)
		if err != nil {
			return nil, fmt.Errorf("pack: sender key: %w", err)
		}
		senderPrivate = privateToX25519(private)
	}

	for _, key := range recipientKeys {
		verkey, err := didcomm.NormalizeVerkey(key)
		if err != nil {
			return nil, fmt.Errorf("pack: recipient: %w", err)
		}
		recipientPublic, err := verkeyToX25519(verkey)
		if err != nil {
			return nil, fmt.Errorf("pack: recipient: %w", err)
		}
		entry := recipient{Header: recipientHeader{Kid: verkey}}
		if senderPrivate == nil {
			sealed, err := box.SealAnonymous(nil, cek, recipientPublic, rand.Reader)
			if err != nil {
				return nil, err
			}
			entry.EncryptedKey = encode(sealed)
		} else {
			var nonce [24]byte
			if _, err := rand.Read(nonce[:]); err != nil {
				return nil, err
			}
			sealedKey := box.Seal(nil, cek, &nonce, recipientPublic, senderPrivate)
			sealedSender, err := box.SealAnonymous(nil, []byte(senderKey), recipientPublic, rand.Reader)
			if err != nil {
				return nil, err
			}
			entry.EncryptedKey = encode(sealedKey)
			entry.Header.Sender = encode(sealedSender)
			entry.Header.IV = encode(nonce[:])
		}
		header.Recipients = append(header.Recipients, entry)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	protected := encode(headerJSON)

	aead, err := chacha20poly1305.NewX(cek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, payload, []byte(protected))
	split := len(sealed) - aead.Overhead()
	return json.Marshal(envelope{
		Protected:  protected,
		IV:         encode(nonce),
		Ciphertext: encode(sealed[:split]),
		Tag:        encode(sealed[split:]),
	})
}

func (c *V1Codec) Unpack(ctx context.Context, raw []byte) (Unpacked, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Unpacked{}, fmt.Errorf("%w: %w", ErrMalformedEnvelope, err)
	}
	if env.Protected == "" || env.Ciphertext == "" {
		return Unpacked{}, fmt.Errorf("%w: missing protected or ciphertext", ErrMalformedEnvelope)
	}
	headerJSON, err := decode(env.Protected)
	if err != nil {
		return Unpacked{}, fmt.Errorf("%w: protected: %w", ErrMalformedEnvelope, err)
	}
	var header protectedHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Unpacked{}, fmt.Errorf("%w: protected: %w", ErrMalformedEnvelope, err)
	}
	if header.Enc != encXChaCha {
		return Unpacked{}, fmt.Errorf("%w: unsupported enc %q", ErrMalformedEnvelope, header.Enc)
	}

	var (
		chosen  recipient
		private ed25519.PrivateKey
	)
	for _, candidate := range header.Recipients {
		key, err := c.keys.PrivateKey(ctx, candidate.Header.Kid)
		if err == nil {
			chosen, private = candidate, key
			break
		}
		if !errors.Is(err, ErrUnknownKey) {
			return Unpacked{}, err
		}
	}
	if private == nil {
		return Unpacked{}, ErrNoRecipient
	}

	ourPublic, err := publicToX25519(private.Public().(ed25519.PublicKey))
	if err != nil {
		return Unpacked{}, err
	}
	ourPrivate := privateToX25519(private)
	encryptedKey, err := decode(chosen.EncryptedKey)
	if err != nil {
		return Unpacked{}, fmt.Errorf("%w: encrypted_key: %w", ErrMalformedEnvelope, err)
	}

	result := Unpacked{RecipientKey: chosen.Header.Kid}
	var cek []byte
	switch header.Alg {
	case algAnoncrypt:
		opened, ok := box.OpenAnonymous(nil, encryptedKey, ourPublic, ourPrivate)
		if !ok {
			return Unpacked{}, fmt.Errorf("%w: content key", ErrDecrypt)
		}
		cek = opened
	case algAuthcrypt:
		sealedSender, err := decode(chosen.Header.Sender)
		if err != nil {
			return Unpacked{}, fmt.Errorf("%w: sender: %w", ErrMalformedEnvelope, err)
		}
		sender, ok := box.OpenAnonymous(nil, sealedSender, ourPublic, ourPrivate)
		if !ok {
			return Unpacked{}, fmt.Errorf("%w: sender", ErrDecrypt)
		}
		senderPublic, err := verkeyToX25519(string(sender))
		if err != nil {
			return Unpacked{}, fmt.Errorf("%w: sender: %w", ErrMalformedEnvelope, err)
		}
		nonceBytes, err := decode(chosen.Header.IV)
		if err != nil || len(nonceBytes) != 24 {
			return Unpacked{}, fmt.Errorf("%w: recipient iv", ErrMalformedEnvelope)
		}
		var nonce [24]byte
		copy(nonce[:], nonceBytes)
		opened, ok := box.Open(nil, encryptedKey, &nonce, senderPublic, ourPrivate)
		if !ok {
			return Unpacked{}, fmt.Errorf("%w: content key", ErrDecrypt)
		}
		cek = opened
		result.SenderKey = string(sender)
	default:
		return Unpacked{}, fmt.Errorf("%w: unsupported alg %q", ErrMalformedEnvelope, header.Alg)
	}

	aead, err := chacha20poly1305.NewX(cek)
	if err != nil {
		return Unpacked{}, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	nonce, err := decode(env.IV)
	if err != nil || len(nonce) != aead.NonceSize() {
		return Unpacked{}, fmt.Errorf("%w: iv", ErrMalformedEnvelope)
	}
	ciphertext, err := decode(env.Ciphertext)
	if err != nil {
		return Unpacked{}, fmt.Errorf("%w: ciphertext: %w", ErrMalformedEnvelope, err)
	}
	tag, err := decode(env.Tag)
	if err != nil {
		return Unpacked{}, fmt.Errorf("%w: tag: %w", ErrMalformedEnvelope, err)
	}
	plaintext, err := aead.Open(nil, nonce, append(ciphertext, tag...), []byte(env.Protected))
	if err != nil {
		return Unpacked{}, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	result.Message = plaintext
	return result, nil
}

// IsEnvelope reports whether raw looks like a packed envelope rather than a
// plaintext message.
func IsEnvelope(raw []byte) bool {
	var probe struct {
		Protected  *string `json:"protected"`
		Ciphertext *string `json:"ciphertext"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Protected != nil && probe.Ciphertext != nil
}

func encode(value []byte) string {
	return base64.URLEncoding.EncodeToString(value)
}

func decode(value string) ([]byte, error) {
	value = strings.TrimRight(value, "=")
	return base64.RawURLEncoding.DecodeString(value)
}
