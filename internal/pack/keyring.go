package pack

import (
	"context"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"edgerelay/internal/didcomm"
	"edgerelay/internal/store"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	kdfRecordID   = "_kdf"
	keyAlgNone    = "none"
	keyAlgSealed  = "argon2id+xchacha20poly1305"
	checkPlaintxt = "edgerelay-keyring"
)

var (
	ErrUnknownKey      = errors.New("unknown key")
	ErrWrongPassphrase = errors.New("key ring passphrase does not match")
)

// KDFParams are the argon2id settings; they are persisted with the ring so
// later processes derive the same key.
type KDFParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

var DefaultKDFParams = KDFParams{Time: 1, Memory: 64 * 1024, Threads: 4}

type kdfRecord struct {
	Salt   []byte    `json:"salt"`
	Params KDFParams `json:"params"`
	Nonce  []byte    `json:"nonce"`
	Check  []byte    `json:"check"`
}

type keyRecord struct {
	Verkey string `json:"verkey"`
	Alg    string `json:"alg"`
	Nonce  []byte `json:"nonce,omitempty"`
	Secret []byte `json:"secret"`
}

// KeyRing keeps ed25519 signing keys in the record store. With a
// passphrase the seeds are sealed with an argon2id-derived key.
type KeyRing struct {
	store store.Store
	aead  cipher.AEAD
	cache *xsync.Map[string, ed25519.PrivateKey]
}

func NewKeyRing(ctx context.Context, s store.Store, passphrase string) (*KeyRing, error) {
	return NewKeyRingWithParams(ctx, s, passphrase, DefaultKDFParams)
}

func NewKeyRingWithParams(ctx context.Context, s store.Store, passphrase string, params KDFParams) (*KeyRing, error) {
	ring := &KeyRing{
		store: s,
		cache: xsync.NewMap[string, ed25519.PrivateKey](),
	}
	if passphrase == "" {
		return ring, nil
	}
	aead, err := openSealer(ctx, s, passphrase, params)
	if err != nil {
		return nil, err
	}
	ring.aead = aead
	return ring, nil
}

func openSealer(ctx context.Context, s store.Store, passphrase string, params KDFParams) (cipher.AEAD, error) {
	meta, _, err := store.GetJSON[kdfRecord](ctx, s, store.KindKey, kdfRecordID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		meta = kdfRecord{Salt: make([]byte, 16), Params: params}
		if _, err := rand.Read(meta.Salt); err != nil {
			return nil, err
		}
		aead, err := deriveAEAD(passphrase, meta)
		if err != nil {
			return nil, err
		}
		meta.Nonce = make([]byte, aead.NonceSize())
		if _, err := rand.Read(meta.Nonce); err != nil {
			return nil, err
		}
		meta.Check = aead.Seal(nil, meta.Nonce, []byte(checkPlaintxt), nil)
		if _, err := store.PutJSON(ctx, s, store.KindKey, kdfRecordID, meta, 0); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Another process initialized the ring first.
				return openSealer(ctx, s, passphrase, params)
			}
			return nil, err
		}
		return aead, nil
	case err != nil:
		return nil, err
	}
	aead, err := deriveAEAD(passphrase, meta)
	if err != nil {
		return nil, err
	}
	if _, err := aead.Open(nil, meta.Nonce, meta.Check, nil); err != nil {
		return nil, ErrWrongPassphrase
	}
	return aead, nil
}

func deriveAEAD(passphrase string, meta kdfRecord) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), meta.Salt, meta.Params.Time, meta.Params.Memory, meta.Params.Threads, chacha20poly1305.KeySize)
	return chacha20poly1305.NewX(key)
}

// Create generates and persists a new key pair, returning its base58 verkey.
func (r *KeyRing) Create(ctx context.Context) (string, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", err
	}
	verkey := didcomm.EncodeVerkey(public)
	record := keyRecord{Verkey: verkey, Alg: keyAlgNone, Secret: private.Seed()}
	if r.aead != nil {
		record.Alg = keyAlgSealed
		record.Nonce = make([]byte, r.aead.NonceSize())
		if _, err := rand.Read(record.Nonce); err != nil {
			return "", err
		}
		record.Secret = r.aead.Seal(nil, record.Nonce, private.Seed(), []byte(verkey))
	}
	if _, err := store.PutJSON(ctx, r.store, store.KindKey, verkey, record, 0); err != nil {
		return "", fmt.Errorf("persist key: %w", err)
	}
	r.cache.Store(verkey, private)
	return verkey, nil
}

func (r *KeyRing) PrivateKey(ctx context.Context, verkey string) (ed25519.PrivateKey, error) {
	if key, ok := r.cache.Load(verkey); ok {
		return key, nil
	}
	if verkey == "" || verkey == kdfRecordID {
		return nil, ErrUnknownKey
	}
	record, _, err := store.GetJSON[keyRecord](ctx, r.store, store.KindKey, verkey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownKey
	}
	if err != nil {
		return nil, err
	}
	seed := record.Secret
	switch record.Alg {
	case keyAlgNone:
	case keyAlgSealed:
		if r.aead == nil {
			return nil, fmt.Errorf("key %s is sealed and no passphrase is configured: %w", verkey, ErrWrongPassphrase)
		}
		seed, err = r.aead.Open(nil, record.Nonce, record.Secret, []byte(verkey))
		if err != nil {
			return nil, ErrWrongPassphrase
		}
	default:
		return nil, fmt.Errorf("key %s: unsupported alg %q", verkey, record.Alg)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key %s: bad seed length %d", verkey, len(seed))
	}
	private := ed25519.NewKeyFromSeed(seed)
	r.cache.Store(verkey, private)
	return private, nil
}
