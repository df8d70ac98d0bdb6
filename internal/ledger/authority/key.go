package authority

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jmerrifield20/eventledger/internal/ledger/canon"
	"github.com/jmerrifield20/eventledger/internal/ledger/model"
)

// Key is a named Ed25519 signing key.
type Key struct {
	ID      string
	Private ed25519.PrivateKey
}

// GenerateKey creates a fresh random key with the given id.
func GenerateKey(id string) (Key, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Key{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return Key{ID: id, Private: priv}, nil
}

// ParseKey decodes a base64 private key. Both the 32-byte seed and the 64-byte
// expanded form are accepted.
func ParseKey(id, b64 string) (Key, error) {
	if id == "" {
		return Key{}, fmt.Errorf("signing key id is required")
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return Key{}, fmt.Errorf("decode signing key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return Key{ID: id, Private: ed25519.NewKeyFromSeed(raw)}, nil
	case ed25519.PrivateKeySize:
		return Key{ID: id, Private: ed25519.PrivateKey(raw)}, nil
	}
	return Key{}, fmt.Errorf("signing key must be %d or %d bytes, got %d",
		ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
}

// Public returns the verification half of k.
func (k Key) Public() ed25519.PublicKey {
	return k.Private.Public().(ed25519.PublicKey)
}

// EncodeSeed returns the base64 seed form accepted by ParseKey.
func (k Key) EncodeSeed() string {
	return base64.StdEncoding.EncodeToString(k.Private.Seed())
}

// Sign canonicalizes a persisted row and signs the canonical bytes.
func (k Key) Sign(e *model.Event, at time.Time) (*model.ReceiptSignature, error) {
	if !e.Persisted() {
		return nil, fmt.Errorf("sign: row has no ledger id")
	}
	msg, err := canon.Canonicalize(e)
	if err != nil {
		return nil, fmt.Errorf("sign: canonicalize: %w", err)
	}
	return &model.ReceiptSignature{
		LedgerRowID:   e.ID,
		SchemaVersion: canon.ReceiptSchemaVersion,
		CanonAlgo:     canon.Algo,
		CanonicalJSON: string(msg),
		SHA256:        canon.SHA256Hex(msg),
		SignatureB64:  base64.StdEncoding.EncodeToString(ed25519.Sign(k.Private, msg)),
		KeyID:         k.ID,
		SignedAt:      at.UTC(),
	}, nil
}

func encodePublic(k Key) string {
	return base64.StdEncoding.EncodeToString(k.Public())
}
