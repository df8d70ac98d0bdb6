package verify

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sort"
)

// Build-time override for the primary signing key. Set with
//
//	go build -ldflags "-X github.com/jmerrifield20/eventledger/internal/ledger/verify.PrimaryKeyID=k2 \
//	  -X github.com/jmerrifield20/eventledger/internal/ledger/verify.PrimaryPublicKeyB64=..."
var (
	PrimaryKeyID        string
	PrimaryPublicKeyB64 string
)

// KeyTable maps a key id to its Ed25519 public key. Several ids may be live at
// once while a signing key is being rotated.
type KeyTable map[string]ed25519.PublicKey

// ParseKeyTable decodes a keyId -> base64(public key) map. Standard and
// URL-safe alphabets are accepted, padded or not.
func ParseKeyTable(raw map[string]string) (KeyTable, error) {
	out := make(KeyTable, len(raw))
	for id, b64 := range raw {
		if id == "" {
			return nil, fmt.Errorf("key table: empty key id")
		}
		pub, err := DecodePublicKey(b64)
		if err != nil {
			return nil, fmt.Errorf("key table: %s: %w", id, err)
		}
		out[id] = pub
	}
	return out, nil
}

// DefaultKeyTable returns configured merged with the build-time primary key,
// which wins on an id collision. A malformed build-time key is an error.
func DefaultKeyTable(configured KeyTable) (KeyTable, error) {
	out := make(KeyTable, len(configured)+1)
	for id, pub := range configured {
		out[id] = pub
	}
	if PrimaryKeyID == "" || PrimaryPublicKeyB64 == "" {
		return out, nil
	}
	pub, err := DecodePublicKey(PrimaryPublicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("primary key %s: %w", PrimaryKeyID, err)
	}
	out[PrimaryKeyID] = pub
	return out, nil
}

// Encode renders the table in its distribution form.
func (t KeyTable) Encode() map[string]string {
	out := make(map[string]string, len(t))
	for id, pub := range t {
		out[id] = base64.StdEncoding.EncodeToString(pub)
	}
	return out
}

// IDs returns the key ids in sorted order.
func (t KeyTable) IDs() []string {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DecodePublicKey decodes a base64 Ed25519 public key and checks its size.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := decodeB64(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}

func decodeB64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("invalid base64")
}
