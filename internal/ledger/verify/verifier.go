// Package verify checks ledger receipts offline: it recomputes the canonical
// bytes of the row, compares their SHA-256 with the stored digest and checks
// the Ed25519 signature against a local key table.
package verify

import (
	"crypto/ed25519"
	"strings"

	"github.com/jmerrifield20/eventledger/internal/ledger/canon"
	"github.com/jmerrifield20/eventledger/internal/ledger/model"
)

// Result names the step at which verification stopped.
type Result string

const (
	ResultOK                   Result = "ok"
	ResultUnsigned             Result = "unsigned"
	ResultUnknownKey           Result = "unknown_key"
	ResultCanonicalizeFailed   Result = "canonicalize_failed"
	ResultHashMismatch         Result = "hash_mismatch"
	ResultBadSignatureEncoding Result = "bad_signature_encoding"
	ResultBadSignature         Result = "bad_signature"
)

// Verifier checks receipts against a fixed key table. It holds no mutable
// state and is safe for concurrent use.
type Verifier struct {
	keys KeyTable
}

// New returns a Verifier over keys. The table is copied.
func New(keys KeyTable) *Verifier {
	cp := make(KeyTable, len(keys))
	for id, pub := range keys {
		cp[id] = pub
	}
	return &Verifier{keys: cp}
}

// Verify reports whether r carries a valid signature over its own event.
func (v *Verifier) Verify(r *model.Receipt) bool {
	return v.Check(r) == ResultOK
}

// Check runs the verification steps in order and returns the first failure,
// or ResultOK.
func (v *Verifier) Check(r *model.Receipt) Result {
	if r == nil || r.Signature == nil {
		return ResultUnsigned
	}
	sig := r.Signature

	pub, ok := v.keys[sig.KeyID]
	if !ok || len(pub) != ed25519.PublicKeySize {
		return ResultUnknownKey
	}

	msg, err := canon.Canonicalize(&r.Event)
	if err != nil {
		return ResultCanonicalizeFailed
	}

	if !strings.EqualFold(canon.SHA256Hex(msg), strings.TrimSpace(sig.SHA256)) {
		return ResultHashMismatch
	}

	raw, err := decodeB64(sig.SignatureB64)
	if err != nil || len(raw) != ed25519.SignatureSize {
		return ResultBadSignatureEncoding
	}
	if !ed25519.Verify(pub, msg, raw) {
		return ResultBadSignature
	}
	return ResultOK
}
