package model

import "time"

// ReceiptSignature is the optional, immutable signature attached to one
// ledger row. CanonicalJSON holds the exact bytes that were signed.
type ReceiptSignature struct {
	LedgerRowID   string    `json:"ledger_row_id"`
	SchemaVersion int       `json:"schema_version"`
	CanonAlgo     string    `json:"canon_algo"`
	CanonicalJSON string    `json:"canonical_json"`
	SHA256        string    `json:"sha256"`
	SignatureB64  string    `json:"signature_b64"`
	KeyID         string    `json:"key_id"`
	SignedAt      time.Time `json:"signed_at"`
}

// Receipt pairs a ledger row with its signature, if any.
type Receipt struct {
	Event     Event             `json:"event"`
	Signature *ReceiptSignature `json:"signature"`
}

// IsSigned reports whether a signature is attached.
func (r *Receipt) IsSigned() bool { return r != nil && r.Signature != nil }

// OutboxEntry is a write that has not been confirmed against the backend.
type OutboxEntry struct {
	ID       string    `json:"id"`
	QueuedAt time.Time `json:"queued_at"`
	Insert   Event     `json:"insert"`
	// Rebase is set when the entry was built without reading the backend's
	// current revision; revision and supersedes_id are resolved at flush time.
	Rebase    bool   `json:"rebase,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// ReceiptFilter narrows a receipts listing. Zero values match everything.
type ReceiptFilter struct {
	OwnerUserID string
	Domain      Domain
	EventType   string
	Since       time.Time
	Limit       int
}
