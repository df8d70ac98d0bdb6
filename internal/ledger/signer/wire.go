package signer

import "github.com/jmerrifield20/eventledger/internal/ledger/model"

// RPC actions.
const (
	ActionAppendSigned = "append_signed"
	ActionSignExisting = "sign_existing"
)

// Error codes carried in failed responses.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeNotFound          = "not_found"
	CodeDuplicateRevision = "duplicate_revision"
	CodeInternal          = "internal"
)

// Request is the body of a signing RPC call.
type Request struct {
	Action      string       `json:"action"`
	Insert      *model.Event `json:"insert,omitempty"`
	LedgerRowID string       `json:"ledger_row_id,omitempty"`
}

// Response is the body of a signing RPC reply.
type Response struct {
	OK           bool                    `json:"ok"`
	Row          *model.Event            `json:"row,omitempty"`
	SignatureRow *model.ReceiptSignature `json:"signature_row,omitempty"`
	Error        string                  `json:"error,omitempty"`
	Code         string                  `json:"code,omitempty"`
}
