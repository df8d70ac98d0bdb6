package model

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRequired is returned when a write is attempted without an
	// authenticated owner. It is never queued.
	ErrAuthRequired = errors.New("ledger: authenticated owner required")

	// ErrRevisionConflict marks a caller bug (event type changed across a
	// revision chain) or a revision race that outlived the retry budget.
	ErrRevisionConflict = errors.New("ledger: revision conflict")

	// ErrDuplicateRevision is the backend's (domain, logical_id, revision)
	// uniqueness rejection.
	ErrDuplicateRevision = errors.New("ledger: duplicate revision")

	ErrSignerUnavailable  = errors.New("ledger: signer unavailable")
	ErrNetworkUnavailable = errors.New("ledger: network unavailable")

	ErrNotFound  = errors.New("ledger: not found")
	ErrForbidden = errors.New("ledger: forbidden")

	ErrInvalidEvent   = errors.New("ledger: invalid event")
	ErrInvalidPayload = errors.New("ledger: invalid payload")
	ErrUnknownDomain  = errors.New("ledger: unknown domain")
	ErrUnknownOp      = errors.New("ledger: unknown op")
)

// RevisionConflictError describes why a revision could not be appended.
// It matches ErrRevisionConflict under errors.Is.
type RevisionConflictError struct {
	Domain    Domain
	LogicalID string
	// CurrentEventType and RequestedEventType are set for an event type mismatch.
	CurrentEventType   string
	RequestedEventType string
	// Attempts is set when the backend kept rejecting the write.
	Attempts int
}

func (e *RevisionConflictError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("ledger: revision conflict on %s/%s after %d attempts",
			e.Domain, e.LogicalID, e.Attempts)
	}
	return fmt.Sprintf("ledger: revision conflict on %s/%s: event type %q cannot follow %q",
		e.Domain, e.LogicalID, e.RequestedEventType, e.CurrentEventType)
}

func (e *RevisionConflictError) Is(target error) bool { return target == ErrRevisionConflict }
