// Package repository holds the backend ledger stores: PostgresStore for
// deployments and MemoryStore for tests and single-process use. Both enforce
// the (domain, logical_id, revision) uniqueness rule and never update or
// delete a stored row.
package repository

import (
	"fmt"

	"github.com/jmerrifield20/eventledger/internal/ledger/model"
)

// checkInsert applies the structural checks the schema enforces.
func checkInsert(e *model.Event) error {
	switch {
	case !e.Domain.Valid():
		return fmt.Errorf("%w: %q", model.ErrUnknownDomain, e.Domain)
	case !e.Op.Valid():
		return fmt.Errorf("%w: %q", model.ErrUnknownOp, e.Op)
	case e.OwnerUserID == "" || e.OwnerAgentID == "":
		return fmt.Errorf("%w: owner ids are required", model.ErrInvalidEvent)
	case e.LogicalID == "" || e.EventType == "":
		return fmt.Errorf("%w: logical_id and event_type are required", model.ErrInvalidEvent)
	case e.Revision < 0:
		return fmt.Errorf("%w: negative revision", model.ErrInvalidEvent)
	case (e.Revision == 0) != (e.SupersedesID == ""):
		return fmt.Errorf("%w: supersedes_id must be set exactly when revision > 0", model.ErrInvalidEvent)
	case e.OccurredAt.IsZero():
		return fmt.Errorf("%w: occurred_at is required", model.ErrInvalidEvent)
	}
	return model.ValidatePayload(e.Payload)
}
