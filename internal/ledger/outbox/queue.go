// Package outbox stores ledger writes that have not been confirmed by the
// backend. The queue is a plain ordered list with three operations; the
// recorder owns all read-modify-write sequences on it.
package outbox

import (
	"context"

	"github.com/jmerrifield20/eventledger/internal/ledger/model"
)

// Queue is a durable, insertion-ordered list of outbox entries.
type Queue interface {
	Append(ctx context.Context, entry model.OutboxEntry) error
	ReadAll(ctx context.Context) ([]model.OutboxEntry, error)
	ReplaceAll(ctx context.Context, entries []model.OutboxEntry) error
}
