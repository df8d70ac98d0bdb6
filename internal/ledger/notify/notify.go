// Package notify announces appended ledger rows to other services.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmerrifield20/eventledger/internal/ledger/model"
)

// DefaultSubjectPrefix is the subject namespace for appended-row messages.
const DefaultSubjectPrefix = "ledger.appended"

// Appended is the message published after a row is stored.
type Appended struct {
	LedgerRowID string       `json:"ledger_row_id"`
	Domain      model.Domain `json:"domain"`
	LogicalID   string       `json:"logical_id"`
	Revision    int          `json:"revision"`
	Op          model.Op     `json:"op"`
	EventType   string       `json:"event_type"`
	OwnerUserID string       `json:"owner_user_id"`
	Signed      bool         `json:"signed"`
	CreatedAt   time.Time    `json:"created_at"`
}

// NewAppended builds the message for a stored row.
func NewAppended(row *model.Event, signed bool) Appended {
	return Appended{
		LedgerRowID: row.ID,
		Domain:      row.Domain,
		LogicalID:   row.LogicalID,
		Revision:    row.Revision,
		Op:          row.Op,
		EventType:   row.EventType,
		OwnerUserID: row.OwnerUserID,
		Signed:      signed,
		CreatedAt:   row.CreatedAt.UTC(),
	}
}

// Publisher announces appended rows. Implementations must be safe for
// concurrent use.
type Publisher interface {
	PublishAppended(ctx context.Context, msg Appended) error
	Close() error
}

// Subject returns the subject for a domain, e.g. "ledger.appended.identity".
func Subject(prefix string, domain model.Domain) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return fmt.Sprintf("%s.%s", prefix, domain)
}

// Encode marshals msg for the wire.
func Encode(msg Appended) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode appended message: %w", err)
	}
	return b, nil
}

// Decode parses a wire message.
func Decode(b []byte) (Appended, error) {
	var msg Appended
	if err := json.Unmarshal(b, &msg); err != nil {
		return Appended{}, fmt.Errorf("decode appended message: %w", err)
	}
	if !msg.Domain.Valid() {
		return Appended{}, fmt.Errorf("decode appended message: %w: %q", model.ErrUnknownDomain, msg.Domain)
	}
	return msg, nil
}

// NopPublisher drops every message.
type NopPublisher struct{}

func (NopPublisher) PublishAppended(context.Context, Appended) error { return nil }
func (NopPublisher) Close() error                                    { return nil }
