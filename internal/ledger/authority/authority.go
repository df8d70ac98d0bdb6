// Package authority is the server side of the ledger signing RPC. It writes
// rows and signs their canonical form with an Ed25519 key in one operation,
// and signs rows that were written earlier without a signature.
package authority

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/jmerrifield20/eventledger/internal/ledger/canon"
	"github.com/jmerrifield20/eventledger/internal/ledger/model"
)

// Store is the slice of the ledger store the authority writes through.
type Store interface {
	InsertEvent(ctx context.Context, e *model.Event) (*model.Event, error)
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	EventAtRevision(ctx context.Context, domain model.Domain, logicalID string, revision int) (*model.Event, error)
	GetSignature(ctx context.Context, rowID string) (*model.ReceiptSignature, error)
	InsertSignature(ctx context.Context, sig *model.ReceiptSignature) error
}

// Authority signs ledger rows with a single active key.
type Authority struct {
	store  Store
	key    Key
	clock  clockwork.Clock
	logger *zap.Logger
}

// New creates an Authority.
func New(store Store, key Key, clock clockwork.Clock, logger *zap.Logger) *Authority {
	return &Authority{store: store, key: key, clock: clock, logger: logger}
}

// KeyID returns the id of the active signing key.
func (a *Authority) KeyID() string { return a.key.ID }

// PublicKeys returns the distribution map of verification keys.
func (a *Authority) PublicKeys() map[string]string {
	return map[string]string{a.key.ID: encodePublic(a.key)}
}

// AppendSigned inserts the row on behalf of owner and signs it. A retry whose
// content matches the row already stored at that revision returns the stored
// row, so a lost response never produces a conflict.
func (a *Authority) AppendSigned(ctx context.Context, owner model.Owner, insert *model.Event) (*model.Event, *model.ReceiptSignature, error) {
	if owner.UserID == "" {
		return nil, nil, model.ErrAuthRequired
	}
	if insert.OwnerUserID != owner.UserID {
		return nil, nil, fmt.Errorf("%w: row owner %q does not match caller", model.ErrForbidden, insert.OwnerUserID)
	}
	if insert.OwnerAgentID != owner.AgentID {
		return nil, nil, fmt.Errorf("%w: row agent %q does not match caller", model.ErrForbidden, insert.OwnerAgentID)
	}
	if err := model.ValidatePayload(insert.Payload); err != nil {
		return nil, nil, err
	}

	row, err := a.store.InsertEvent(ctx, insert)
	if errors.Is(err, model.ErrDuplicateRevision) {
		row, err = a.existingDuplicate(ctx, insert)
	}
	if err != nil {
		return nil, nil, err
	}

	sig, err := a.signRow(ctx, row)
	if err != nil {
		return nil, nil, err
	}
	return row, sig, nil
}

// SignExisting signs a row that was written without a signature. Signing an
// already signed row returns the stored signature.
func (a *Authority) SignExisting(ctx context.Context, owner model.Owner, rowID string) (*model.ReceiptSignature, error) {
	if owner.UserID == "" {
		return nil, model.ErrAuthRequired
	}
	row, err := a.store.GetEvent(ctx, rowID)
	if err != nil {
		return nil, err
	}
	if row.OwnerUserID != owner.UserID {
		return nil, model.ErrForbidden
	}
	return a.signRow(ctx, row)
}

func (a *Authority) existingDuplicate(ctx context.Context, insert *model.Event) (*model.Event, error) {
	existing, err := a.store.EventAtRevision(ctx, insert.Domain, insert.LogicalID, insert.Revision)
	if err != nil {
		return nil, fmt.Errorf("read duplicate revision: %w", err)
	}
	same, err := sameContent(existing, insert)
	if err != nil {
		return nil, err
	}
	if !same {
		return nil, model.ErrDuplicateRevision
	}
	a.logger.Info("append_signed retry matched stored row",
		zap.String("ledger_row_id", existing.ID),
		zap.String("logical_id", existing.LogicalID),
		zap.Int("revision", existing.Revision),
	)
	return existing, nil
}

func (a *Authority) signRow(ctx context.Context, row *model.Event) (*model.ReceiptSignature, error) {
	if sig, err := a.store.GetSignature(ctx, row.ID); err == nil {
		return sig, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("read signature: %w", err)
	}

	sig, err := a.key.Sign(row, a.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := a.store.InsertSignature(ctx, sig); err != nil {
		return nil, fmt.Errorf("store signature: %w", err)
	}

	// A concurrent signer may have won the insert.
	stored, err := a.store.GetSignature(ctx, row.ID)
	if err != nil {
		return nil, fmt.Errorf("re-read signature: %w", err)
	}
	a.logger.Debug("ledger row signed",
		zap.String("ledger_row_id", row.ID),
		zap.String("key_id", stored.KeyID),
	)
	return stored, nil
}

func sameContent(a, b *model.Event) (bool, error) {
	da, err := canon.ContentDigest(a)
	if err != nil {
		return false, err
	}
	db, err := canon.ContentDigest(b)
	if err != nil {
		return false, err
	}
	return da == db, nil
}
