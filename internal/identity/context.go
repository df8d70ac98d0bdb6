package identity

import (
	"context"

	"github.com/jmerrifield20/eventledger/internal/ledger/model"
)

type ownerKey struct{}

// WithOwner returns a context carrying the authenticated owner.
func WithOwner(ctx context.Context, owner model.Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the authenticated owner, if any.
func OwnerFromContext(ctx context.Context) (model.Owner, bool) {
	owner, ok := ctx.Value(ownerKey{}).(model.Owner)
	if !ok || !owner.Valid() {
		return model.Owner{}, false
	}
	return owner, true
}
