package repository_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/eventledger/internal/ledger/model"
)

// ledgerStore is the surface both stores share.
type ledgerStore interface {
	InsertEvent(ctx context.Context, e *model.Event) (*model.Event, error)
	CurrentRevision(ctx context.Context, domain model.Domain, logicalID string) (*model.Event, error)
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	EventAtRevision(ctx context.Context, domain model.Domain, logicalID string, revision int) (*model.Event, error)
	ListReceipts(ctx context.Context, f model.ReceiptFilter) ([]*model.Receipt, error)
	GetReceipt(ctx context.Context, id string) (*model.Receipt, error)
	InsertSignature(ctx context.Context, sig *model.ReceiptSignature) error
	GetSignature(ctx context.Context, rowID string) (*model.ReceiptSignature, error)
}

var ctx = context.Background()

func newInsert(owner, logicalID string, revision int, supersedes string) *model.Event {
	return &model.Event{
		Domain:       model.DomainModeration,
		OwnerUserID:  owner,
		OwnerAgentID: "agent-" + owner,
		LogicalID:    logicalID,
		Revision:     revision,
		SupersedesID: supersedes,
		Op:           model.OpAssert,
		EventType:    "post_hidden",
		EntityType:   "post",
		EntityID:     "p-1",
		OccurredAt:   time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC),
		Payload:      model.Payload{"reason": "spam", "score": 0.75, "schema_version": 1},
	}
}

func runStoreContract(t *testing.T, s ledgerStore) {
	t.Run("insert assigns id and created_at", func(t *testing.T) {
		owner := uuid.NewString()
		row, err := s.InsertEvent(ctx, newInsert(owner, uuid.NewString(), 0, ""))
		if err != nil {
			t.Fatalf("InsertEvent() error: %v", err)
		}
		if row.ID == "" || row.CreatedAt.IsZero() {
			t.Fatalf("expected backend-assigned id and created_at, got %+v", row)
		}
		if row.Payload["reason"] != "spam" {
			t.Errorf("payload reason: got %v", row.Payload["reason"])
		}
		if n, ok := row.Payload["score"].(json.Number); !ok || n.String() != "0.75" {
			t.Errorf("payload score: got %#v, want json.Number 0.75", row.Payload["score"])
		}
	})

	t.Run("duplicate revision is rejected", func(t *testing.T) {
		owner, logical := uuid.NewString(), uuid.NewString()
		if _, err := s.InsertEvent(ctx, newInsert(owner, logical, 0, "")); err != nil {
			t.Fatal(err)
		}
		_, err := s.InsertEvent(ctx, newInsert(owner, logical, 0, ""))
		if !errors.Is(err, model.ErrDuplicateRevision) {
			t.Fatalf("expected ErrDuplicateRevision, got %v", err)
		}
	})

	t.Run("current view follows the chain", func(t *testing.T) {
		owner, logical := uuid.NewString(), uuid.NewString()
		if _, err := s.CurrentRevision(ctx, model.DomainModeration, logical); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("expected ErrNotFound before first insert, got %v", err)
		}
		r0, err := s.InsertEvent(ctx, newInsert(owner, logical, 0, ""))
		if err != nil {
			t.Fatal(err)
		}
		r1, err := s.InsertEvent(ctx, newInsert(owner, logical, 1, r0.ID))
		if err != nil {
			t.Fatal(err)
		}
		cur, err := s.CurrentRevision(ctx, model.DomainModeration, logical)
		if err != nil {
			t.Fatal(err)
		}
		if cur.ID != r1.ID || cur.Revision != 1 || cur.SupersedesID != r0.ID {
			t.Errorf("current: got id=%s rev=%d supersedes=%s", cur.ID, cur.Revision, cur.SupersedesID)
		}
		at0, err := s.EventAtRevision(ctx, model.DomainModeration, logical, 0)
		if err != nil {
			t.Fatal(err)
		}
		if at0.ID != r0.ID {
			t.Errorf("revision 0: got %s, want %s", at0.ID, r0.ID)
		}
	})

	t.Run("supersedes must match revision", func(t *testing.T) {
		_, err := s.InsertEvent(ctx, newInsert(uuid.NewString(), uuid.NewString(), 1, ""))
		if !errors.Is(err, model.ErrInvalidEvent) {
			t.Fatalf("expected ErrInvalidEvent, got %v", err)
		}
	})

	t.Run("unknown row", func(t *testing.T) {
		if _, err := s.GetEvent(ctx, uuid.NewString()); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("GetEvent: expected ErrNotFound, got %v", err)
		}
		if _, err := s.GetReceipt(ctx, "not-a-uuid"); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("GetReceipt: expected ErrNotFound, got %v", err)
		}
		if _, err := s.GetSignature(ctx, uuid.NewString()); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("GetSignature: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("signature is write-once", func(t *testing.T) {
		row, err := s.InsertEvent(ctx, newInsert(uuid.NewString(), uuid.NewString(), 0, ""))
		if err != nil {
			t.Fatal(err)
		}
		first := &model.ReceiptSignature{
			LedgerRowID: row.ID, SchemaVersion: 1, CanonAlgo: "ledger_canon_v1",
			CanonicalJSON: "{}", SHA256: "aa", SignatureB64: "first", KeyID: "k1",
			SignedAt: time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
		}
		second := *first
		second.SignatureB64 = "second"
		if err := s.InsertSignature(ctx, first); err != nil {
			t.Fatal(err)
		}
		if err := s.InsertSignature(ctx, &second); err != nil {
			t.Fatalf("second InsertSignature should be ignored, got %v", err)
		}
		got, err := s.GetSignature(ctx, row.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.SignatureB64 != "first" {
			t.Errorf("signature: got %q, want first", got.SignatureB64)
		}
		r, err := s.GetReceipt(ctx, row.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !r.IsSigned() || r.Signature.KeyID != "k1" {
			t.Errorf("receipt should carry the signature: %+v", r.Signature)
		}
	})

	t.Run("list receipts newest first with filters", func(t *testing.T) {
		owner := uuid.NewString()
		var ids []string
		for i := 0; i < 3; i++ {
			e := newInsert(owner, uuid.NewString(), 0, "")
			if i == 1 {
				e.EventType = "post_restored"
			}
			row, err := s.InsertEvent(ctx, e)
			if err != nil {
				t.Fatal(err)
			}
			ids = append(ids, row.ID)
		}

		all, err := s.ListReceipts(ctx, model.ReceiptFilter{OwnerUserID: owner, Limit: 10})
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 receipts, got %d", len(all))
		}
		if all[0].Event.ID != ids[2] || all[2].Event.ID != ids[0] {
			t.Errorf("expected newest first, got %s..%s", all[0].Event.ID, all[2].Event.ID)
		}

		restored, err := s.ListReceipts(ctx, model.ReceiptFilter{OwnerUserID: owner, EventType: "post_restored"})
		if err != nil {
			t.Fatal(err)
		}
		if len(restored) != 1 || restored[0].Event.ID != ids[1] {
			t.Errorf("event_type filter: got %d receipts", len(restored))
		}

		limited, err := s.ListReceipts(ctx, model.ReceiptFilter{OwnerUserID: owner, Limit: 2})
		if err != nil {
			t.Fatal(err)
		}
		if len(limited) != 2 {
			t.Errorf("limit: got %d receipts, want 2", len(limited))
		}

		none, err := s.ListReceipts(ctx, model.ReceiptFilter{OwnerUserID: owner, Domain: model.DomainPayments})
		if err != nil {
			t.Fatal(err)
		}
		if len(none) != 0 {
			t.Errorf("domain filter: got %d receipts, want 0", len(none))
		}
	})
}
