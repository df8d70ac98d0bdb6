package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/jmerrifield20/eventledger/internal/ledger/model"
)

type revisionKey struct {
	domain    model.Domain
	logicalID string
	revision  int
}

type chainKey struct {
	domain    model.Domain
	logicalID string
}

// MemoryStore is an in-memory, thread-safe ledger store. It is primarily
// useful for testing and for single-process deployments that do not require
// durable persistence across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	clock   clockwork.Clock
	rows    []*model.Event
	byID    map[string]*model.Event
	byRev   map[revisionKey]*model.Event
	current map[chainKey]*model.Event
	sigs    map[string]*model.ReceiptSignature

	inserts int
}

// NewMemoryStore creates an empty MemoryStore. created_at values come from clock.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		clock:   clock,
		byID:    make(map[string]*model.Event),
		byRev:   make(map[revisionKey]*model.Event),
		current: make(map[chainKey]*model.Event),
		sigs:    make(map[string]*model.ReceiptSignature),
	}
}

// Ping implements the health probe.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// InsertEvent stores a copy of e with a fresh id and created_at.
func (s *MemoryStore) InsertEvent(_ context.Context, e *model.Event) (*model.Event, error) {
	if err := checkInsert(e); err != nil {
		return nil, err
	}
	payload, err := roundTrip(e.Payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := revisionKey{e.Domain, e.LogicalID, e.Revision}
	if _, exists := s.byRev[key]; exists {
		return nil, model.ErrDuplicateRevision
	}
	if e.SupersedesID != "" {
		if _, ok := s.byID[e.SupersedesID]; !ok {
			return nil, fmt.Errorf("%w: supersedes_id %s does not exist", model.ErrInvalidEvent, e.SupersedesID)
		}
	}

	row := *e
	row.ID = uuid.New().String()
	row.OccurredAt = e.OccurredAt.UTC().Truncate(time.Microsecond)
	row.CreatedAt = s.clock.Now().UTC().Truncate(time.Microsecond)
	row.Payload = payload

	s.rows = append(s.rows, &row)
	s.byID[row.ID] = &row
	s.byRev[key] = &row
	ck := chainKey{row.Domain, row.LogicalID}
	if cur, ok := s.current[ck]; !ok || cur.Revision < row.Revision {
		s.current[ck] = &row
	}
	s.inserts++
	return copyEvent(&row), nil
}

// CurrentRevision returns the highest revision of a logical id, or ErrNotFound.
func (s *MemoryStore) CurrentRevision(_ context.Context, domain model.Domain, logicalID string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.current[chainKey{domain, logicalID}]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyEvent(row), nil
}

// GetEvent returns the row with the given id, or ErrNotFound.
func (s *MemoryStore) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.byID[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyEvent(row), nil
}

// EventAtRevision returns a specific revision of a logical id, or ErrNotFound.
func (s *MemoryStore) EventAtRevision(_ context.Context, domain model.Domain, logicalID string, revision int) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.byRev[revisionKey{domain, logicalID, revision}]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyEvent(row), nil
}

// ListReceipts returns receipts newest-first.
func (s *MemoryStore) ListReceipts(_ context.Context, f model.ReceiptFilter) ([]*model.Receipt, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := make([]int, 0, len(s.rows))
	for i, row := range s.rows {
		if f.OwnerUserID != "" && row.OwnerUserID != f.OwnerUserID {
			continue
		}
		if f.Domain != "" && row.Domain != f.Domain {
			continue
		}
		if f.EventType != "" && row.EventType != f.EventType {
			continue
		}
		if !f.Since.IsZero() && row.CreatedAt.Before(f.Since) {
			continue
		}
		idx = append(idx, i)
	}
	// Newest first; insertion order breaks created_at ties.
	sort.SliceStable(idx, func(a, b int) bool {
		ra, rb := s.rows[idx[a]], s.rows[idx[b]]
		if !ra.CreatedAt.Equal(rb.CreatedAt) {
			return ra.CreatedAt.After(rb.CreatedAt)
		}
		return idx[a] > idx[b]
	})
	if len(idx) > limit {
		idx = idx[:limit]
	}

	out := make([]*model.Receipt, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.receipt(s.rows[i]))
	}
	return out, nil
}

// GetReceipt returns one row joined with its signature, or ErrNotFound.
func (s *MemoryStore) GetReceipt(_ context.Context, id string) (*model.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.byID[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return s.receipt(row), nil
}

// InsertSignature stores sig unless the row already has one.
func (s *MemoryStore) InsertSignature(_ context.Context, sig *model.ReceiptSignature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[sig.LedgerRowID]; !ok {
		return model.ErrNotFound
	}
	if _, exists := s.sigs[sig.LedgerRowID]; exists {
		return nil
	}
	cp := *sig
	cp.SignedAt = sig.SignedAt.UTC().Truncate(time.Microsecond)
	s.sigs[sig.LedgerRowID] = &cp
	return nil
}

// GetSignature returns the signature for a row, or ErrNotFound.
func (s *MemoryStore) GetSignature(_ context.Context, rowID string) (*model.ReceiptSignature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.sigs[rowID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *sig
	return &cp, nil
}

// Len returns the number of stored rows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Inserts returns how many InsertEvent calls succeeded.
func (s *MemoryStore) Inserts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inserts
}

func (s *MemoryStore) receipt(row *model.Event) *model.Receipt {
	r := &model.Receipt{Event: *copyEvent(row)}
	if sig, ok := s.sigs[row.ID]; ok {
		cp := *sig
		r.Signature = &cp
	}
	return r
}

// copyEvent returns a deep copy so callers cannot reach stored state.
func copyEvent(e *model.Event) *model.Event {
	cp := *e
	if p, err := roundTrip(e.Payload); err == nil {
		cp.Payload = p
	}
	return &cp
}

func roundTrip(p model.Payload) (model.Payload, error) {
	b, err := json.Marshal(map[string]any(p))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}
	return model.DecodePayload(b)
}
