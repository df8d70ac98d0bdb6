// Package service holds the ledger's write path (Recorder) and read path
// (ReceiptService).
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jmerrifield20/eventledger/internal/identity"
	"github.com/jmerrifield20/eventledger/internal/ledger/canon"
	"github.com/jmerrifield20/eventledger/internal/ledger/model"
	"github.com/jmerrifield20/eventledger/internal/ledger/outbox"
)

// DefaultMaxRevisionAttempts bounds how often a revision is re-resolved after
// another writer took the revision number first.
const DefaultMaxRevisionAttempts = 3

// DefaultFlushTimeout bounds one shared outbox flush pass.
const DefaultFlushTimeout = 2 * time.Minute

// WritePath names how a write reached the backend.
type WritePath string

const (
	WritePathSigned   WritePath = "signed"
	WritePathPlain    WritePath = "plain"
	WritePathExisting WritePath = "existing"
	WritePathQueued   WritePath = "queued"
)

// EventStore is the backend the recorder writes to.
// *repository.PostgresStore, *repository.MemoryStore and *client.Client satisfy it.
type EventStore interface {
	InsertEvent(ctx context.Context, e *model.Event) (*model.Event, error)
	CurrentRevision(ctx context.Context, domain model.Domain, logicalID string) (*model.Event, error)
	EventAtRevision(ctx context.Context, domain model.Domain, logicalID string, revision int) (*model.Event, error)
}

// SignedWriter writes and signs a row in one operation. It reports failure
// with false instead of an error. *signer.Client satisfies it.
type SignedWriter interface {
	AppendSigned(ctx context.Context, insert *model.Event) (*model.Event, bool)
}

// MetricsRecorder receives write-path and flush observations.
type MetricsRecorder interface {
	RecordWrite(domain model.Domain, path WritePath)
	RecordFlush(written, failed int)
}

// AppendRequest describes a new logical thing (revision 0).
type AppendRequest struct {
	Domain            model.Domain
	EventType         string
	OccurredAt        time.Time
	Payload           model.Payload
	EntityType        string
	EntityID          string
	Category          string
	CityCode          string
	LocalityCode      string
	AtomicTimestampID string
	Source            string
	CorrelationID     string
}

// RevisionRequest describes the next revision of an existing logical thing.
// Indexing facets are carried over from the current row.
type RevisionRequest struct {
	Domain        model.Domain
	LogicalID     string
	EventType     string
	Op            model.Op
	OccurredAt    time.Time
	Payload       model.Payload
	Source        string
	CorrelationID string
}

// Recorder appends events using the signed path first, then a plain write,
// then the outbox.
type Recorder struct {
	store       EventStore
	signer      SignedWriter    // nil = plain writes only
	metrics     MetricsRecorder // nil = no metrics
	queue       outbox.Queue
	clock       clockwork.Clock
	logger      *zap.Logger
	owner        func(context.Context) (model.Owner, bool)
	maxAttempts  int
	flushTimeout time.Duration

	// queueMu serialises read-modify-write sequences on the queue.
	queueMu sync.Mutex
	flights singleflight.Group
}

// NewRecorder creates a Recorder. The owner is taken from the request context
// (identity.WithOwner) unless SetOwnerResolver overrides it.
func NewRecorder(store EventStore, queue outbox.Queue, clock clockwork.Clock, logger *zap.Logger) *Recorder {
	return &Recorder{
		store:       store,
		queue:       queue,
		clock:       clock,
		logger:      logger,
		owner:        identity.OwnerFromContext,
		maxAttempts:  DefaultMaxRevisionAttempts,
		flushTimeout: DefaultFlushTimeout,
	}
}

// SetSigner enables the signed write path.
func (r *Recorder) SetSigner(s SignedWriter) { r.signer = s }

// SetMetricsRecorder configures write-path metrics.
func (r *Recorder) SetMetricsRecorder(m MetricsRecorder) { r.metrics = m }

// SetOwnerResolver replaces how the authenticated owner is found.
func (r *Recorder) SetOwnerResolver(fn func(context.Context) (model.Owner, bool)) { r.owner = fn }

// SetMaxRevisionAttempts changes the revision retry bound. Values below 1 are ignored.
func (r *Recorder) SetMaxRevisionAttempts(n int) {
	if n >= 1 {
		r.maxAttempts = n
	}
}

// SetFlushTimeout changes the bound on a shared flush pass. Values of zero
// or less are ignored.
func (r *Recorder) SetFlushTimeout(d time.Duration) {
	if d > 0 {
		r.flushTimeout = d
	}
}

// Append records revision 0 of a new logical thing. The returned event is the
// stored row, or the locally built row when the write was queued.
func (r *Recorder) Append(ctx context.Context, req AppendRequest) (*model.Event, error) {
	owner, ok := r.owner(ctx)
	if !ok {
		return nil, model.ErrAuthRequired
	}
	if !req.Domain.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownDomain, req.Domain)
	}
	if req.EventType == "" {
		return nil, fmt.Errorf("%w: event_type is required", model.ErrInvalidEvent)
	}
	payload, err := buildPayload(req.Payload, req.Source, req.CorrelationID)
	if err != nil {
		return nil, err
	}

	e := &model.Event{
		Domain:            req.Domain,
		OwnerUserID:       owner.UserID,
		OwnerAgentID:      owner.AgentID,
		LogicalID:         uuid.New().String(),
		Revision:          0,
		Op:                model.OpAssert,
		EventType:         req.EventType,
		EntityType:        req.EntityType,
		EntityID:          req.EntityID,
		Category:          req.Category,
		CityCode:          req.CityCode,
		LocalityCode:      req.LocalityCode,
		OccurredAt:        r.occurredAt(req.OccurredAt),
		AtomicTimestampID: req.AtomicTimestampID,
		Payload:           payload,
	}

	row, path, err := r.tryWrite(ctx, e)
	switch {
	case err == nil:
		r.recordWrite(e.Domain, path)
		return row, nil
	case errors.Is(err, model.ErrDuplicateRevision):
		if existing, ok := r.alreadyWritten(ctx, e); ok {
			r.recordWrite(e.Domain, WritePathExisting)
			return existing, nil
		}
		return nil, &model.RevisionConflictError{Domain: e.Domain, LogicalID: e.LogicalID, Attempts: 1}
	case errors.Is(err, model.ErrNetworkUnavailable):
		return r.enqueue(ctx, e, false, err)
	default:
		return nil, err
	}
}

// AppendRevision records the next revision of req.LogicalID. A different
// event type than the current row's fails with a RevisionConflictError and
// nothing is written or queued.
//
// When the write is queued the returned event is provisional: it has no ID
// (Persisted reports false), and its Revision and SupersedesID only reflect
// the chain as far as the outbox knows it. With no queued base that is
// revision 0 with an empty SupersedesID. FlushOutbox re-resolves the real
// revision against the backend.
func (r *Recorder) AppendRevision(ctx context.Context, req RevisionRequest) (*model.Event, error) {
	owner, ok := r.owner(ctx)
	if !ok {
		return nil, model.ErrAuthRequired
	}
	switch {
	case !req.Domain.Valid():
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownDomain, req.Domain)
	case !req.Op.Valid():
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownOp, req.Op)
	case req.LogicalID == "" || req.EventType == "":
		return nil, fmt.Errorf("%w: logical_id and event_type are required", model.ErrInvalidEvent)
	}
	payload, err := buildPayload(req.Payload, req.Source, req.CorrelationID)
	if err != nil {
		return nil, err
	}

	tmpl := &model.Event{
		Domain:       req.Domain,
		OwnerUserID:  owner.UserID,
		OwnerAgentID: owner.AgentID,
		LogicalID:    req.LogicalID,
		Op:           req.Op,
		EventType:    req.EventType,
		OccurredAt:   r.occurredAt(req.OccurredAt),
		Payload:      payload,
	}

	// Queued writes for the same chain must reach the backend first.
	pending, err := r.pendingFor(ctx, tmpl.Domain, tmpl.LogicalID)
	if err != nil {
		return nil, err
	}
	if pending {
		return r.enqueueRevision(ctx, tmpl, errors.New("earlier revisions are still queued"))
	}

	row, path, err := r.resolveAndWrite(ctx, tmpl)
	switch {
	case err == nil:
		r.recordWrite(row.Domain, path)
		return row, nil
	case errors.Is(err, model.ErrNetworkUnavailable):
		// Keep the revision we tried so a lost response is recognised at flush.
		var unconfirmed *unconfirmedWrite
		if errors.As(err, &unconfirmed) {
			return r.enqueue(ctx, unconfirmed.event, true, err)
		}
		return r.enqueueRevision(ctx, tmpl, err)
	default:
		return nil, err
	}
}

// FlushOutbox writes queued entries in order and returns how many reached
// the backend. Concurrent callers share a single pass, which runs detached
// from any one caller's cancellation and is bounded by the flush timeout; a
// caller whose ctx ends first gets ctx.Err() while the pass carries on.
// Failed entries stay queued; the error is only for outbox storage failures.
func (r *Recorder) FlushOutbox(ctx context.Context) (int, error) {
	ch := r.flights.DoChan("flush", func() (any, error) {
		passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.flushTimeout)
		defer cancel()
		return r.flush(passCtx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(int), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// PendingOutbox returns the queued entries.
func (r *Recorder) PendingOutbox(ctx context.Context) ([]model.OutboxEntry, error) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	return r.queue.ReadAll(ctx)
}

type chainKey struct {
	domain    model.Domain
	logicalID string
}

func (r *Recorder) flush(ctx context.Context) (int, error) {
	r.queueMu.Lock()
	snapshot, err := r.queue.ReadAll(ctx)
	r.queueMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("read outbox: %w", err)
	}
	if len(snapshot) == 0 {
		return 0, nil
	}

	done := make(map[string]bool)
	failed := make(map[string]model.OutboxEntry)
	blocked := make(map[chainKey]bool)
	written := 0

	for _, entry := range snapshot {
		if ctx.Err() != nil {
			break
		}
		key := chainKey{entry.Insert.Domain, entry.Insert.LogicalID}
		if blocked[key] {
			continue
		}

		row, path, err := r.flushEntry(ctx, entry)
		if err != nil {
			blocked[key] = true
			var unconfirmed *unconfirmedWrite
			if errors.As(err, &unconfirmed) {
				entry.Insert = *unconfirmed.event
			}
			entry.Attempts++
			entry.LastError = err.Error()
			failed[entry.ID] = entry
			r.logger.Warn("outbox entry not written",
				zap.String("outbox_id", entry.ID),
				zap.String("logical_id", entry.Insert.LogicalID),
				zap.Int("attempts", entry.Attempts),
				zap.Error(err),
			)
			continue
		}
		done[entry.ID] = true
		written++
		r.recordWrite(row.Domain, path)
		r.logger.Info("outbox entry written",
			zap.String("outbox_id", entry.ID),
			zap.String("ledger_row_id", row.ID),
			zap.String("logical_id", row.LogicalID),
			zap.Int("revision", row.Revision),
			zap.String("path", string(path)),
		)
	}

	// Merge by id so entries queued while this pass ran are kept.
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	current, err := r.queue.ReadAll(ctx)
	if err != nil {
		return written, fmt.Errorf("re-read outbox: %w", err)
	}
	remaining := make([]model.OutboxEntry, 0, len(current))
	for _, e := range current {
		if done[e.ID] {
			continue
		}
		if f, ok := failed[e.ID]; ok {
			e = f
		}
		remaining = append(remaining, e)
	}
	if err := r.queue.ReplaceAll(ctx, remaining); err != nil {
		return written, fmt.Errorf("rewrite outbox: %w", err)
	}
	if r.metrics != nil {
		r.metrics.RecordFlush(written, len(failed))
	}
	return written, nil
}

func (r *Recorder) flushEntry(ctx context.Context, entry model.OutboxEntry) (*model.Event, WritePath, error) {
	e := entry.Insert
	e.ID = ""
	e.CreatedAt = time.Time{}

	if entry.Rebase {
		// A lost response may have stored the row already at its queued revision.
		if existing, ok := r.alreadyWritten(ctx, &e); ok {
			return existing, WritePathExisting, nil
		}
		return r.resolveAndWrite(ctx, &e)
	}

	row, path, err := r.tryWrite(ctx, &e)
	if errors.Is(err, model.ErrDuplicateRevision) {
		if existing, ok := r.alreadyWritten(ctx, &e); ok {
			return existing, WritePathExisting, nil
		}
		return nil, "", &model.RevisionConflictError{Domain: e.Domain, LogicalID: e.LogicalID, Attempts: 1}
	}
	return row, path, err
}

// resolveAndWrite chains tmpl onto the current row and writes it, re-reading
// current when another writer takes the revision first.
func (r *Recorder) resolveAndWrite(ctx context.Context, tmpl *model.Event) (*model.Event, WritePath, error) {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		cur, err := r.store.CurrentRevision(ctx, tmpl.Domain, tmpl.LogicalID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			cur = nil
		case err != nil:
			return nil, "", classify(err)
		}
		if cur != nil && cur.EventType != tmpl.EventType {
			return nil, "", &model.RevisionConflictError{
				Domain:             tmpl.Domain,
				LogicalID:          tmpl.LogicalID,
				CurrentEventType:   cur.EventType,
				RequestedEventType: tmpl.EventType,
			}
		}

		e := chainOnto(tmpl, cur)
		row, path, err := r.tryWrite(ctx, e)
		if err == nil {
			return row, path, nil
		}
		if errors.Is(err, model.ErrNetworkUnavailable) {
			return nil, "", &unconfirmedWrite{event: e, err: err}
		}
		if !errors.Is(err, model.ErrDuplicateRevision) {
			return nil, "", err
		}
		if existing, ok := r.alreadyWritten(ctx, e); ok {
			return existing, WritePathExisting, nil
		}
		r.logger.Info("revision taken by another writer, retrying",
			zap.String("domain", string(e.Domain)),
			zap.String("logical_id", e.LogicalID),
			zap.Int("revision", e.Revision),
			zap.Int("attempt", attempt),
		)
	}
	return nil, "", &model.RevisionConflictError{
		Domain:    tmpl.Domain,
		LogicalID: tmpl.LogicalID,
		Attempts:  r.maxAttempts,
	}
}

// tryWrite runs the signed path, then the plain path. Transient failures come
// back wrapped in ErrNetworkUnavailable.
func (r *Recorder) tryWrite(ctx context.Context, e *model.Event) (*model.Event, WritePath, error) {
	if r.signer != nil {
		if row, ok := r.signer.AppendSigned(ctx, e); ok {
			return row, WritePathSigned, nil
		}
	}
	row, err := r.store.InsertEvent(ctx, e)
	if err != nil {
		return nil, "", classify(err)
	}
	return row, WritePathPlain, nil
}

// alreadyWritten reports whether the backend holds e's content at e's revision.
func (r *Recorder) alreadyWritten(ctx context.Context, e *model.Event) (*model.Event, bool) {
	existing, err := r.store.EventAtRevision(ctx, e.Domain, e.LogicalID, e.Revision)
	if err != nil {
		return nil, false
	}
	want, err := canon.ContentDigest(e)
	if err != nil {
		return nil, false
	}
	got, err := canon.ContentDigest(existing)
	if err != nil || got != want {
		return nil, false
	}
	return existing, true
}

func (r *Recorder) enqueue(ctx context.Context, e *model.Event, rebase bool, cause error) (*model.Event, error) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	return r.appendLocked(ctx, e, rebase, cause)
}

// enqueueRevision queues a revision that could not be resolved against the
// backend. Its revision is provisional: it follows the newest queued entry of
// the same chain, and flush re-resolves it against the backend.
func (r *Recorder) enqueueRevision(ctx context.Context, tmpl *model.Event, cause error) (*model.Event, error) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()

	entries, err := r.queue.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	var last *model.Event
	for i := range entries {
		if entries[i].Insert.Domain == tmpl.Domain && entries[i].Insert.LogicalID == tmpl.LogicalID {
			last = &entries[i].Insert
		}
	}
	if last != nil && last.EventType != tmpl.EventType {
		return nil, &model.RevisionConflictError{
			Domain:             tmpl.Domain,
			LogicalID:          tmpl.LogicalID,
			CurrentEventType:   last.EventType,
			RequestedEventType: tmpl.EventType,
		}
	}
	e := chainOnto(tmpl, last)
	return r.appendLocked(ctx, e, true, cause)
}

func (r *Recorder) appendLocked(ctx context.Context, e *model.Event, rebase bool, cause error) (*model.Event, error) {
	entry := model.OutboxEntry{
		ID:       uuid.New().String(),
		QueuedAt: r.clock.Now().UTC(),
		Insert:   *e,
		Rebase:   rebase,
	}
	if err := r.queue.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("queue ledger write: %w", err)
	}
	r.recordWrite(e.Domain, WritePathQueued)
	r.logger.Warn("ledger write queued",
		zap.String("outbox_id", entry.ID),
		zap.String("domain", string(e.Domain)),
		zap.String("logical_id", e.LogicalID),
		zap.Int("revision", e.Revision),
		zap.Error(cause),
	)
	return e, nil
}

func (r *Recorder) pendingFor(ctx context.Context, domain model.Domain, logicalID string) (bool, error) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	entries, err := r.queue.ReadAll(ctx)
	if err != nil {
		return false, fmt.Errorf("read outbox: %w", err)
	}
	for _, e := range entries {
		if e.Insert.Domain == domain && e.Insert.LogicalID == logicalID {
			return true, nil
		}
	}
	return false, nil
}

func (r *Recorder) occurredAt(t time.Time) time.Time {
	if t.IsZero() {
		return r.clock.Now().UTC()
	}
	return t.UTC()
}

func (r *Recorder) recordWrite(domain model.Domain, path WritePath) {
	if r.metrics != nil {
		r.metrics.RecordWrite(domain, path)
	}
}

// chainOnto returns tmpl as the revision after prev (revision 0 when prev is
// nil). Empty indexing facets are inherited from prev.
func chainOnto(tmpl, prev *model.Event) *model.Event {
	e := *tmpl
	e.ID = ""
	e.CreatedAt = time.Time{}
	if prev == nil {
		e.Revision = 0
		e.SupersedesID = ""
		return &e
	}
	e.Revision = prev.Revision + 1
	e.SupersedesID = prev.ID
	inherit(&e.EntityType, prev.EntityType)
	inherit(&e.EntityID, prev.EntityID)
	inherit(&e.Category, prev.Category)
	inherit(&e.CityCode, prev.CityCode)
	inherit(&e.LocalityCode, prev.LocalityCode)
	return &e
}

func inherit(dst *string, src string) {
	if *dst == "" {
		*dst = src
	}
}

func buildPayload(p model.Payload, source, correlationID string) (model.Payload, error) {
	if source == "" {
		return nil, fmt.Errorf("%w: source is required", model.ErrInvalidPayload)
	}
	out := p.Clone()
	out[model.PayloadSource] = source
	// Every write carries a correlation id so two deliberate writes never share
	// a content digest, even with identical payloads in the same millisecond.
	switch {
	case correlationID != "":
		out[model.PayloadCorrelationID] = correlationID
	case out[model.PayloadCorrelationID] == nil:
		out[model.PayloadCorrelationID] = uuid.New().String()
	}
	if _, ok := out[model.PayloadSchemaVersion]; !ok {
		out[model.PayloadSchemaVersion] = 1
	}
	return model.NormalizePayload(out)
}

// unconfirmedWrite is a resolved revision whose write may or may not have
// reached the backend.
type unconfirmedWrite struct {
	event *model.Event
	err   error
}

func (e *unconfirmedWrite) Error() string { return e.err.Error() }
func (e *unconfirmedWrite) Unwrap() error { return e.err }

// classify wraps transient failures in ErrNetworkUnavailable and leaves
// logical errors untouched.
func classify(err error) error {
	for _, permanent := range []error{
		model.ErrDuplicateRevision,
		model.ErrRevisionConflict,
		model.ErrAuthRequired,
		model.ErrForbidden,
		model.ErrInvalidEvent,
		model.ErrInvalidPayload,
		model.ErrUnknownDomain,
		model.ErrUnknownOp,
	} {
		if errors.Is(err, permanent) {
			return err
		}
	}
	if errors.Is(err, model.ErrNetworkUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrNetworkUnavailable, err)
}
