package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/eventledger/internal/identity"
	"github.com/jmerrifield20/eventledger/internal/ledger/authority"
	"github.com/jmerrifield20/eventledger/internal/ledger/model"
	"github.com/jmerrifield20/eventledger/internal/ledger/outbox"
	"github.com/jmerrifield20/eventledger/internal/ledger/repository"
	"github.com/jmerrifield20/eventledger/internal/ledger/service"
	"github.com/jmerrifield20/eventledger/internal/ledger/verify"
)

var owner = model.Owner{UserID: "user-1", AgentID: "agent-1"}

func authed() context.Context {
	return identity.WithOwner(context.Background(), owner)
}

// flakyStore wraps a MemoryStore with switchable connectivity.
type flakyStore struct {
	*repository.MemoryStore

	mu           sync.Mutex
	offline      bool
	loseNext     int
	beforeInsert func(e *model.Event)
}

var errConnRefused = errors.New("dial tcp 10.0.0.1:443: connect: connection refused")

func (s *flakyStore) setOffline(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = v
}

func (s *flakyStore) InsertEvent(ctx context.Context, e *model.Event) (*model.Event, error) {
	s.mu.Lock()
	offline, hook := s.offline, s.beforeInsert
	lose := s.loseNext > 0
	if lose {
		s.loseNext--
	}
	s.mu.Unlock()

	if offline {
		return nil, errConnRefused
	}
	if hook != nil {
		hook(e)
	}
	row, err := s.MemoryStore.InsertEvent(ctx, e)
	if err == nil && lose {
		return nil, errors.New("read tcp: connection reset by peer")
	}
	return row, err
}

func (s *flakyStore) CurrentRevision(ctx context.Context, d model.Domain, id string) (*model.Event, error) {
	s.mu.Lock()
	offline := s.offline
	s.mu.Unlock()
	if offline {
		return nil, errConnRefused
	}
	return s.MemoryStore.CurrentRevision(ctx, d, id)
}

func (s *flakyStore) EventAtRevision(ctx context.Context, d model.Domain, id string, rev int) (*model.Event, error) {
	s.mu.Lock()
	offline := s.offline
	s.mu.Unlock()
	if offline {
		return nil, errConnRefused
	}
	return s.MemoryStore.EventAtRevision(ctx, d, id, rev)
}

// authoritySigner adapts an in-process Authority to service.SignedWriter.
type authoritySigner struct {
	a    *authority.Authority
	fail bool
}

func (s *authoritySigner) AppendSigned(ctx context.Context, insert *model.Event) (*model.Event, bool) {
	if s.fail {
		return nil, false
	}
	row, _, err := s.a.AppendSigned(ctx, model.Owner{UserID: insert.OwnerUserID, AgentID: insert.OwnerAgentID}, insert)
	return row, err == nil
}

type fakeMetrics struct {
	mu      sync.Mutex
	paths   []service.WritePath
	flushes [][2]int
}

func (m *fakeMetrics) RecordWrite(_ model.Domain, p service.WritePath) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = append(m.paths, p)
}

func (m *fakeMetrics) RecordFlush(written, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes = append(m.flushes, [2]int{written, failed})
}

type fixture struct {
	rec     *service.Recorder
	store   *flakyStore
	queue   *outbox.MemoryQueue
	metrics *fakeMetrics
	clock   *clockwork.FakeClock
	auth    *authority.Authority
	keys    verify.KeyTable
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC))
	mem := repository.NewMemoryStore(clock)
	store := &flakyStore{MemoryStore: mem}
	queue := outbox.NewMemoryQueue()
	key, err := authority.GenerateKey("k1")
	require.NoError(t, err)

	rec := service.NewRecorder(store, queue, clock, zap.NewNop())
	m := &fakeMetrics{}
	rec.SetMetricsRecorder(m)
	return &fixture{
		rec:     rec,
		store:   store,
		queue:   queue,
		metrics: m,
		clock:   clock,
		auth:    authority.New(mem, key, clock, zap.NewNop()),
		keys:    verify.KeyTable{"k1": key.Public()},
	}
}

func appendReq(eventType string) service.AppendRequest {
	return service.AppendRequest{
		Domain:     model.DomainIdentity,
		EventType:  eventType,
		EntityType: "user",
		EntityID:   "u-42",
		Category:   "account",
		Payload:    model.Payload{"email": "a@example.com", "attempt": 1},
		Source:     "device-test",
	}
}

func reviseReq(logicalID, eventType string, op model.Op) service.RevisionRequest {
	return service.RevisionRequest{
		Domain:    model.DomainIdentity,
		LogicalID: logicalID,
		EventType: eventType,
		Op:        op,
		Payload:   model.Payload{"email": "b@example.com"},
		Source:    "device-test",
	}
}

func queued(t *testing.T, q outbox.Queue) []model.OutboxEntry {
	t.Helper()
	entries, err := q.ReadAll(context.Background())
	require.NoError(t, err)
	return entries
}

func TestAppend_plainWrite(t *testing.T) {
	f := newFixture(t)

	row, err := f.rec.Append(authed(), appendReq("email_verified"))
	require.NoError(t, err)
	require.True(t, row.Persisted())
	require.Equal(t, 0, row.Revision)
	require.Empty(t, row.SupersedesID)
	require.Equal(t, model.OpAssert, row.Op)
	require.Equal(t, owner.UserID, row.OwnerUserID)
	require.Equal(t, owner.AgentID, row.OwnerAgentID)
	require.Equal(t, f.clock.Now().UTC(), row.OccurredAt)
	require.Equal(t, "device-test", row.Payload[model.PayloadSource])
	require.NotNil(t, row.Payload[model.PayloadSchemaVersion])
	require.NotEmpty(t, row.LogicalID)

	require.Empty(t, queued(t, f.queue))
	require.Equal(t, []service.WritePath{service.WritePathPlain}, f.metrics.paths)
}

func TestAppend_signedWriteVerifies(t *testing.T) {
	f := newFixture(t)
	f.rec.SetSigner(&authoritySigner{a: f.auth})

	row, err := f.rec.Append(authed(), appendReq("email_verified"))
	require.NoError(t, err)

	receipt, err := f.store.GetReceipt(context.Background(), row.ID)
	require.NoError(t, err)
	require.True(t, receipt.IsSigned())
	require.True(t, verify.New(f.keys).Verify(receipt))
	require.Equal(t, []service.WritePath{service.WritePathSigned}, f.metrics.paths)
}

func TestAppend_signerDownFallsBackToPlain(t *testing.T) {
	f := newFixture(t)
	f.rec.SetSigner(&authoritySigner{a: f.auth, fail: true})

	row, err := f.rec.Append(authed(), appendReq("email_verified"))
	require.NoError(t, err)

	receipt, err := f.store.GetReceipt(context.Background(), row.ID)
	require.NoError(t, err)
	require.False(t, receipt.IsSigned())
	require.Equal(t, 1, f.store.Len())
	require.Empty(t, queued(t, f.queue))
}

func TestAppend_requiresOwner(t *testing.T) {
	f := newFixture(t)
	f.store.setOffline(true)

	_, err := f.rec.Append(context.Background(), appendReq("email_verified"))
	require.ErrorIs(t, err, model.ErrAuthRequired)
	_, err = f.rec.AppendRevision(context.Background(), reviseReq("l1", "email_verified", model.OpAssert))
	require.ErrorIs(t, err, model.ErrAuthRequired)

	require.Empty(t, queued(t, f.queue))
}

func TestAppend_rejectsInvalidInput(t *testing.T) {
	f := newFixture(t)

	req := appendReq("email_verified")
	req.Source = ""
	_, err := f.rec.Append(authed(), req)
	require.ErrorIs(t, err, model.ErrInvalidPayload)

	req = appendReq("email_verified")
	req.Domain = "billing"
	_, err = f.rec.Append(authed(), req)
	require.ErrorIs(t, err, model.ErrUnknownDomain)

	req = appendReq("email_verified")
	req.Payload = model.Payload{"ch": make(chan int)}
	_, err = f.rec.Append(authed(), req)
	require.ErrorIs(t, err, model.ErrInvalidPayload)

	rev := reviseReq("l1", "email_verified", "archive")
	_, err = f.rec.AppendRevision(authed(), rev)
	require.ErrorIs(t, err, model.ErrUnknownOp)

	require.Equal(t, 0, f.store.Len())
	require.Empty(t, queued(t, f.queue))
}

func TestAppend_offlineQueuesAndFlushes(t *testing.T) {
	f := newFixture(t)
	f.store.setOffline(true)

	provisional, err := f.rec.Append(authed(), appendReq("email_verified"))
	require.NoError(t, err)
	require.False(t, provisional.Persisted())
	require.Equal(t, 0, f.store.Len())

	entries := queued(t, f.queue)
	require.Len(t, entries, 1)
	require.Equal(t, provisional.LogicalID, entries[0].Insert.LogicalID)
	require.False(t, entries[0].Rebase)

	// Still offline: the entry stays with its failure recorded.
	n, err := f.rec.FlushOutbox(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	entries = queued(t, f.queue)
	require.Len(t, entries, 1)
	require.Equal(t, 1, entries[0].Attempts)
	require.Contains(t, entries[0].LastError, "connection refused")

	f.store.setOffline(false)
	n, err = f.rec.FlushOutbox(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, queued(t, f.queue))

	cur, err := f.store.CurrentRevision(context.Background(), model.DomainIdentity, provisional.LogicalID)
	require.NoError(t, err)
	require.Equal(t, 0, cur.Revision)

	inserts := f.store.Inserts()
	n, err = f.rec.FlushOutbox(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, inserts, f.store.Inserts())

	require.Equal(t, [][2]int{{0, 1}, {1, 0}}, f.metrics.flushes)
}

func TestAppendRevision_chainsOntoCurrent(t *testing.T) {
	f := newFixture(t)

	first, err := f.rec.Append(authed(), appendReq("email_verified"))
	require.NoError(t, err)

	second, err := f.rec.AppendRevision(authed(), reviseReq(first.LogicalID, "email_verified", model.OpAssert))
	require.NoError(t, err)
	require.Equal(t, 1, second.Revision)
	require.Equal(t, first.ID, second.SupersedesID)
	require.Equal(t, first.EntityType, second.EntityType)
	require.Equal(t, first.EntityID, second.EntityID)
	require.Equal(t, first.Category, second.Category)

	void, err := f.rec.AppendRevision(authed(), reviseReq(first.LogicalID, "email_verified", model.OpVoid))
	require.NoError(t, err)
	require.Equal(t, 2, void.Revision)
	require.Equal(t, second.ID, void.SupersedesID)
	require.Equal(t, model.OpVoid, void.Op)

	cur, err := f.store.CurrentRevision(context.Background(), model.DomainIdentity, first.LogicalID)
	require.NoError(t, err)
	require.Equal(t, void.ID, cur.ID)
}

func TestAppendRevision_unknownLogicalIDStartsAtZero(t *testing.T) {
	f := newFixture(t)

	row, err := f.rec.AppendRevision(authed(), reviseReq("fresh", "email_verified", model.OpAssert))
	require.NoError(t, err)
	require.Equal(t, 0, row.Revision)
	require.Empty(t, row.SupersedesID)
}

func TestAppendRevision_eventTypeMismatchConflicts(t *testing.T) {
	f := newFixture(t)

	first, err := f.rec.Append(authed(), appendReq("email_verified"))
	require.NoError(t, err)

	_, err = f.rec.AppendRevision(authed(), reviseReq(first.LogicalID, "phone_verified", model.OpAssert))
	require.ErrorIs(t, err, model.ErrRevisionConflict)

	var conflict *model.RevisionConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, "email_verified", conflict.CurrentEventType)
	require.Equal(t, "phone_verified", conflict.RequestedEventType)

	require.Equal(t, 1, f.store.Len())
	require.Empty(t, queued(t, f.queue))
}

func TestAppendRevision_retriesAfterConcurrentWriter(t *testing.T) {
	f := newFixture(t)

	first, err := f.rec.Append(authed(), appendReq("email_verified"))
	require.NoError(t, err)

	var once sync.Once
	f.store.beforeInsert = func(e *model.Event) {
		once.Do(func() {
			other := *e
			other.Payload = model.Payload{"source": "other-device", "schema_version": 1}
			_, err := f.store.MemoryStore.InsertEvent(context.Background(), &other)
			require.NoError(t, err)
		})
	}

	row, err := f.rec.AppendRevision(authed(), reviseReq(first.LogicalID, "email_verified", model.OpAssert))
	require.NoError(t, err)
	require.Equal(t, 2, row.Revision)

	prev, err := f.store.EventAtRevision(context.Background(), model.DomainIdentity, first.LogicalID, 1)
	require.NoError(t, err)
	require.Equal(t, "other-device", prev.Payload["source"])
	require.Equal(t, prev.ID, row.SupersedesID)
}

func TestAppendRevision_persistentRaceSurfacesConflict(t *testing.T) {
	f := newFixture(t)
	f.rec.SetMaxRevisionAttempts(3)

	first, err := f.rec.Append(authed(), appendReq("email_verified"))
	require.NoError(t, err)

	f.store.beforeInsert = func(e *model.Event) {
		other := *e
		other.Payload = model.Payload{"source": "other-device", "schema_version": 1}
		_, _ = f.store.MemoryStore.InsertEvent(context.Background(), &other)
	}

	_, err = f.rec.AppendRevision(authed(), reviseReq(first.LogicalID, "email_verified", model.OpAssert))
	var conflict *model.RevisionConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	require.Equal(t, 3, conflict.Attempts)
	require.Empty(t, queued(t, f.queue))
}

func TestAppend_assignsCorrelationID(t *testing.T) {
	f := newFixture(t)

	a, err := f.rec.Append(authed(), appendReq("email_verified"))
	require.NoError(t, err)
	b, err := f.rec.Append(authed(), appendReq("email_verified"))
	require.NoError(t, err)
	require.NotEmpty(t, a.Payload[model.PayloadCorrelationID])
	require.NotEqual(t, a.Payload[model.PayloadCorrelationID], b.Payload[model.PayloadCorrelationID])

	req := appendReq("email_verified")
	req.CorrelationID = "req-7"
	c, err := f.rec.Append(authed(), req)
	require.NoError(t, err)
	require.Equal(t, "req-7", c.Payload[model.PayloadCorrelationID])

	req = appendReq("email_verified")
	req.Payload = model.Payload{model.PayloadCorrelationID: "in-payload"}
	d, err := f.rec.Append(authed(), req)
	require.NoError(t, err)
	require.Equal(t, "in-payload", d.Payload[model.PayloadCorrelationID])
}

func TestAppendRevision_identicalRevisionFromAnotherDeviceIsNotMerged(t *testing.T) {
	f := newFixture(t)

	first, err := f.rec.Append(authed(), appendReq("email_verified"))
	require.NoError(t, err)

	// A second device with the same owner writes the same revision, with the
	// same payload at the same instant, just before this one.
	other := service.NewRecorder(f.store.MemoryStore, outbox.NewMemoryQueue(), f.clock, zap.NewNop())
	var once sync.Once
	f.store.beforeInsert = func(*model.Event) {
		once.Do(func() {
			_, err := other.AppendRevision(authed(), reviseReq(first.LogicalID, "email_verified", model.OpAssert))
			require.NoError(t, err)
		})
	}

	row, err := f.rec.AppendRevision(authed(), reviseReq(first.LogicalID, "email_verified", model.OpAssert))
	require.NoError(t, err)
	require.Equal(t, 2, row.Revision)
	require.Equal(t, 3, f.store.Len())
	requireChain(t, f.store, first.LogicalID, 3)
}

func TestAppend_lostResponseIsNotWrittenTwice(t *testing.T) {
	f := newFixture(t)
	f.store.loseNext = 1

	provisional, err := f.rec.Append(authed(), appendReq("email_verified"))
	require.NoError(t, err)
	require.Equal(t, 1, f.store.Len())
	require.Len(t, queued(t, f.queue), 1)

	n, err := f.rec.FlushOutbox(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, f.store.Len())
	require.Empty(t, queued(t, f.queue))

	cur, err := f.store.CurrentRevision(context.Background(), model.DomainIdentity, provisional.LogicalID)
	require.NoError(t, err)
	require.Equal(t, 0, cur.Revision)
}

func TestAppendRevision_lostResponseIsNotRevisedTwice(t *testing.T) {
	f := newFixture(t)

	first, err := f.rec.Append(authed(), appendReq("email_verified"))
	require.NoError(t, err)

	f.store.loseNext = 1
	_, err = f.rec.AppendRevision(authed(), reviseReq(first.LogicalID, "email_verified", model.OpAssert))
	require.NoError(t, err)
	require.Equal(t, 2, f.store.Len())

	entries := queued(t, f.queue)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Rebase)

	n, err := f.rec.FlushOutbox(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 2, f.store.Len())
}

func TestAppendRevision_offlineChainsOntoQueuedEntries(t *testing.T) {
	f := newFixture(t)
	f.store.setOffline(true)

	first, err := f.rec.Append(authed(), appendReq("email_verified"))
	require.NoError(t, err)
	r1, err := f.rec.AppendRevision(authed(), reviseReq(first.LogicalID, "email_verified", model.OpAssert))
	require.NoError(t, err)
	require.Equal(t, 1, r1.Revision)
	require.Equal(t, first.EntityID, r1.EntityID)
	r2, err := f.rec.AppendRevision(authed(), reviseReq(first.LogicalID, "email_verified", model.OpVoid))
	require.NoError(t, err)
	require.Equal(t, 2, r2.Revision)

	// The event type check also runs against queued entries.
	_, err = f.rec.AppendRevision(authed(), reviseReq(first.LogicalID, "phone_verified", model.OpAssert))
	require.ErrorIs(t, err, model.ErrRevisionConflict)
	require.Len(t, queued(t, f.queue), 3)

	f.store.setOffline(false)
	n, err := f.rec.FlushOutbox(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	requireChain(t, f.store, first.LogicalID, 3)

	cur, err := f.store.CurrentRevision(context.Background(), model.DomainIdentity, first.LogicalID)
	require.NoError(t, err)
	require.Equal(t, model.OpVoid, cur.Op)
}

func TestAppendRevision_offlineWithoutQueuedBaseRebasesAtFlush(t *testing.T) {
	f := newFixture(t)

	first, err := f.rec.Append(authed(), appendReq("email_verified"))
	require.NoError(t, err)

	f.store.setOffline(true)
	provisional, err := f.rec.AppendRevision(authed(), reviseReq(first.LogicalID, "email_verified", model.OpAssert))
	require.NoError(t, err)
	require.Equal(t, 0, provisional.Revision)
	require.False(t, provisional.Persisted(), "a queued revision has no row id")
	require.Empty(t, provisional.SupersedesID)

	entries := queued(t, f.queue)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Rebase)

	f.store.setOffline(false)
	n, err := f.rec.FlushOutbox(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	requireChain(t, f.store, first.LogicalID, 2)

	cur, err := f.store.CurrentRevision(context.Background(), model.DomainIdentity, first.LogicalID)
	require.NoError(t, err)
	require.Equal(t, 1, cur.Revision)
	require.Equal(t, first.ID, cur.SupersedesID)
}

func TestAppendRevision_onlineWaitsBehindQueuedChain(t *testing.T) {
	f := newFixture(t)
	f.store.setOffline(true)
	first, err := f.rec.Append(authed(), appendReq("email_verified"))
	require.NoError(t, err)
	f.store.setOffline(false)

	_, err = f.rec.AppendRevision(authed(), reviseReq(first.LogicalID, "email_verified", model.OpAssert))
	require.NoError(t, err)
	require.Equal(t, 0, f.store.Len())
	require.Len(t, queued(t, f.queue), 2)

	n, err := f.rec.FlushOutbox(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	requireChain(t, f.store, first.LogicalID, 2)
}

func TestFlushOutbox_concurrentCallersWriteOnce(t *testing.T) {
	f := newFixture(t)
	f.store.setOffline(true)
	for i := 0; i < 5; i++ {
		_, err := f.rec.Append(authed(), appendReq("email_verified"))
		require.NoError(t, err)
	}
	f.store.setOffline(false)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.rec.FlushOutbox(context.Background())
		}()
	}
	wg.Wait()

	require.Equal(t, 5, f.store.Len())
	require.Equal(t, 5, f.store.Inserts())
	require.Empty(t, queued(t, f.queue))
}

func TestFlushOutbox_keepsEntriesQueuedDuringFlush(t *testing.T) {
	f := newFixture(t)
	f.store.setOffline(true)
	_, err := f.rec.Append(authed(), appendReq("email_verified"))
	require.NoError(t, err)
	f.store.setOffline(false)

	late := model.OutboxEntry{
		ID:       "late",
		QueuedAt: f.clock.Now(),
		Insert: model.Event{
			Domain:       model.DomainExpertise,
			OwnerUserID:  owner.UserID,
			OwnerAgentID: owner.AgentID,
			LogicalID:    "late-1",
			Op:           model.OpAssert,
			EventType:    "expertise_claimed",
			OccurredAt:   f.clock.Now(),
			Payload:      model.Payload{"source": "device-test"},
		},
	}
	var once sync.Once
	f.store.beforeInsert = func(*model.Event) {
		once.Do(func() {
			require.NoError(t, f.queue.Append(context.Background(), late))
		})
	}

	n, err := f.rec.FlushOutbox(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	entries := queued(t, f.queue)
	require.Len(t, entries, 1)
	require.Equal(t, "late", entries[0].ID)
}

func TestFlushOutbox_callerCancellationDoesNotTruncatePass(t *testing.T) {
	f := newFixture(t)
	f.store.setOffline(true)
	for i := 0; i < 2; i++ {
		_, err := f.rec.Append(authed(), appendReq("email_verified"))
		require.NoError(t, err)
	}
	f.store.setOffline(false)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.store.beforeInsert = func(*model.Event) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.rec.FlushOutbox(ctx)
		done <- err
	}()

	<-entered
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		pending, err := f.rec.PendingOutbox(context.Background())
		return err == nil && len(pending) == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, f.store.Len())
}

func TestRecorder_offlineRevisionsConvergeAfterFlush(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("a chain written through any mix of outages is contiguous", prop.ForAll(
		func(offline []bool) bool {
			f := newFixture(t)
			var logicalID string
			for i, off := range offline {
				f.store.setOffline(off)
				if i == 0 {
					req := appendReq("email_verified")
					req.Payload = model.Payload{"step": i}
					row, err := f.rec.Append(authed(), req)
					if err != nil {
						return false
					}
					logicalID = row.LogicalID
					continue
				}
				req := reviseReq(logicalID, "email_verified", model.OpAssert)
				req.Payload = model.Payload{"step": i}
				if _, err := f.rec.AppendRevision(authed(), req); err != nil {
					return false
				}
			}

			f.store.setOffline(false)
			if _, err := f.rec.FlushOutbox(context.Background()); err != nil {
				return false
			}
			if len(queued(t, f.queue)) != 0 || f.store.Len() != len(offline) {
				return false
			}
			return chainOK(f.store, logicalID, len(offline))
		},
		gen.SliceOfN(6, gen.Bool()),
	))

	properties.TestingRun(t)
}

func requireChain(t *testing.T, store *flakyStore, logicalID string, n int) {
	t.Helper()
	require.True(t, chainOK(store, logicalID, n), "chain %s is not 0..%d", logicalID, n-1)
}

// chainOK reports whether logicalID has revisions 0..n-1, each superseding
// the one before.
func chainOK(store *flakyStore, logicalID string, n int) bool {
	var prevID string
	for rev := 0; rev < n; rev++ {
		e, err := store.EventAtRevision(context.Background(), model.DomainIdentity, logicalID, rev)
		if err != nil || e.SupersedesID != prevID {
			return false
		}
		prevID = e.ID
	}
	_, err := store.EventAtRevision(context.Background(), model.DomainIdentity, logicalID, n)
	return errors.Is(err, model.ErrNotFound)
}

func ExampleRecorder_Append() {
	clock := clockwork.NewFakeClock()
	rec := service.NewRecorder(repository.NewMemoryStore(clock), outbox.NewMemoryQueue(), clock, zap.NewNop())

	ctx := identity.WithOwner(context.Background(), model.Owner{UserID: "u1", AgentID: "agt_1"})
	row, err := rec.Append(ctx, service.AppendRequest{
		Domain:    model.DomainExpertise,
		EventType: "expertise_claimed",
		Payload:   model.Payload{"name": "espresso"},
		Source:    "example",
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(row.Revision, row.Op, row.Payload["source"])
	// Output: 0 assert example
}
