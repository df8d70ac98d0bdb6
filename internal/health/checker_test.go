package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/jmerrifield20/eventledger/internal/ledger/model"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubOutbox struct {
	mu      sync.Mutex
	pending int
	flushes int
	flushed chan struct{}
}

func newStubOutbox(pending int) *stubOutbox {
	return &stubOutbox{pending: pending, flushed: make(chan struct{}, 16)}
}

func (s *stubOutbox) FlushOutbox(context.Context) (int, error) {
	s.mu.Lock()
	n := s.pending
	s.pending = 0
	s.flushes++
	s.mu.Unlock()
	s.flushed <- struct{}{}
	return n, nil
}

func (s *stubOutbox) PendingOutbox(context.Context) ([]model.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return make([]model.OutboxEntry, s.pending), nil
}

func (s *stubOutbox) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// switchServer answers 200 while up is set and 503 otherwise.
func switchServer(t *testing.T) (*httptest.Server, *atomic.Bool) {
	t.Helper()
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if up.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return srv, &up
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestProbe(t *testing.T) {
	srv, up := switchServer(t)
	m := New(srv.URL, newStubOutbox(0), Config{ProbeTimeout: 5 * time.Second}, clockwork.NewFakeClock(), zap.NewNop())

	up.Store(true)
	if !m.probe(context.Background(), srv.URL) {
		t.Error("expected probe to succeed")
	}
	up.Store(false)
	if m.probe(context.Background(), srv.URL) {
		t.Error("expected probe to fail")
	}
	if m.probe(context.Background(), "http://127.0.0.1:1/healthz") {
		t.Error("expected probe of closed port to fail")
	}
}

func TestCheck_flushesOnRecovery(t *testing.T) {
	srv, up := switchServer(t)
	outbox := newStubOutbox(3)
	m := New(srv.URL, outbox, Config{FailThreshold: 2}, clockwork.NewFakeClock(), zap.NewNop())

	var probes, pendingReports []int
	m.SetMetricsRecord(func(ok bool) {
		if ok {
			probes = append(probes, 1)
		} else {
			probes = append(probes, 0)
		}
	})
	m.SetPendingRecord(func(n int) { pendingReports = append(pendingReports, n) })

	if m.Check(context.Background()) {
		t.Fatal("expected first probe to fail")
	}
	if m.Reachable() {
		t.Error("backend must start unreachable")
	}
	if outbox.flushCount() != 0 {
		t.Fatal("must not flush while unreachable")
	}

	up.Store(true)
	if !m.Check(context.Background()) {
		t.Fatal("expected probe to succeed")
	}
	if !m.Reachable() {
		t.Error("expected reachable after success")
	}
	if outbox.flushCount() != 1 {
		t.Errorf("expected 1 flush on recovery, got %d", outbox.flushCount())
	}

	// Reachable and nothing queued: no further flushes.
	m.Check(context.Background())
	if outbox.flushCount() != 1 {
		t.Errorf("expected no flush with an empty outbox, got %d", outbox.flushCount())
	}

	if len(probes) != 3 || probes[0] != 0 || probes[1] != 1 {
		t.Errorf("unexpected probe metrics %v", probes)
	}
	if len(pendingReports) != 3 || pendingReports[0] != 3 || pendingReports[2] != 0 {
		t.Errorf("unexpected pending reports %v", pendingReports)
	}
}

func TestCheck_unreachableAfterThreshold(t *testing.T) {
	srv, up := switchServer(t)
	up.Store(true)
	m := New(srv.URL, newStubOutbox(0), Config{FailThreshold: 3}, clockwork.NewFakeClock(), zap.NewNop())

	m.Check(context.Background())
	up.Store(false)
	for i := 0; i < 2; i++ {
		m.Check(context.Background())
		if !m.Reachable() {
			t.Fatalf("unreachable after %d failures, threshold is 3", i+1)
		}
	}
	m.Check(context.Background())
	if m.Reachable() {
		t.Error("expected unreachable at threshold")
	}
}

func TestCheck_flushesLeftoversWhileReachable(t *testing.T) {
	srv, up := switchServer(t)
	up.Store(true)
	outbox := newStubOutbox(0)
	m := New(srv.URL, outbox, Config{}, clockwork.NewFakeClock(), zap.NewNop())

	m.Check(context.Background())
	outbox.mu.Lock()
	outbox.pending = 2
	outbox.mu.Unlock()

	m.Check(context.Background())
	if outbox.flushCount() != 2 {
		t.Errorf("expected a flush for queued entries, got %d flushes", outbox.flushCount())
	}
}

func TestStart_checksEveryInterval(t *testing.T) {
	srv, up := switchServer(t)
	outbox := newStubOutbox(1)
	clock := clockwork.NewFakeClock()
	m := New(srv.URL, outbox, Config{CheckInterval: time.Minute}, clock, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	up.Store(true)
	clock.Advance(time.Minute)

	select {
	case <-outbox.flushed:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a flush after the backend came back")
	}

	cancel()
	<-done
}
