// Package health watches backend reachability from a device and drains the
// ledger outbox when the backend comes back.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/jmerrifield20/eventledger/internal/ledger/model"
)

// Config holds connectivity check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Outbox is the recorder surface the monitor drives.
type Outbox interface {
	FlushOutbox(ctx context.Context) (int, error)
	PendingOutbox(ctx context.Context) ([]model.OutboxEntry, error)
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(success bool)

// PendingFunc is an optional callback receiving the outbox size after each check.
type PendingFunc func(n int)

// Monitor probes a health endpoint and flushes the outbox on recovery.
type Monitor struct {
	endpoint   string
	outbox     Outbox
	httpClient *http.Client
	clock      clockwork.Clock
	cfg        Config
	onMetrics  MetricsRecordFunc
	onPending  PendingFunc
	logger     *zap.Logger

	mu        sync.Mutex
	failCount int
	reachable bool
}

// New creates a Monitor for endpoint (e.g. "https://ledger.example.com/healthz").
// The backend counts as unreachable until the first successful probe.
func New(endpoint string, outbox Outbox, cfg Config, clock clockwork.Clock, logger *zap.Logger) *Monitor {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 2
	}
	return &Monitor{
		endpoint:   endpoint,
		outbox:     outbox,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (m *Monitor) SetMetricsRecord(fn MetricsRecordFunc) { m.onMetrics = fn }

// SetPendingRecord configures the outbox size callback.
func (m *Monitor) SetPendingRecord(fn PendingFunc) { m.onPending = fn }

// Reachable reports the last known backend state.
func (m *Monitor) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

// Start runs an immediate check and then one per interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ticker.Chan():
			m.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Check probes once. On an unreachable → reachable transition, or while
// entries are still queued, it flushes the outbox. It returns the probe result.
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	success := m.probe(probeCtx, m.endpoint)
	cancel()

	if m.onMetrics != nil {
		m.onMetrics(success)
	}

	m.mu.Lock()
	wasReachable := m.reachable
	if success {
		m.failCount = 0
		m.reachable = true
	} else {
		m.failCount++
		if m.failCount >= m.cfg.FailThreshold {
			m.reachable = false
		}
	}
	count := m.failCount
	nowReachable := m.reachable
	m.mu.Unlock()

	switch {
	case success && !wasReachable:
		m.logger.Info("health: backend reachable", zap.String("endpoint", m.endpoint))
		m.flush(ctx)
	case success:
		if m.pending(ctx) > 0 {
			m.flush(ctx)
		}
	case wasReachable && !nowReachable:
		m.logger.Warn("health: backend unreachable",
			zap.String("endpoint", m.endpoint),
			zap.Int("fail_count", count),
		)
	}
	m.report(ctx)
	return success
}

func (m *Monitor) flush(ctx context.Context) {
	n, err := m.outbox.FlushOutbox(ctx)
	if err != nil {
		m.logger.Error("health: flush outbox", zap.Error(err))
		return
	}
	if n > 0 {
		m.logger.Info("health: outbox flushed", zap.Int("written", n))
	}
}

func (m *Monitor) pending(ctx context.Context) int {
	entries, err := m.outbox.PendingOutbox(ctx)
	if err != nil {
		m.logger.Warn("health: read outbox", zap.Error(err))
		return 0
	}
	return len(entries)
}

func (m *Monitor) report(ctx context.Context) {
	if m.onPending != nil {
		m.onPending(m.pending(ctx))
	}
}

// probe attempts HEAD then GET, returning true on any 2xx response.
func (m *Monitor) probe(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err = m.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
