package outbox

import (
	"context"
	"sync"

	"github.com/jmerrifield20/eventledger/internal/ledger/model"
)

// MemoryQueue is an in-process Queue. Its contents do not survive a restart.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []model.OutboxEntry
}

// NewMemoryQueue returns an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue { return &MemoryQueue{} }

// Append implements Queue.
func (q *MemoryQueue) Append(_ context.Context, entry model.OutboxEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, cloneEntry(entry))
	return nil
}

// ReadAll implements Queue.
func (q *MemoryQueue) ReadAll(context.Context) ([]model.OutboxEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.OutboxEntry, len(q.entries))
	for i, e := range q.entries {
		out[i] = cloneEntry(e)
	}
	return out, nil
}

// ReplaceAll implements Queue.
func (q *MemoryQueue) ReplaceAll(_ context.Context, entries []model.OutboxEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make([]model.OutboxEntry, len(entries))
	for i, e := range entries {
		q.entries[i] = cloneEntry(e)
	}
	return nil
}

func cloneEntry(e model.OutboxEntry) model.OutboxEntry {
	e.Insert.Payload = e.Insert.Payload.Clone()
	return e
}
