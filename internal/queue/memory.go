package queue

import (
	"context"
	"sync"
)

// MemoryQueue is an in-memory Queue for tests and single-process use.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string][]Message
}

// NewMemoryQueue creates an empty in-memory queue set.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{queues: map[string][]Message{}}
}

// TotalCount implements Queue.
func (q *MemoryQueue) TotalCount(_ context.Context, name string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.queues[name])), nil
}

// Receive implements Queue.
func (q *MemoryQueue) Receive(_ context.Context, name string, max int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.queues[name]
	if len(pending) == 0 {
		return nil, nil
	}
	if max > len(pending) {
		max = len(pending)
	}
	batch := make([]Message, max)
	copy(batch, pending[:max])
	q.queues[name] = pending[max:]
	return batch, nil
}

// Push implements Queue.
func (q *MemoryQueue) Push(_ context.Context, name string, messages ...Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[name] = append(q.queues[name], messages...)
	return nil
}

// Delete implements Queue.
func (q *MemoryQueue) Delete(_ context.Context, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, name)
	return nil
}

// Exists reports whether the queue still has storage allocated, deleted
// queues included.
func (q *MemoryQueue) Exists(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queues[name]
	return ok
}

// MemoryAlerts records published alerts for assertions.
type MemoryAlerts struct {
	mu     sync.Mutex
	Alerts []struct{ Subject, Trace string }
}

// Publish implements AlertPublisher.
func (a *MemoryAlerts) Publish(_ context.Context, subject, trace string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Alerts = append(a.Alerts, struct{ Subject, Trace string }{subject, trace})
	return nil
}

// Count returns how many alerts have been published.
func (a *MemoryAlerts) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Alerts)
}
