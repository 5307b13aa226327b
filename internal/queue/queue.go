// Package queue provides the task-queue and alerting transports used by
// the drain dispatcher: a Redis-backed implementation for deployment and
// an in-memory one for tests.
package queue

import (
	"context"
)

// Message is one queued work item. Attributes carry routing metadata
// (endpoint id, funct) and Body the parameter document.
type Message struct {
	ID         string         `json:"id,omitempty"`
	Body       string         `json:"body,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Queue is the transport the drainer consumes. TotalCount must include
// everything still owed to the queue, not just what Receive would return
// right now.
type Queue interface {
	TotalCount(ctx context.Context, name string) (int64, error)
	Receive(ctx context.Context, name string, max int) ([]Message, error)
	Push(ctx context.Context, name string, messages ...Message) error
	Delete(ctx context.Context, name string) error
}

// AlertPublisher delivers failure traces to operators. Implementations
// are best effort; callers never fail an event over a lost alert.
type AlertPublisher interface {
	Publish(ctx context.Context, subject, trace string) error
}
