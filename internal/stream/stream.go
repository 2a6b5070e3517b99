// Package stream abstracts the durable event stream between the wrapper
// service and the CRM service.
package stream

import (
	"context"
	"time"
)

// Message is one delivered stream entry. Values are string-only by transport
// constraint; numeric fields are re-parsed by the envelope codec.
type Message struct {
	ID     string
	Values map[string]string
}

// GroupInfo describes one consumer group on a stream.
type GroupInfo struct {
	Name            string
	Consumers       int64
	Pending         int64
	Lag             int64
	LastDeliveredID string
}

// PendingSummary aggregates unacknowledged deliveries for a group.
type PendingSummary struct {
	Count     int64
	Lower     string
	Higher    string
	Consumers map[string]int64
}

// PendingEntry is one unacknowledged delivery.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	RetryCount int64
}

// Stream is an append-only log with consumer-group semantics: publish
// returns a monotonic message id, groups share a named cursor, deliveries
// stay pending until explicitly acknowledged.
type Stream interface {
	// Publish appends values and returns the assigned message id. It never
	// blocks on consumer availability.
	Publish(ctx context.Context, stream string, values map[string]string) (string, error)

	// EnsureGroup creates the consumer group if it does not exist yet; an
	// already existing group is not an error.
	EnsureGroup(ctx context.Context, stream, group, start string) error

	// ReadGroup blocks up to the given timeout for messages not yet
	// delivered to the group. An empty slice means the block timed out.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)

	// ReadBacklog returns messages previously delivered to this consumer but
	// never acknowledged — the crash recovery path.
	ReadBacklog(ctx context.Context, stream, group, consumer string, count int64) ([]Message, error)

	// Ack marks messages as processed for the group.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	Len(ctx context.Context, stream string) (int64, error)
	Groups(ctx context.Context, stream string) ([]GroupInfo, error)
	Pending(ctx context.Context, stream, group string) (*PendingSummary, error)
	PendingEntries(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error)
}
