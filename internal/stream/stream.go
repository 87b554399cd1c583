// Package stream defines the append-only event log contract: durable append,
// consumer-group delivery with acknowledgment, redelivery of a consumer's own
// unacknowledged entries after restart.
package stream

import "context"

// Entry is one immutable log record. The log owns ID assignment and ordering;
// producers only choose the fields.
type Entry struct {
	ID     int64
	Stream string
	Fields map[string]string
}

// Handler processes one delivered entry. A nil return acknowledges the entry
// and retires it from the group's pending set for good. An error stops the
// consume loop without acknowledging, so the entry is redelivered when a
// consumer under the same name reads again.
type Handler func(ctx context.Context, e Entry) error

// Log is the event stream contract.
type Log interface {
	// Append durably writes one entry and returns its assigned id.
	Append(ctx context.Context, stream string, fields map[string]string) (int64, error)

	// EnsureGroup creates a consumer group positioned at the beginning of the
	// stream. Calling it for an existing group is a no-op.
	EnsureGroup(ctx context.Context, stream, group string) error

	// Consume runs a sequential read loop for one named consumer. Entries not
	// yet delivered within the group go to exactly one consumer. The loop
	// exits with nil when ctx is cancelled (checked between entries) and with
	// an error when the handler or the log fails; restart policy belongs to
	// the caller.
	Consume(ctx context.Context, stream, group, consumer string, h Handler) error
}
