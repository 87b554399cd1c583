// Package store holds the transactional dedup/state contract: one request row
// per key, a waiting-party side table drained atomically at resolution, and a
// cache of completed results.
package store

import (
	"context"
	"errors"

	"coalesce/internal/domain"
)

// ErrConflict signals that another caller created the request row first. The
// loser re-enters through JoinIfProcessing/LookupCompleted; this is the single
// documented retry point.
var ErrConflict = errors.New("request already exists for key")

// ErrNotFound signals that no request row exists for the given id.
var ErrNotFound = errors.New("request not found")

// Store is implemented by the relational engines. Every multi-step operation
// runs inside a serializable transaction.
type Store interface {
	// LookupCompleted returns the request for key only when it is COMPLETED.
	LookupCompleted(ctx context.Context, key string) (domain.Request, bool, error)

	// LookupCachedResult returns the cached content for key, if any.
	LookupCachedResult(ctx context.Context, key string) (domain.CachedResult, bool, error)

	// JoinIfProcessing registers partyID on an in-flight request for key and
	// returns its id. Re-joining the same party is a no-op. Returns ok=false
	// with no side effects when no PROCESSING request exists.
	JoinIfProcessing(ctx context.Context, key, partyID string) (string, bool, error)

	// CreateNew inserts a PROCESSING request for key with partyID as its first
	// waiting party. Returns ErrConflict when any request for key exists.
	CreateNew(ctx context.Context, key, partyID string) (string, error)

	// Resolve moves a PROCESSING request to the given terminal state and
	// drains its waiting parties, returning them as the fanout set. Resolving
	// an already-terminal request returns an empty set.
	Resolve(ctx context.Context, requestID string, outcome domain.RequestState) ([]string, error)

	// UpsertResult caches content for key, rewriting only when it differs.
	UpsertResult(ctx context.Context, key, content string) error

	// RequestIDByKey returns the request id for key in any state.
	RequestIDByKey(ctx context.Context, key string) (string, bool, error)

	Close() error
}
