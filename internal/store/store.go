// Package store owns match persistence: the Store contract, the Postgres
// implementation and the conflict-retrying event appender. The store is the
// sole source of truth for match state; in-process copies are caches and are
// never trusted for writes.
package store

import (
	"context"
	"errors"

	"github.com/spk364/procomp/internal/match"
)

var (
	// ErrNotFound is returned when a match id does not exist.
	ErrNotFound = errors.New("match not found")
	// ErrVersionConflict is returned when the expected version lost the
	// compare-and-set race.
	ErrVersionConflict = errors.New("match version conflict")
	// ErrUnavailable is returned when the backing store cannot be reached,
	// including while the circuit breaker is open.
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the persistence contract for the match aggregate and its event
// log. Implementations must make (LoadMatch, AppendEvents) serializable per
// match id; the Postgres implementation does this with a compare-and-set on
// version.
type Store interface {
	// LoadMatch returns the current aggregate or ErrNotFound.
	LoadMatch(ctx context.Context, id string) (*match.Match, error)

	// AppendEvents atomically persists the updated aggregate and its newly
	// emitted events, guarded by expectedVersion. Returns the new version,
	// or ErrVersionConflict / ErrNotFound.
	AppendEvents(ctx context.Context, matchID string, expectedVersion uint64, updated *match.Match, events []match.Event) (uint64, error)

	// RecentEvents returns up to limit events with sequence > sinceSequence,
	// in ascending sequence order.
	RecentEvents(ctx context.Context, matchID string, sinceSequence uint64, limit int) ([]match.Event, error)

	// Ping verifies the store answers a trivial query.
	Ping(ctx context.Context) error
}
