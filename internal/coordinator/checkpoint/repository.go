package checkpoint

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Load when no saga exists for the ID.
	ErrNotFound = errors.New("checkpoint: saga not found")

	// ErrConflict is returned by Save when the caller's Version is stale,
	// meaning another writer committed first. The loser must reload and
	// re-decide; it must not retry the same write blindly.
	ErrConflict = errors.New("checkpoint: version conflict")
)

// Store is the port for saga persistence. The coordinator depends on this
// abstraction, not on SQLite directly, so the implementation can be swapped
// for the in-memory store in tests.
//
// All operations are scoped to a single saga ID; implementations must make
// Save atomic per saga (compare-and-swap on Version) but need no cross-saga
// coordination.
type Store interface {
	// Load returns a snapshot of the saga, or ErrNotFound.
	Load(ctx context.Context, sagaID string) (*SagaState, error)

	// Save commits a state snapshot. For a new saga (Version 0 and no
	// existing row) it inserts; otherwise it compares the snapshot's
	// Version against the stored one and returns ErrConflict on mismatch.
	// On success the passed state's Version and UpdatedAt are bumped.
	Save(ctx context.Context, state *SagaState) error

	// ListUnfinished returns every saga not yet in a terminal phase, for
	// the resume scan on process start.
	ListUnfinished(ctx context.Context) ([]*SagaState, error)

	// PurgeTerminal deletes terminal sagas whose last update is older than
	// the cutoff, returning how many were removed.
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int, error)

	// AppendTransition records one committed phase transition in the audit
	// trail. Best-effort from the orchestrator's point of view: a failed
	// append never blocks the saga.
	AppendTransition(ctx context.Context, tr *Transition) error
}
