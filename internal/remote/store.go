// Package remote defines the boundary to the per-record remote store and
// provides the self-hosted sqlite backend plus the change-notification
// subscriber.
//
// The store partitions records into zones (one per calendar week) and
// detects write conflicts with opaque change tags: every fetch returns a
// metadata blob that must be resubmitted unmodified on the next write of
// that record. A write carrying a stale blob is rejected with the current
// server copy so the caller can merge and retry.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"treeline/internal/record"
)

// ErrZoneNotFound reports that the addressed zone does not exist. During
// migration this is a meaningful "first device" signal, not a failure.
var ErrZoneNotFound = errors.New("remote: zone not found")

// ConflictError reports an optimistic-concurrency rejection. Server holds
// the record currently on the server, ready to hand to the conflict
// resolver.
type ConflictError struct {
	Server record.Record
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote: conflicting write for record %s", e.Server.ID)
}

// SaveResult is the per-record outcome of a batch save. On success Record
// is the saved record with fresh metadata; on conflict Err is a
// *ConflictError and Record is the server's copy.
type SaveResult struct {
	Record record.Record
	Err    error
}

// ChangeSet is one page of incremental changes from a zone. Token is the
// opaque resumption state to persist and supply on the next fetch.
type ChangeSet struct {
	Changed []record.Record
	Deleted []uuid.UUID
	Token   []byte
}

// Store is the remote per-record store.
//
// All operations take a context because they cross the network in real
// deployments; implementations must be safe for use from a single
// scheduler goroutine. Saves and deletes are idempotent upserts keyed by
// record identifier, which is what makes retries after transient failures
// safe.
type Store interface {
	// EnsureZone creates the zone if it does not exist. Idempotent.
	EnsureZone(ctx context.Context, zone string) error

	// HasRecords reports whether the zone contains any live record of the
	// given type. Returns ErrZoneNotFound when the zone is absent.
	HasRecords(ctx context.Context, zone, recordType string) (bool, error)

	// SaveRecords writes a batch. Per-record failures (conflicts) are
	// isolated into SaveResults; the returned error is reserved for
	// whole-batch failures such as a missing zone or lost connectivity.
	SaveRecords(ctx context.Context, zone string, recs []record.Record) ([]SaveResult, error)

	// DeleteRecords tombstones the given records. Unknown identifiers are
	// ignored.
	DeleteRecords(ctx context.Context, zone string, ids []uuid.UUID) error

	// FetchChanges returns records changed since the supplied resumption
	// token (nil for everything). Returns ErrZoneNotFound when the zone is
	// absent.
	FetchChanges(ctx context.Context, zone string, token []byte) (*ChangeSet, error)
}
