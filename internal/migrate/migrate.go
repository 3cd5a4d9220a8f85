// Package migrate bootstraps a local outline into the remote store
// exactly once per installation.
//
// The dangerous case is two devices racing to seed the same account: both
// hold a full local tree and neither knows whether the other got there
// first. The controller probes the current time bucket's zone; finding
// records means another device already seeded and the ordinary
// incremental-fetch path will pull them in. An absent zone means this is
// the first device, which enumerates its tree and queues everything for
// upload. A failed probe conservatively takes the first-device path:
// duplicate uploads are harmless idempotent upserts, silently dropping
// local data is not.
package migrate

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"treeline/internal/record"
	"treeline/internal/remote"
	"treeline/internal/state"
	"treeline/internal/track"
	"treeline/internal/tree"
)

// Outcome is the terminal result of a migration run.
type Outcome int

const (
	// OutcomeAlreadyDone means migration resolved on an earlier launch.
	OutcomeAlreadyDone Outcome = iota
	// OutcomeDeferred means another device already seeded the remote
	// store; nothing was uploaded.
	OutcomeDeferred
	// OutcomeSeeded means this device took the first-device path and
	// queued its whole tree for upload.
	OutcomeSeeded
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeAlreadyDone:
		return "already done"
	case OutcomeDeferred:
		return "deferred to another device"
	case OutcomeSeeded:
		return "seeded from this device"
	default:
		return "unknown"
	}
}

// Controller runs the one-time migration. It marks nodes dirty but does
// not upload; the sync engine's upload scheduler drains the queue.
type Controller struct {
	outline *tree.Outline
	store   remote.Store
	state   *state.Store
	tracker *track.Tracker
	logger  *log.Logger
}

// New creates a migration controller.
//
// If logger is nil, a default logger writing to stderr is used.
func New(outline *tree.Outline, store remote.Store, st *state.Store, tracker *track.Tracker, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(os.Stderr, "[migrate] ", log.LstdFlags)
	}
	return &Controller{
		outline: outline,
		store:   store,
		state:   st,
		tracker: tracker,
		logger:  logger,
	}
}

// Run evaluates the migration state machine once. Safe to call on every
// launch: after the first resolution the completion flag makes it a no-op,
// so the full tree is never re-enumerated or re-marked dirty.
func (c *Controller) Run(ctx context.Context, now time.Time) (Outcome, error) {
	done, err := c.state.MigrationDone(ctx)
	if err != nil {
		// Persistence failure degrades to re-checking, never to losing data.
		c.logger.Printf("Warning: could not read migration flag: %v", err)
	}
	if done {
		return OutcomeAlreadyDone, nil
	}

	zone := record.ZoneForTime(now)
	found, err := c.store.HasRecords(ctx, zone, record.TypeOutlineNode)
	if ctx.Err() != nil {
		return OutcomeAlreadyDone, ctx.Err()
	}

	switch {
	case err == nil && found:
		c.logger.Printf("Zone %s already seeded by another device", zone)
		c.markDone(ctx)
		return OutcomeDeferred, nil

	case err != nil && !errors.Is(err, remote.ErrZoneNotFound):
		c.logger.Printf("Warning: zone probe failed (%v); taking the first-device path", err)
	}

	return c.seed(ctx, zone)
}

// seed is the first-device path: queue every local node for upload.
func (c *Controller) seed(ctx context.Context, zone string) (Outcome, error) {
	if err := c.store.EnsureZone(ctx, zone); err != nil {
		// Upload retries will create the zone again; just note it.
		c.logger.Printf("Warning: could not create zone %s: %v", zone, err)
	}

	ids := c.outline.IDs()
	c.tracker.MarkDirty(ids...)
	c.logger.Printf("Seeding zone %s: %d nodes queued for upload", zone, len(ids))

	if err := c.state.SaveDirty(ctx, c.tracker.Dirty()); err != nil {
		c.logger.Printf("Warning: could not persist dirty set: %v", err)
	}
	c.markDone(ctx)
	return OutcomeSeeded, nil
}

func (c *Controller) markDone(ctx context.Context) {
	if err := c.state.SetMigrationDone(ctx); err != nil {
		c.logger.Printf("Warning: could not record migration completion: %v", err)
	}
}
