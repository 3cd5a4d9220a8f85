// Package engine provides the sync engine that moves outline changes
// between the local tree and the remote store.
//
// The engine:
// 1. Drains the dirty tracker into batched uploads, parents before children
// 2. Resolves optimistic-concurrency conflicts and resubmits merged records
// 3. Applies inbound remote changes to the tree, skipping malformed records
// 4. Persists resumption state after every batch so restarts resume
// 5. Watches the backup directory for edits made by external tools
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"treeline/internal/record"
	"treeline/internal/remote"
	"treeline/internal/resolve"
	"treeline/internal/state"
	"treeline/internal/track"
	"treeline/internal/tree"
)

// Config holds configuration for the engine.
type Config struct {
	// FlushInterval is how often the upload scheduler drains the dirty set.
	FlushInterval time.Duration

	// PollInterval is how often inbound changes are fetched when no push
	// notification arrives.
	PollInterval time.Duration

	// DebounceInterval batches rapid external file edits together.
	DebounceInterval time.Duration

	// BackupDir, when set, is watched for markdown edits made by external
	// tools; a change triggers a full-tree rescan.
	BackupDir string

	// Notifier, when set, wakes the fetch loop on remote-change pushes
	// instead of waiting for the next poll tick.
	Notifier *remote.Notifier

	// OnTree marshals a function onto the goroutine that owns the tree.
	// The tree is mutated only there; inbound changes are applied through
	// this hook so the editor never races the engine. When nil the engine
	// serializes tree access itself with an internal mutex, which is what
	// headless use needs: the flush, fetch, and watcher goroutines all
	// touch the tree.
	OnTree func(func())

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FlushInterval:    2 * time.Second,
		PollInterval:     15 * time.Second,
		DebounceInterval: 200 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Stats is a read-only snapshot for diagnostics and the status command.
type Stats struct {
	Zone              string
	DirtyCount        int
	HasToken          bool
	LastSync          time.Time
	StructuralVersion uint64
}

// Engine coordinates the tracker, the mapper, the resolver, and the
// stores. Construct with New, then either call Flush/FetchOnce manually
// or run Start for the daemon loops.
type Engine struct {
	outline *tree.Outline
	store   remote.Store
	state   *state.Store
	tracker *track.Tracker
	config  *Config
	zone    string

	// treeMu serializes tree access when no OnTree hook is supplied. All
	// engine reads and writes of the outline go through onTree.
	treeMu sync.Mutex

	// mu guards token, ancestors, and lastSync. All writes come from the
	// scheduler goroutine; reads may come from Stats.
	mu        sync.Mutex
	token     []byte
	ancestors map[uuid.UUID]record.Record
	lastSync  time.Time

	wake    chan struct{}
	watcher *fileWatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine for one zone.
//
// All collaborators are constructed by the caller and passed in; the
// engine takes no process-wide state and its lifecycle ends with Stop.
func New(outline *tree.Outline, store remote.Store, st *state.Store, tracker *track.Tracker, zone string, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		outline:   outline,
		store:     store,
		state:     st,
		tracker:   tracker,
		config:    config,
		zone:      zone,
		ancestors: make(map[uuid.UUID]record.Record),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Zone returns the zone this engine syncs.
func (e *Engine) Zone() string {
	return e.zone
}

// MarkDirty is the entry point every tree-mutating collaborator calls for
// each affected node identifier. The mark is persisted immediately so an
// edit made just before a crash is still queued on the next launch.
func (e *Engine) MarkDirty(ctx context.Context, ids ...uuid.UUID) {
	e.tracker.MarkDirty(ids...)
	e.persistDirty(ctx)
}

// CurrentDirtyIDs returns a snapshot of the pending identifiers.
func (e *Engine) CurrentDirtyIDs() []uuid.UUID {
	return e.tracker.Dirty()
}

// Stats returns a diagnostics snapshot.
func (e *Engine) Stats() Stats {
	var version uint64
	e.onTree(func() { version = e.outline.Version() })

	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Zone:              e.zone,
		DirtyCount:        e.tracker.Len(),
		HasToken:          len(e.token) > 0,
		LastSync:          e.lastSync,
		StructuralVersion: version,
	}
}

// Recover loads the persisted resumption token and dirty set. Failures
// degrade to a full resync and an empty queue; they never block startup.
func (e *Engine) Recover(ctx context.Context) {
	token, err := e.state.LoadToken(ctx, e.zone)
	if err != nil {
		e.config.Logger.Printf("Warning: could not load resumption state: %v (full resync)", err)
		token = nil
	}
	e.mu.Lock()
	e.token = token
	e.mu.Unlock()

	ids, err := e.state.LoadDirty(ctx)
	if err != nil {
		e.config.Logger.Printf("Warning: could not load dirty set: %v", err)
		return
	}
	e.tracker.MarkDirty(ids...)
}

// RescanTree marks every live node dirty. This is the recovery path when
// the dirty set cannot be trusted (unclean restart, external edits):
// uploads are idempotent upserts, so over-marking costs bandwidth, not
// correctness.
func (e *Engine) RescanTree(ctx context.Context) {
	var ids []uuid.UUID
	e.onTree(func() { ids = e.outline.IDs() })
	e.tracker.MarkDirty(ids...)
	e.persistDirty(ctx)
}

// Start runs the daemon loops until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.config.Logger.Printf("Starting sync engine for zone %s", e.zone)
	e.Recover(ctx)

	e.wg.Add(2)
	go e.flushLoop()
	go e.fetchLoop()

	if e.config.BackupDir != "" {
		if err := e.startWatcher(); err != nil {
			e.config.Logger.Printf("Warning: external-edit watcher disabled: %v", err)
		}
	}
	if e.config.Notifier != nil {
		e.wg.Add(1)
		go e.notifyLoop()
	}

	select {
	case <-ctx.Done():
		e.config.Logger.Println("Shutdown signal received")
		return e.Stop()
	case <-e.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the engine.
func (e *Engine) Stop() error {
	e.cancel()
	e.stopWatcher()
	e.wg.Wait()
	e.config.Logger.Println("Engine stopped")
	return nil
}

// Wake nudges the fetch loop to run now instead of at the next poll tick.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// flushLoop drains the dirty set on a fixed cadence, backing off after
// consecutive transient failures.
func (e *Engine) flushLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.FlushInterval)
	defer ticker.Stop()

	skip, penalty := 0, 0
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if skip > 0 {
				skip--
				continue
			}
			if err := e.Flush(e.ctx); err != nil {
				if penalty < 8 {
					penalty = penalty*2 + 1
				}
				skip = penalty
				e.config.Logger.Printf("Warning: upload pass failed: %v (next attempt in %d ticks)", err, skip+1)
			} else {
				penalty = 0
			}
		}
	}
}

// fetchLoop pulls inbound changes on the poll cadence or when woken by a
// push notification.
func (e *Engine) fetchLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.wake:
		case <-ticker.C:
		}
		if err := e.FetchOnce(e.ctx); err != nil {
			e.config.Logger.Printf("Warning: fetch failed: %v", err)
		}
	}
}

// notifyLoop subscribes to push notifications for this engine's zone.
func (e *Engine) notifyLoop() {
	defer e.wg.Done()

	err := e.config.Notifier.Listen(e.ctx, func(zone string) {
		if zone == "" || zone == e.zone {
			e.Wake()
		}
	})
	if err != nil && e.ctx.Err() == nil {
		e.config.Logger.Printf("Warning: notification stream ended: %v", err)
	}
}

// upload pairs a dirty identifier with the record computed from current
// node state at send time.
type upload struct {
	id    uuid.UUID
	rec   record.Record
	depth int
}

// Flush performs one upload pass: snapshot the dirty set, compute records
// lazily from current node state, save parents before children, resolve
// conflicts, and persist the surviving dirty set.
//
// The returned error reports whole-batch failures only (the dirty set is
// untouched and the next cycle retries); per-record failures are isolated.
func (e *Engine) Flush(ctx context.Context) error {
	ids := e.tracker.Dirty()
	if len(ids) == 0 {
		return nil
	}

	var uploads []upload
	var deletes []uuid.UUID
	e.onTree(func() {
		for _, id := range ids {
			n := e.outline.Node(id)
			if n == nil {
				// Dirty but gone from the tree: a local deletion to propagate.
				deletes = append(deletes, id)
				continue
			}
			uploads = append(uploads, upload{
				id:    id,
				rec:   record.ToRecord(n, n.Parent, e.zone),
				depth: e.outline.Depth(id),
			})
		}
	})

	// A record referencing a parent must not be submitted before the
	// write introducing that parent, or the typed reference fails
	// validation against a missing target.
	sort.SliceStable(uploads, func(i, j int) bool { return uploads[i].depth < uploads[j].depth })

	if len(uploads) > 0 {
		if err := e.saveBatch(ctx, uploads); err != nil {
			return err
		}
	}

	if len(deletes) > 0 {
		err := e.store.DeleteRecords(ctx, e.zone, deletes)
		if err != nil && !errors.Is(err, remote.ErrZoneNotFound) {
			return err
		}
		for _, id := range deletes {
			e.tracker.Clear(id)
			e.dropAncestor(id)
		}
	}

	e.mu.Lock()
	e.lastSync = time.Now()
	e.mu.Unlock()

	e.persistDirty(ctx)
	return nil
}

func (e *Engine) saveBatch(ctx context.Context, uploads []upload) error {
	recs := make([]record.Record, len(uploads))
	for i, up := range uploads {
		recs[i] = up.rec
	}

	results, err := e.store.SaveRecords(ctx, e.zone, recs)
	if errors.Is(err, remote.ErrZoneNotFound) {
		if zerr := e.store.EnsureZone(ctx, e.zone); zerr != nil {
			return zerr
		}
		results, err = e.store.SaveRecords(ctx, e.zone, recs)
	}
	if err != nil {
		return err
	}
	if len(results) != len(recs) {
		return fmt.Errorf("store returned %d results for %d records", len(results), len(recs))
	}

	for i, res := range results {
		up := uploads[i]
		if res.Err == nil {
			e.confirm(up, res.Record)
			continue
		}

		var conflict *remote.ConflictError
		if errors.As(res.Err, &conflict) {
			e.resolveConflict(ctx, up, conflict.Server)
			continue
		}

		// Isolated failure: stays dirty, next cycle retries.
		e.config.Logger.Printf("Warning: failed to save record %s: %v", up.rec.ID, res.Err)
	}
	return nil
}

// confirm records a successful write: fresh metadata onto the node, the
// saved record as the new common ancestor, and the dirty mark cleared.
// If the node was edited again mid-flight it stays queued for the next
// cycle instead.
func (e *Engine) confirm(up upload, saved record.Record) {
	stillCurrent := false
	e.onTree(func() {
		n := e.outline.Node(up.id)
		if n == nil {
			return
		}
		e.outline.SetRemoteMeta(up.id, saved.Meta)
		stillCurrent = n.ModifiedAt.Equal(up.rec.ModifiedAt)
	})
	if stillCurrent {
		e.tracker.Clear(up.id)
	}
	e.setAncestor(up.id, saved)
}

// resolveConflict merges our intended record with the server's copy and
// resubmits once. A second rejection leaves the node dirty; the next
// cycle starts over against the then-current server state.
func (e *Engine) resolveConflict(ctx context.Context, up upload, server record.Record) {
	ancestor := e.ancestor(up.id)
	merged := resolve.Resolve(up.rec, server, ancestor)

	results, err := e.store.SaveRecords(ctx, e.zone, []record.Record{merged})
	if err == nil && len(results) != 1 {
		err = fmt.Errorf("store returned %d results for one record", len(results))
	}
	if err != nil || results[0].Err != nil {
		if err == nil {
			err = results[0].Err
		}
		e.config.Logger.Printf("Warning: merged write for %s rejected: %v (will retry)", up.rec.ID, err)
		return
	}

	saved := results[0].Record
	e.config.Logger.Printf("Resolved conflicting edit on record %s", saved.ID)

	ch, cherr := record.FromRecord(saved)
	if cherr != nil {
		e.config.Logger.Printf("Warning: could not apply merged record %s: %v", saved.ID, cherr)
		return
	}

	// Fold the merge back into the local node so both devices converge,
	// unless a newer local edit landed while we were resolving.
	applied := false
	e.onTree(func() {
		n := e.outline.Node(ch.ID)
		if n != nil && n.ModifiedAt.After(up.rec.ModifiedAt) {
			return
		}
		e.applyChangeOnTree(ch)
		applied = true
	})
	if applied {
		e.tracker.Clear(up.id)
	}
	e.setAncestor(up.id, saved)
}

// FetchOnce pulls and applies one batch of inbound changes, then persists
// the advanced resumption token.
func (e *Engine) FetchOnce(ctx context.Context) error {
	e.mu.Lock()
	token := e.token
	e.mu.Unlock()

	cs, err := e.store.FetchChanges(ctx, e.zone, token)
	if errors.Is(err, remote.ErrZoneNotFound) {
		// Nothing remote yet; not an error outside migration.
		return nil
	}
	if err != nil {
		return err
	}

	applied := make([]record.Record, 0, len(cs.Changed))
	e.onTree(func() {
		for _, rec := range cs.Changed {
			ch, cherr := record.FromRecord(rec)
			if cherr != nil {
				// One bad record must not halt the batch.
				e.config.Logger.Printf("Warning: skipping inbound record %q: %v", rec.ID, cherr)
				continue
			}
			if e.tracker.Contains(ch.ID) {
				// Local intent pending: let the upload path conflict and merge
				// rather than clobbering the unconfirmed edit here.
				continue
			}
			if e.applyChangeOnTree(ch) {
				applied = append(applied, rec)
			}
		}
		for _, id := range cs.Deleted {
			if e.tracker.Contains(id) {
				continue
			}
			e.outline.Remove(id)
			e.dropAncestor(id)
		}
	})

	for _, rec := range applied {
		if ch, cherr := record.FromRecord(rec); cherr == nil {
			e.setAncestor(ch.ID, rec)
		}
	}

	e.mu.Lock()
	e.token = cs.Token
	e.lastSync = time.Now()
	e.mu.Unlock()

	if err := e.state.SaveToken(ctx, e.zone, cs.Token); err != nil {
		e.config.Logger.Printf("Warning: could not persist resumption state: %v", err)
	}
	return nil
}

// applyChangeOnTree applies one decoded change to the tree. Must run on
// the tree goroutine. Returns whether the change took effect.
func (e *Engine) applyChangeOnTree(ch *record.NodeChange) bool {
	n := e.outline.Node(ch.ID)
	if n == nil {
		n = &tree.Node{ID: ch.ID}
		ch.Apply(n)
		parent := ch.Parent
		if parent != uuid.Nil && e.outline.Node(parent) == nil {
			// Parent-before-child ordering should prevent this; tolerate
			// foreign writers by attaching at root rather than dropping data.
			e.config.Logger.Printf("Warning: inbound record %s references unknown parent %s", ch.ID, parent)
			parent = uuid.Nil
		}
		if err := e.outline.Add(n, parent); err != nil {
			e.config.Logger.Printf("Warning: could not apply inbound record %s: %v", ch.ID, err)
			return false
		}
		return true
	}

	if n.Parent != ch.Parent {
		if err := e.outline.Move(ch.ID, ch.Parent); err != nil {
			e.config.Logger.Printf("Warning: could not reparent %s: %v", ch.ID, err)
		}
	}
	e.outline.Update(ch.ID, func(node *tree.Node) { ch.Apply(node) })
	return true
}

func (e *Engine) onTree(fn func()) {
	if e.config.OnTree != nil {
		e.config.OnTree(fn)
		return
	}
	e.treeMu.Lock()
	defer e.treeMu.Unlock()
	fn()
}

func (e *Engine) persistDirty(ctx context.Context) {
	if err := e.state.SaveDirty(ctx, e.tracker.Dirty()); err != nil {
		e.config.Logger.Printf("Warning: could not persist dirty set: %v", err)
	}
}

func (e *Engine) ancestor(id uuid.UUID) *record.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.ancestors[id]; ok {
		return &rec
	}
	return nil
}

func (e *Engine) setAncestor(id uuid.UUID, rec record.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ancestors[id] = rec
}

func (e *Engine) dropAncestor(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.ancestors, id)
}
