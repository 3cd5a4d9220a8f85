package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"treeline/internal/record"
	"treeline/internal/remote"
	"treeline/internal/state"
	"treeline/internal/track"
	"treeline/internal/tree"
)

const testZone = "outline-2024-W11"

// device bundles one simulated device: its own tree, tracker, and state
// database, sharing a remote store with the other devices in the test.
type device struct {
	outline *tree.Outline
	tracker *track.Tracker
	state   *state.Store
	eng     *Engine
}

func openRemote(t *testing.T) *remote.SQLiteStore {
	t.Helper()
	store, err := remote.OpenSQLite(filepath.Join(t.TempDir(), "remote.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newDevice(t *testing.T, store remote.Store) *device {
	t.Helper()

	outline := tree.New()
	tracker := track.New()
	st, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("state.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	return &device{
		outline: outline,
		tracker: tracker,
		state:   st,
		eng:     New(outline, store, st, tracker, testZone, cfg),
	}
}

func (d *device) addNode(t *testing.T, title string, parent uuid.UUID, at time.Time) *tree.Node {
	t.Helper()
	n := &tree.Node{ID: uuid.New(), Title: title, ModifiedAt: at}
	if err := d.outline.Add(n, parent); err != nil {
		t.Fatal(err)
	}
	return n
}

func fetchAll(t *testing.T, store remote.Store) *remote.ChangeSet {
	t.Helper()
	cs, err := store.FetchChanges(context.Background(), testZone, nil)
	if err != nil {
		t.Fatalf("FetchChanges() failed: %v", err)
	}
	return cs
}

func findRecord(cs *remote.ChangeSet, id uuid.UUID) (record.Record, bool) {
	for _, rec := range cs.Changed {
		if rec.ID == id.String() {
			return rec, true
		}
	}
	return record.Record{}, false
}

var (
	t0 = time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
	t2 = t0.Add(2 * time.Minute)
)

func TestFlushUploadsAndClearsDirty(t *testing.T) {
	store := openRemote(t)
	a := newDevice(t, store)
	ctx := context.Background()

	n := a.addNode(t, "buy groceries", uuid.Nil, t0)
	a.eng.MarkDirty(ctx, n.ID)

	// The zone does not exist yet; the first pass must create it and retry.
	if err := a.eng.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	if a.tracker.Len() != 0 {
		t.Errorf("%d nodes still dirty after a confirmed upload", a.tracker.Len())
	}
	if len(a.outline.Node(n.ID).RemoteMeta) == 0 {
		t.Error("confirmed upload did not record fresh remote metadata")
	}

	rec, ok := findRecord(fetchAll(t, store), n.ID)
	if !ok {
		t.Fatal("uploaded record not found in the store")
	}
	if rec.Title != "buy groceries" {
		t.Errorf("stored title = %q", rec.Title)
	}
}

func TestFlushOrdersParentsBeforeChildren(t *testing.T) {
	store := openRemote(t)
	a := newDevice(t, store)
	ctx := context.Background()

	root := a.addNode(t, "root", uuid.Nil, t0)
	child := a.addNode(t, "child", root.ID, t0)
	grandchild := a.addNode(t, "grandchild", child.ID, t0)

	// Mark in reverse order; depth sorting must fix the submission order.
	a.eng.MarkDirty(ctx, grandchild.ID, child.ID, root.ID)
	if err := a.eng.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	cs := fetchAll(t, store)
	pos := map[string]int{}
	for i, rec := range cs.Changed {
		pos[rec.ID] = i
	}
	if pos[root.ID.String()] > pos[child.ID.String()] {
		t.Error("child written before its parent")
	}
	if pos[child.ID.String()] > pos[grandchild.ID.String()] {
		t.Error("grandchild written before its parent")
	}
}

func TestFlushPropagatesDeletions(t *testing.T) {
	store := openRemote(t)
	a := newDevice(t, store)
	ctx := context.Background()

	n := a.addNode(t, "doomed", uuid.Nil, t0)
	a.eng.MarkDirty(ctx, n.ID)
	if err := a.eng.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	removed := a.outline.Remove(n.ID)
	a.eng.MarkDirty(ctx, removed...)
	if err := a.eng.Flush(ctx); err != nil {
		t.Fatalf("Flush() after delete failed: %v", err)
	}

	cs := fetchAll(t, store)
	if len(cs.Deleted) != 1 || cs.Deleted[0] != n.ID {
		t.Errorf("Deleted = %v, want [%s]", cs.Deleted, n.ID)
	}
	if a.tracker.Len() != 0 {
		t.Error("deletion left the tracker dirty")
	}
}

// The core conflict scenario: one device renames a node while another
// completes it. Field-level merge must keep both edits.
func TestConflictMergesConcurrentEdits(t *testing.T) {
	store := openRemote(t)
	a := newDevice(t, store)
	b := newDevice(t, store)
	ctx := context.Background()

	n := b.addNode(t, "groceries", uuid.Nil, t0)
	b.eng.MarkDirty(ctx, n.ID)
	if err := b.eng.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.eng.FetchOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if a.outline.Node(n.ID) == nil {
		t.Fatal("fetch did not deliver the node to device A")
	}

	// B completes the task and syncs first.
	b.outline.Update(n.ID, func(node *tree.Node) {
		node.Completed = true
		node.ModifiedAt = t1
	})
	b.eng.MarkDirty(ctx, n.ID)
	if err := b.eng.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	// A renames it offline, then syncs into the conflict.
	a.outline.Update(n.ID, func(node *tree.Node) {
		node.Title = "groceries for the party"
		node.ModifiedAt = t2
	})
	a.eng.MarkDirty(ctx, n.ID)
	if err := a.eng.Flush(ctx); err != nil {
		t.Fatalf("Flush() into conflict failed: %v", err)
	}

	rec, ok := findRecord(fetchAll(t, store), n.ID)
	if !ok {
		t.Fatal("record missing after merge")
	}
	if rec.Title != "groceries for the party" {
		t.Errorf("merged title = %q, lost A's rename", rec.Title)
	}
	if !rec.Completed {
		t.Error("merge lost B's completion")
	}

	// A folded the merge back locally and is no longer dirty.
	if got := a.outline.Node(n.ID); !got.Completed {
		t.Error("device A's local node missing B's completion")
	}
	if a.tracker.Len() != 0 {
		t.Error("resolved conflict left device A dirty")
	}

	// B converges on the next fetch.
	if err := b.eng.FetchOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if got := b.outline.Node(n.ID); got.Title != "groceries for the party" {
		t.Errorf("device B title = %q after fetch", got.Title)
	}
}

// Two offline devices create the container for the same day. Deterministic
// identifiers make both writes target one record, and the conflict path
// collapses them instead of duplicating the day.
func TestTwoDevicesCreateSameDayOnce(t *testing.T) {
	store := openRemote(t)
	a := newDevice(t, store)
	b := newDevice(t, store)
	ctx := context.Background()
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	na, created := a.outline.EnsureDateNode(day)
	if !created {
		t.Fatal("EnsureDateNode() reported an existing node on a fresh tree")
	}
	nb, _ := b.outline.EnsureDateNode(day)
	if na.ID != nb.ID {
		t.Fatalf("date identifiers diverged: %s vs %s", na.ID, nb.ID)
	}

	a.eng.MarkDirty(ctx, na.ID)
	b.eng.MarkDirty(ctx, nb.ID)

	if err := b.eng.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.eng.Flush(ctx); err != nil {
		t.Fatalf("Flush() on the losing device failed: %v", err)
	}

	cs := fetchAll(t, store)
	if len(cs.Changed) != 1 {
		t.Fatalf("store holds %d records for one calendar day", len(cs.Changed))
	}
	if a.tracker.Len() != 0 {
		t.Error("losing device still dirty after converging")
	}
}

func TestCrashRestartRequeuesDirtyNodes(t *testing.T) {
	store := openRemote(t)
	a := newDevice(t, store)
	ctx := context.Background()

	n := a.addNode(t, "written just before the crash", uuid.Nil, t0)
	a.eng.MarkDirty(ctx, n.ID)

	// Crash: same tree and state database, fresh tracker and engine.
	tracker2 := track.New()
	cfg := DefaultConfig()
	cfg.Logger = log.New(io.Discard, "", 0)
	eng2 := New(a.outline, store, a.state, tracker2, testZone, cfg)
	eng2.Recover(ctx)

	if !tracker2.Contains(n.ID) {
		t.Fatal("dirty mark lost across restart")
	}
	if err := eng2.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := findRecord(fetchAll(t, store), n.ID); !ok {
		t.Error("requeued node never reached the store")
	}
}

func TestFetchSkipsMalformedAndForeignRecords(t *testing.T) {
	store := openRemote(t)
	a := newDevice(t, store)
	ctx := context.Background()

	if err := store.EnsureZone(ctx, testZone); err != nil {
		t.Fatal(err)
	}
	good := uuid.New()
	_, err := store.SaveRecords(ctx, testZone, []record.Record{
		{ID: "not-an-identifier", Zone: testZone, Type: record.TypeOutlineNode, Title: "broken"},
		{ID: uuid.New().String(), Zone: testZone, Type: "calendarEvent", Title: "someone else's data"},
		{ID: good.String(), Zone: testZone, Type: record.TypeOutlineNode, Title: "fine", ModifiedAt: t0},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := a.eng.FetchOnce(ctx); err != nil {
		t.Fatalf("FetchOnce() failed on a batch with bad records: %v", err)
	}
	if a.outline.Len() != 1 {
		t.Errorf("applied %d nodes, want only the well-formed one", a.outline.Len())
	}
	if a.outline.Node(good) == nil {
		t.Error("well-formed record was not applied")
	}
}

func TestFetchDoesNotClobberDirtyNode(t *testing.T) {
	store := openRemote(t)
	a := newDevice(t, store)
	b := newDevice(t, store)
	ctx := context.Background()

	n := a.addNode(t, "original", uuid.Nil, t0)
	a.eng.MarkDirty(ctx, n.ID)
	if err := a.eng.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.eng.FetchOnce(ctx); err != nil {
		t.Fatal(err)
	}

	// B edits locally; A pushes a newer title before B flushes.
	b.outline.Update(n.ID, func(node *tree.Node) {
		node.Title = "B's unsaved edit"
		node.ModifiedAt = t1
	})
	b.eng.MarkDirty(ctx, n.ID)

	a.outline.Update(n.ID, func(node *tree.Node) {
		node.Title = "A's second pass"
		node.ModifiedAt = t2
	})
	a.eng.MarkDirty(ctx, n.ID)
	if err := a.eng.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	if err := b.eng.FetchOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if got := b.outline.Node(n.ID).Title; got != "B's unsaved edit" {
		t.Errorf("fetch clobbered the dirty node: title = %q", got)
	}
	// The pending edit later flows through the conflict path instead.
	if err := b.eng.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if b.tracker.Len() != 0 {
		t.Error("B's edit never resolved")
	}
}

func TestInboundOrphanAttachesAtRoot(t *testing.T) {
	store := openRemote(t)
	a := newDevice(t, store)
	ctx := context.Background()

	if err := store.EnsureZone(ctx, testZone); err != nil {
		t.Fatal(err)
	}
	orphan := uuid.New()
	_, err := store.SaveRecords(ctx, testZone, []record.Record{{
		ID:         orphan.String(),
		Zone:       testZone,
		Type:       record.TypeOutlineNode,
		Title:      "parent never synced",
		Parent:     uuid.New().String(),
		ModifiedAt: t0,
	}})
	if err != nil {
		t.Fatal(err)
	}

	if err := a.eng.FetchOnce(ctx); err != nil {
		t.Fatal(err)
	}
	n := a.outline.Node(orphan)
	if n == nil {
		t.Fatal("orphan record was dropped instead of attached at root")
	}
	if n.Parent != uuid.Nil {
		t.Errorf("orphan parent = %s, want root level", n.Parent)
	}
}

func TestInboundDeletionRemovesNode(t *testing.T) {
	store := openRemote(t)
	a := newDevice(t, store)
	b := newDevice(t, store)
	ctx := context.Background()

	n := a.addNode(t, "shared", uuid.Nil, t0)
	a.eng.MarkDirty(ctx, n.ID)
	if err := a.eng.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.eng.FetchOnce(ctx); err != nil {
		t.Fatal(err)
	}

	removed := a.outline.Remove(n.ID)
	a.eng.MarkDirty(ctx, removed...)
	if err := a.eng.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	if err := b.eng.FetchOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if b.outline.Node(n.ID) != nil {
		t.Error("deletion did not propagate to device B")
	}
}

// The daemon runs its flush, fetch, and watcher passes on separate
// goroutines, and without an OnTree hook the engine must serialize their
// tree access itself. Run under -race to catch regressions.
func TestConcurrentPassesShareTreeSafely(t *testing.T) {
	store := openRemote(t)
	a := newDevice(t, store)
	b := newDevice(t, store)
	ctx := context.Background()

	root := b.addNode(t, "root", uuid.Nil, t0)
	for i := 0; i < 20; i++ {
		b.addNode(t, fmt.Sprintf("item %d", i), root.ID, t0)
	}
	b.eng.MarkDirty(ctx, b.outline.IDs()...)
	if err := b.eng.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 25; i++ {
			a.eng.RescanTree(ctx)
			if err := a.eng.Flush(ctx); err != nil {
				t.Errorf("Flush() failed: %v", err)
				return
			}
			a.eng.Stats()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 25; i++ {
			if err := a.eng.FetchOnce(ctx); err != nil {
				t.Errorf("FetchOnce() failed: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	if err := a.eng.FetchOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if a.outline.Len() != b.outline.Len() {
		t.Errorf("devices diverged: %d vs %d nodes", a.outline.Len(), b.outline.Len())
	}
}

// truncatingStore answers the first save with conflicts and every later
// save with an empty result slice, which the Store contract does not
// forbid.
type truncatingStore struct {
	remote.Store
	calls int
}

func (s *truncatingStore) SaveRecords(_ context.Context, zone string, recs []record.Record) ([]remote.SaveResult, error) {
	s.calls++
	if s.calls > 1 {
		return []remote.SaveResult{}, nil
	}
	results := make([]remote.SaveResult, len(recs))
	for i, rec := range recs {
		server := rec
		server.Zone = zone
		server.Title = "server copy"
		results[i] = remote.SaveResult{Record: server, Err: &remote.ConflictError{Server: server}}
	}
	return results, nil
}

func TestMergedWriteWithoutResultLeavesNodeQueued(t *testing.T) {
	store := &truncatingStore{Store: openRemote(t)}
	a := newDevice(t, store)
	ctx := context.Background()

	n := a.addNode(t, "contested", uuid.Nil, t0)
	a.eng.MarkDirty(ctx, n.ID)

	if err := a.eng.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed instead of isolating the empty response: %v", err)
	}
	if !a.tracker.Contains(n.ID) {
		t.Error("node dequeued without a confirmed merged write")
	}
}

func TestStatsReflectsProgress(t *testing.T) {
	store := openRemote(t)
	a := newDevice(t, store)
	ctx := context.Background()

	stats := a.eng.Stats()
	if stats.Zone != testZone || stats.DirtyCount != 0 || stats.HasToken {
		t.Errorf("fresh stats = %+v", stats)
	}

	n := a.addNode(t, "x", uuid.Nil, t0)
	a.eng.MarkDirty(ctx, n.ID)
	if got := a.eng.Stats().DirtyCount; got != 1 {
		t.Errorf("DirtyCount = %d, want 1", got)
	}

	if err := a.eng.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.eng.FetchOnce(ctx); err != nil {
		t.Fatal(err)
	}
	stats = a.eng.Stats()
	if !stats.HasToken {
		t.Error("no resumption token after a fetch")
	}
	if stats.LastSync.IsZero() {
		t.Error("LastSync never recorded")
	}
}
