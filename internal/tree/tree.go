// Package tree provides the in-memory outline: an arena of nodes keyed by
// identifier, with weak parent handles instead of owning pointers.
//
// The outline is the unit the editor mutates and the sync engine reads.
// Mutation is expected to happen on a single interaction goroutine; inbound
// remote changes are marshaled onto that goroutine before being applied.
package tree

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"treeline/internal/identity"
)

// SortKeyGap is the spacing between freshly allocated sibling sort keys.
// Gapped keys let a node be placed between two siblings without
// renumbering the rest.
const SortKeyGap = 1024

// Node is a single outline entry. Parent and Children are handles into the
// owning Outline's arena and are maintained by Outline methods; everything
// else is plain node state.
type Node struct {
	ID         uuid.UUID
	Title      string
	Body       string
	IsTask     bool
	Completed  bool
	SortKey    int64
	ReminderID string // linked external reminder, if any
	EventID    string // linked calendar event, if any

	// ModifiedAt is the last local modification time, used only for
	// conflict tie-breaking.
	ModifiedAt time.Time

	// RemoteMeta is the opaque bookkeeping blob captured from the remote
	// store on the last fetch of this node's record. It is carried on the
	// node itself and resubmitted unmodified on the next write.
	RemoteMeta []byte

	Parent   uuid.UUID   // uuid.Nil for root-level nodes
	Children []uuid.UUID // ordered by SortKey
}

// Outline is the node arena. The zero value is not usable; call New.
type Outline struct {
	nodes   map[uuid.UUID]*Node
	roots   []uuid.UUID
	deleted map[uuid.UUID]struct{}
	version uint64
}

// New creates an empty outline.
func New() *Outline {
	return &Outline{
		nodes:   make(map[uuid.UUID]*Node),
		deleted: make(map[uuid.UUID]struct{}),
	}
}

// Version returns the structural version counter. It increments on every
// mutation so renderers and the backup codec know a redraw/re-save is due.
func (o *Outline) Version() uint64 {
	return o.version
}

// Len returns the number of live nodes.
func (o *Outline) Len() int {
	return len(o.nodes)
}

// Node returns the node for id, or nil if it does not exist.
func (o *Outline) Node(id uuid.UUID) *Node {
	return o.nodes[id]
}

// Roots returns the root-level node identifiers ordered by sort key.
func (o *Outline) Roots() []uuid.UUID {
	out := make([]uuid.UUID, len(o.roots))
	copy(out, o.roots)
	return out
}

// Add inserts a node under the given parent (uuid.Nil for root level).
//
// The node's identifier must be set and must not collide with a live node
// or with a previously deleted one: a deleted identifier is never reused,
// so the conflict resolver cannot confuse an old record's history with a
// new, unrelated node.
//
// A zero SortKey is replaced with the next gapped key among the new
// siblings; an explicit key that collides with a sibling is nudged up to
// the next free value.
func (o *Outline) Add(n *Node, parent uuid.UUID) error {
	if n == nil || n.ID == uuid.Nil {
		return fmt.Errorf("node must have an identifier")
	}
	if _, exists := o.nodes[n.ID]; exists {
		return fmt.Errorf("node %s already exists", n.ID)
	}
	if _, wasDeleted := o.deleted[n.ID]; wasDeleted {
		return fmt.Errorf("identifier %s belonged to a deleted node and cannot be reused", n.ID)
	}
	if parent != uuid.Nil && o.nodes[parent] == nil {
		return fmt.Errorf("parent %s not found", parent)
	}

	n.Parent = parent
	n.Children = nil
	if n.SortKey == 0 {
		n.SortKey = o.NextSortKey(parent)
	}
	for o.siblingHasKey(parent, n.SortKey, n.ID) {
		n.SortKey++
	}

	o.nodes[n.ID] = n
	o.insertChild(parent, n.ID)
	o.version++
	return nil
}

// Move reparents a node. The removal from the old parent and insertion
// under the new one happen atomically from the tree's perspective.
// Moving a node into its own subtree is rejected.
func (o *Outline) Move(id, newParent uuid.UUID) error {
	n := o.nodes[id]
	if n == nil {
		return fmt.Errorf("node %s not found", id)
	}
	if newParent != uuid.Nil {
		if o.nodes[newParent] == nil {
			return fmt.Errorf("parent %s not found", newParent)
		}
		for cur := newParent; cur != uuid.Nil; cur = o.nodes[cur].Parent {
			if cur == id {
				return fmt.Errorf("cannot move %s into its own subtree", id)
			}
		}
	}
	if n.Parent == newParent {
		return nil
	}

	o.removeChild(n.Parent, id)
	n.Parent = newParent
	n.SortKey = o.NextSortKey(newParent)
	o.insertChild(newParent, id)
	o.version++
	return nil
}

// Remove deletes a node and its entire subtree. It returns the removed
// identifiers (children before parents) so the caller can propagate the
// deletions to the remote store. Removed identifiers are remembered and
// never accepted again by Add.
func (o *Outline) Remove(id uuid.UUID) []uuid.UUID {
	n := o.nodes[id]
	if n == nil {
		return nil
	}

	var removed []uuid.UUID
	var drop func(uuid.UUID)
	drop = func(cur uuid.UUID) {
		node := o.nodes[cur]
		for _, child := range append([]uuid.UUID(nil), node.Children...) {
			drop(child)
		}
		delete(o.nodes, cur)
		o.deleted[cur] = struct{}{}
		removed = append(removed, cur)
	}

	o.removeChild(n.Parent, id)
	drop(id)
	o.version++
	return removed
}

// Update applies a mutation to a node and bumps the structural version.
// The mutation decides its own timestamp handling; local edits should set
// ModifiedAt (or call Touch) so conflict tie-breaking sees them.
func (o *Outline) Update(id uuid.UUID, mutate func(*Node)) bool {
	n := o.nodes[id]
	if n == nil {
		return false
	}
	mutate(n)
	o.version++
	return true
}

// Touch records a local modification time on the node.
func (o *Outline) Touch(id uuid.UUID, at time.Time) {
	if n := o.nodes[id]; n != nil {
		n.ModifiedAt = at
	}
}

// SetRemoteMeta replaces the node's opaque remote metadata. This is
// bookkeeping, not an edit: the structural version does not change.
func (o *Outline) SetRemoteMeta(id uuid.UUID, meta []byte) bool {
	n := o.nodes[id]
	if n == nil {
		return false
	}
	n.RemoteMeta = meta
	return true
}

// Walk visits every node depth-first, parents before children, siblings in
// sort-key order. This is the same traversal the backup codec performs.
func (o *Outline) Walk(visit func(*Node)) {
	var walk func(uuid.UUID)
	walk = func(id uuid.UUID) {
		n := o.nodes[id]
		visit(n)
		for _, child := range append([]uuid.UUID(nil), n.Children...) {
			walk(child)
		}
	}
	for _, root := range o.Roots() {
		walk(root)
	}
}

// IDs returns every live node identifier, parents before children.
func (o *Outline) IDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(o.nodes))
	o.Walk(func(n *Node) { ids = append(ids, n.ID) })
	return ids
}

// Depth returns the number of ancestors above id. Root-level nodes have
// depth 0; unknown identifiers report -1.
func (o *Outline) Depth(id uuid.UUID) int {
	n := o.nodes[id]
	if n == nil {
		return -1
	}
	depth := 0
	for cur := n.Parent; cur != uuid.Nil; cur = o.nodes[cur].Parent {
		depth++
	}
	return depth
}

// NextSortKey returns a gapped sort key placing a new node after the last
// sibling under parent.
func (o *Outline) NextSortKey(parent uuid.UUID) int64 {
	siblings := o.childIDs(parent)
	if len(siblings) == 0 {
		return SortKeyGap
	}
	last := o.nodes[siblings[len(siblings)-1]]
	return last.SortKey + SortKeyGap
}

// SortKeyBetween returns a key strictly between two sibling keys, or false
// if the gap is exhausted and the siblings need renumbering.
func SortKeyBetween(before, after int64) (int64, bool) {
	if after-before < 2 {
		return 0, false
	}
	return before + (after-before)/2, true
}

// RenumberChildren respreads the children of parent at SortKeyGap
// intervals, preserving their order. Used when SortKeyBetween runs out of
// room.
func (o *Outline) RenumberChildren(parent uuid.UUID) {
	key := int64(SortKeyGap)
	for _, id := range o.childIDs(parent) {
		o.nodes[id].SortKey = key
		key += SortKeyGap
	}
	o.version++
}

// EnsureDateNode returns the container node for a calendar day, creating
// it with its deterministically derived identifier if it does not exist.
// The second return reports whether the node was created, so the caller
// knows to mark it dirty.
func (o *Outline) EnsureDateNode(day time.Time) (*Node, bool) {
	id := identity.DateID(day)
	if n := o.nodes[id]; n != nil {
		return n, false
	}
	n := &Node{
		ID:         id,
		Title:      day.Format("2006-01-02"),
		ModifiedAt: day,
	}
	if err := o.Add(n, uuid.Nil); err != nil {
		// Only reachable if the derived identifier was deleted earlier.
		return nil, false
	}
	return n, true
}

// EnsureSection returns the named section under a calendar day, creating
// the day container and the section as needed.
func (o *Outline) EnsureSection(day time.Time, section string) (*Node, bool) {
	parent, _ := o.EnsureDateNode(day)
	if parent == nil {
		return nil, false
	}
	id := identity.SectionID(day, section)
	if n := o.nodes[id]; n != nil {
		return n, false
	}
	n := &Node{
		ID:         id,
		Title:      section,
		ModifiedAt: day,
	}
	if err := o.Add(n, parent.ID); err != nil {
		return nil, false
	}
	return n, true
}

// childIDs returns the child list for parent (or the roots), ordered by
// sort key.
func (o *Outline) childIDs(parent uuid.UUID) []uuid.UUID {
	if parent == uuid.Nil {
		return o.roots
	}
	if p := o.nodes[parent]; p != nil {
		return p.Children
	}
	return nil
}

func (o *Outline) siblingHasKey(parent uuid.UUID, key int64, self uuid.UUID) bool {
	for _, id := range o.childIDs(parent) {
		if id != self && o.nodes[id].SortKey == key {
			return true
		}
	}
	return false
}

func (o *Outline) insertChild(parent, id uuid.UUID) {
	list := o.childIDs(parent)
	key := o.nodes[id].SortKey
	pos := sort.Search(len(list), func(i int) bool {
		return o.nodes[list[i]].SortKey > key
	})
	list = append(list, uuid.Nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = id

	if parent == uuid.Nil {
		o.roots = list
	} else {
		o.nodes[parent].Children = list
	}
}

func (o *Outline) removeChild(parent, id uuid.UUID) {
	list := o.childIDs(parent)
	for i, cur := range list {
		if cur == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if parent == uuid.Nil {
		o.roots = list
	} else if p := o.nodes[parent]; p != nil {
		p.Children = list
	}
}
