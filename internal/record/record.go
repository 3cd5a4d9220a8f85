// Package record maps outline nodes to and from their remote record
// representation.
//
// A record is the wire form of one node: a type tag, the node's mutable
// fields, a typed parent reference, and the opaque metadata blob the
// remote store returned on the last fetch. The metadata is round-tripped
// unmodified so the store can do optimistic-concurrency conflict detection
// instead of blind overwrite.
package record

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"treeline/internal/tree"
)

// TypeOutlineNode is the record type tag for outline nodes. Records of any
// other type are foreign data and are skipped on the way in.
const TypeOutlineNode = "outlineNode"

// Sentinel errors for inbound records. One bad record must never halt a
// sync batch, so callers log these and move on.
var (
	ErrMalformed = errors.New("record: malformed")
	ErrForeign   = errors.New("record: foreign type")
)

// Record is the wire representation of a node.
//
// ID and Parent are record addresses (string form of the node identifier);
// parsing them back into identifiers happens in FromRecord so malformed or
// foreign-schema data surfaces as a skippable error instead of a panic.
type Record struct {
	ID   string
	Zone string
	Type string

	Title      string
	Body       string
	IsTask     bool
	Completed  bool
	SortKey    int64
	ReminderID string
	EventID    string
	ModifiedAt time.Time

	// Parent is the address of the parent record, empty for root-level
	// nodes.
	Parent string

	// Meta is the opaque remote bookkeeping blob. Empty for records that
	// have never been fetched from the store.
	Meta []byte
}

// NodeChange is one inbound record decoded into a plain value describing
// what changed: the node identifier, the resolved parent identifier
// (uuid.Nil for root level), the field values, and the re-captured opaque
// metadata for the next write. It is decoded once, up front, rather than
// pulled field-by-field out of the raw record.
type NodeChange struct {
	ID     uuid.UUID
	Parent uuid.UUID

	Title      string
	Body       string
	IsTask     bool
	Completed  bool
	SortKey    int64
	ReminderID string
	EventID    string
	ModifiedAt time.Time

	Meta []byte
}

// ToRecord converts a node plus its parent link into a record for zone.
//
// If the node carries opaque metadata from a previous fetch, the record
// shell keeps it so the subsequent write passes the store's concurrency
// check; otherwise a fresh shell is keyed by the node's identifier. The
// mutable fields are always overwritten with current local values, which
// is what lets upload payloads be computed lazily at send time.
func ToRecord(n *tree.Node, parent uuid.UUID, zone string) Record {
	rec := Record{
		ID:   n.ID.String(),
		Zone: zone,
		Type: TypeOutlineNode,
		Meta: n.RemoteMeta,
	}

	rec.Title = n.Title
	rec.Body = n.Body
	rec.IsTask = n.IsTask
	rec.Completed = n.Completed
	rec.SortKey = n.SortKey
	rec.ReminderID = n.ReminderID
	rec.EventID = n.EventID
	rec.ModifiedAt = n.ModifiedAt
	if parent != uuid.Nil {
		rec.Parent = parent.String()
	}
	return rec
}

// FromRecord decodes an inbound record into a NodeChange.
//
// Returns ErrForeign for records that are not outline nodes and
// ErrMalformed when the record's address (or its parent reference) cannot
// be parsed as a node identifier. Both are defensive: the record is
// skipped, never propagated as a fatal fault.
func FromRecord(rec Record) (*NodeChange, error) {
	if rec.Type != TypeOutlineNode {
		return nil, fmt.Errorf("%w: %q", ErrForeign, rec.Type)
	}

	id, err := uuid.Parse(rec.ID)
	if err != nil || id == uuid.Nil {
		return nil, fmt.Errorf("%w: bad address %q", ErrMalformed, rec.ID)
	}

	parent := uuid.Nil
	if rec.Parent != "" {
		parent, err = uuid.Parse(rec.Parent)
		if err != nil {
			return nil, fmt.Errorf("%w: bad parent reference %q", ErrMalformed, rec.Parent)
		}
	}

	return &NodeChange{
		ID:         id,
		Parent:     parent,
		Title:      rec.Title,
		Body:       rec.Body,
		IsTask:     rec.IsTask,
		Completed:  rec.Completed,
		SortKey:    rec.SortKey,
		ReminderID: rec.ReminderID,
		EventID:    rec.EventID,
		ModifiedAt: rec.ModifiedAt,
		Meta:       rec.Meta,
	}, nil
}

// Apply copies the change's field values onto a node. Structure (parent,
// arena membership) is the caller's job; this only covers the mutable
// fields and the re-captured metadata.
func (c *NodeChange) Apply(n *tree.Node) {
	n.Title = c.Title
	n.Body = c.Body
	n.IsTask = c.IsTask
	n.Completed = c.Completed
	n.SortKey = c.SortKey
	n.ReminderID = c.ReminderID
	n.EventID = c.EventID
	n.ModifiedAt = c.ModifiedAt
	n.RemoteMeta = c.Meta
}
