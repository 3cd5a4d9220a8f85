// Package resolve merges conflicting record versions.
//
// When an upload is rejected by the remote store's optimistic-concurrency
// check, the engine has three versions of the record: what this device
// intended to write (client), what is currently on the server, and, when
// history was retained, the common ancestor both sides started from.
// Resolve folds them into one record with a field-level three-way merge.
//
// Resolution is a pure, total function: it never fails, and the worst
// outcome for any single field is a last-writer-wins overwrite, never a
// lost batch.
package resolve

import (
	"time"

	"github.com/google/uuid"

	"treeline/internal/record"
)

// Resolve merges the client and server versions of a record, consulting
// the ancestor when one is available (nil means history was not retained).
//
// Per field: a side that did not change the field yields to the side that
// did; when both changed it, the side with the more recent local
// modification timestamp wins, and an exact tie favors the client (the
// side attempting the write). Without an ancestor every differing field is
// treated as changed on both sides.
//
// The result always carries the server record's opaque metadata, required
// for the resubmitted write to pass the concurrency check, and the max of
// the two modification timestamps.
func Resolve(client, server record.Record, ancestor *record.Record) record.Record {
	clientWins := !client.ModifiedAt.Before(server.ModifiedAt)
	hasAncestor := ancestor != nil

	var anc record.Record
	if hasAncestor {
		anc = *ancestor
	}

	merged := server // server shell: identity, type, zone, opaque metadata

	merged.Title = mergeField(client.Title, server.Title, anc.Title, hasAncestor, clientWins)
	merged.Body = mergeField(client.Body, server.Body, anc.Body, hasAncestor, clientWins)
	merged.IsTask = mergeField(client.IsTask, server.IsTask, anc.IsTask, hasAncestor, clientWins)
	merged.Completed = mergeField(client.Completed, server.Completed, anc.Completed, hasAncestor, clientWins)
	merged.SortKey = mergeField(client.SortKey, server.SortKey, anc.SortKey, hasAncestor, clientWins)
	merged.ReminderID = mergeField(client.ReminderID, server.ReminderID, anc.ReminderID, hasAncestor, clientWins)
	merged.EventID = mergeField(client.EventID, server.EventID, anc.EventID, hasAncestor, clientWins)
	merged.Parent = mergeParent(client.Parent, server.Parent, anc.Parent, hasAncestor, clientWins)
	merged.ModifiedAt = maxTime(client.ModifiedAt, server.ModifiedAt)

	return merged
}

// mergeField applies the three-way rules to one field.
func mergeField[T comparable](client, server, ancestor T, hasAncestor, clientWins bool) T {
	if hasAncestor {
		if client == ancestor {
			return server // client did not change it
		}
		if server == ancestor {
			return client // server did not change it
		}
	}
	if client == server {
		return client
	}
	if clientWins {
		return client
	}
	return server
}

// mergeParent merges the parent reference. References compare by target
// identity, not by the textual form of the address.
func mergeParent(client, server, ancestor string, hasAncestor, clientWins bool) string {
	c, s, a := parentTarget(client), parentTarget(server), parentTarget(ancestor)
	if hasAncestor {
		if c == a {
			return server
		}
		if s == a {
			return client
		}
	}
	if c == s {
		return client
	}
	if clientWins {
		return client
	}
	return server
}

// parentTarget canonicalizes a parent reference to its target identity.
// Unparseable references compare as raw text.
func parentTarget(ref string) string {
	if ref == "" {
		return ""
	}
	if id, err := uuid.Parse(ref); err == nil {
		return id.String()
	}
	return ref
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
