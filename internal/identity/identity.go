// Package identity derives stable, content-independent identifiers for
// structural outline nodes.
//
// Date containers, section headers, and placeholders are created
// independently on every device. Deriving their identifiers from a fixed
// namespace plus a logical key guarantees that two offline devices creating
// "today's container" compute the same identifier without coordination, so
// the remote store sees one record instead of two conflicting ones.
package identity

import (
	"crypto/sha256"
	"time"

	"github.com/google/uuid"
)

// Namespaces for derived entities. These strings are part of the on-wire
// identity contract and must never change.
const (
	NamespaceDate        = "treeline.date"
	NamespaceSection     = "treeline.section"
	NamespacePlaceholder = "treeline.placeholder"
)

// dateKeyFormat is the ISO date layout used in logical keys.
const dateKeyFormat = "2006-01-02"

// Derive computes the deterministic identifier for a namespace and logical
// key. The namespace and key are joined with a separator, hashed with
// SHA-256, and the first 16 bytes become a UUID with the version and
// variant bits forced so the result is a syntactically valid random-form
// identifier.
//
// Same inputs yield the same identifier on any device, at any time.
func Derive(namespace, key string) uuid.UUID {
	sum := sha256.Sum256([]byte(namespace + ":" + key))

	var id uuid.UUID
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0f) | 0x40 // version 4
	id[8] = (id[8] & 0x3f) | 0x80 // RFC 4122 variant
	return id
}

// DateID returns the identifier of the container node for a calendar day.
func DateID(day time.Time) uuid.UUID {
	return Derive(NamespaceDate, day.Format(dateKeyFormat))
}

// SectionID returns the identifier of a named section under a calendar day.
func SectionID(day time.Time, section string) uuid.UUID {
	return Derive(NamespaceSection, day.Format(dateKeyFormat)+"/"+section)
}

// PlaceholderID returns the identifier of a placeholder node for the given
// purpose tag.
func PlaceholderID(purpose string) uuid.UUID {
	return Derive(NamespacePlaceholder, purpose)
}
