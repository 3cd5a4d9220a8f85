package record

import (
	"fmt"
	"time"
)

// zonePrefix namespaces treeline's zones inside the remote store.
const zonePrefix = "outline"

// ZoneForTime returns the zone name for the calendar week containing t.
//
// Records are partitioned into one zone per ISO week so that sync scope,
// deletion, and quota management operate on a bounded unit instead of one
// unbounded global collection. The name is derived deterministically, so
// every device addresses the same bucket without coordination.
func ZoneForTime(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%s-%04d-W%02d", zonePrefix, year, week)
}
