package docsync

import (
	"fmt"

	"github.com/local-first-web/cevitxe/pkg/clock"
)

// NoClockError is returned by validate when the document being synced has
// no clock at all — it is not a CRDT replica, or it is a stale snapshot
// that predates clock tracking.
type NoClockError struct{}

func (NoClockError) Error() string {
	return "docsync: document has no vector clock"
}

// OldClockError is returned by validate when the document's clock no
// longer dominates what this DocumentSync last advertised to its peer —
// the local replica regressed, which should never happen outside a
// programming bug (e.g. the store was replaced by an older snapshot).
type OldClockError struct {
	Ours, Got clock.VectorClock
}

func (e OldClockError) Error() string {
	return fmt.Sprintf("docsync: document clock regressed (ours=%v got=%v)", e.Ours, e.Got)
}
