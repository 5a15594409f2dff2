// Package crdt is the CRDT primitive that spec.md treats as an external
// dependency: document construction, change application, and change
// extraction given a remote clock. It is intentionally the simplest CRDT
// that satisfies those contracts — an operation log replayed in
// (clock, timestamp, actor) order — so the sync core above it (DocumentSync,
// Repository) never has to know more about convergence than "missing
// changes" and "apply changes".
package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/local-first-web/cevitxe/pkg/clock"
)

// ChangeType distinguishes the two operations this CRDT supports. A richer
// CRDT would add more; the sync core never switches on it.
type ChangeType string

const (
	Insert ChangeType = "insert"
	Delete ChangeType = "delete"
)

// Change is an immutable, causally-tagged operation. Two Changes with the
// same ID are the same change; applying a Change twice must be a no-op
// (see Document.ApplyChanges).
type Change struct {
	ID        string            `json:"id"`
	Actor     string            `json:"actor"`
	Seq       uint64            `json:"seq"`
	Clock     clock.VectorClock `json:"clock"`
	Type      ChangeType        `json:"type"`
	Position  int               `json:"position"`
	Content   string            `json:"content,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Document is the local CRDT replica: an append-only log of Changes plus
// the vector clock summarizing how much of each actor's history it holds.
// Document is not safe for concurrent use; callers serialize access to it
// (the Repository's observable wrapper is this serialization point).
type Document struct {
	changes []Change
	byID    map[string]bool
	text    string
	clk     clock.VectorClock
}

// New returns an empty Document.
func New() *Document {
	return &Document{
		byID: make(map[string]bool),
		clk:  clock.New(),
	}
}

// Clock returns a copy of the document's current vector clock.
func (d *Document) Clock() clock.VectorClock {
	return d.clk.Copy()
}

// Text returns the document's materialized value. Real CRDT libraries
// expose richer structured values; this one models a single collaborative
// text field, which is enough to exercise the sync core end to end.
func (d *Document) Text() string {
	return d.text
}

// CreateInsert allocates and returns (but does not apply) an insert Change
// authored by actor. Callers apply it via ApplyChanges so that the
// change-observation hook at the Repository layer fires uniformly for
// local and remote changes alike.
func (d *Document) CreateInsert(actor string, position int, content string) Change {
	seq := d.clk[actor] + 1
	c := d.clk.Copy()
	c[actor] = seq
	return Change{
		ID:        newChangeID(actor),
		Actor:     actor,
		Seq:       seq,
		Clock:     c,
		Type:      Insert,
		Position:  position,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// CreateDelete allocates and returns a delete Change removing one rune at
// position.
func (d *Document) CreateDelete(actor string, position int) Change {
	seq := d.clk[actor] + 1
	c := d.clk.Copy()
	c[actor] = seq
	return Change{
		ID:        newChangeID(actor),
		Actor:     actor,
		Seq:       seq,
		Clock:     c,
		Type:      Delete,
		Position:  position,
		Timestamp: time.Now(),
	}
}

// ApplyChanges applies changes to the document. Applying a Change whose ID
// is already present is a no-op, which is what makes ApplyChanges
// idempotent under CRDT semantics (spec.md §8, property 5): the causal
// prerequisites a real CRDT library would enforce are approximated here by
// a simple log-membership check, since the sync layer never reorders
// delivery within a connection (spec.md §5).
func (d *Document) ApplyChanges(changes []Change) error {
	changed := false
	for _, c := range changes {
		if d.byID[c.ID] {
			continue
		}
		d.byID[c.ID] = true
		d.changes = append(d.changes, c)
		d.clk = clock.Merge(d.clk, c.Clock)
		changed = true
	}
	if changed {
		d.rebuild()
	}
	return nil
}

// MissingChanges returns every change this document holds that theirs does
// not yet reflect: exactly the changes DocumentSync.maybeSendChanges needs
// to push. A change is missing if its own clock is not dominated by
// theirs — i.e. theirs hasn't seen at least that actor/seq pair yet.
func (d *Document) MissingChanges(theirs clock.VectorClock) []Change {
	var out []Change
	for _, c := range d.changes {
		if !clock.LessOrEqual(c.Clock, theirs) {
			out = append(out, c)
		}
	}
	return out
}

// Merge folds every change in other that this document lacks into this
// document. It is equivalent to ApplyChanges(other.MissingChanges(d.Clock())),
// provided for callers that hold two full replicas rather than a delta.
func (d *Document) Merge(other *Document) error {
	return d.ApplyChanges(other.MissingChanges(d.Clock()))
}

// rebuild recomputes Text from the change log. Changes are ordered by
// vector clock first (causal order where comparable), falling back to
// timestamp and then actor id to deterministically order concurrent
// changes — every replica that has applied the same change set computes
// the same order and therefore the same text, which is the whole point of
// calling this a CRDT.
func (d *Document) rebuild() {
	ordered := make([]Change, len(d.changes))
	copy(ordered, d.changes)

	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		switch {
		case clock.LessOrEqual(a.Clock, b.Clock) && !clock.LessOrEqual(b.Clock, a.Clock):
			return true
		case clock.LessOrEqual(b.Clock, a.Clock) && !clock.LessOrEqual(a.Clock, b.Clock):
			return false
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Actor < b.Actor
	})

	text := []rune{}
	for _, op := range ordered {
		switch op.Type {
		case Insert:
			if op.Position >= 0 && op.Position <= len(text) {
				content := []rune(op.Content)
				merged := make([]rune, 0, len(text)+len(content))
				merged = append(merged, text[:op.Position]...)
				merged = append(merged, content...)
				merged = append(merged, text[op.Position:]...)
				text = merged
			}
		case Delete:
			if op.Position >= 0 && op.Position < len(text) {
				text = append(text[:op.Position], text[op.Position+1:]...)
			}
		}
	}
	d.text = string(text)
}

// docJSON is Document's wire/storage representation.
type docJSON struct {
	Changes []Change          `json:"changes"`
	Clock   clock.VectorClock `json:"clock"`
}

// ToJSON serializes the document's full change log and clock.
func (d *Document) ToJSON() ([]byte, error) {
	return json.Marshal(docJSON{Changes: d.changes, Clock: d.clk})
}

// FromJSON reconstructs a Document previously serialized by ToJSON.
func FromJSON(data []byte) (*Document, error) {
	var dj docJSON
	if err := json.Unmarshal(data, &dj); err != nil {
		return nil, fmt.Errorf("crdt: decode document: %w", err)
	}
	d := New()
	if err := d.ApplyChanges(dj.Changes); err != nil {
		return nil, err
	}
	return d, nil
}

func newChangeID(actor string) string {
	return actor + "-" + ulid.Make().String()
}
