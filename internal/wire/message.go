// Package wire defines the canonical, deterministic encoding of the
// DocumentSync protocol's Message (spec.md §3, §6): a clock plus an
// optional list of changes. Clock keys are sorted ascending so that two
// peers holding the same logical message produce byte-identical output,
// which the test suite relies on.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/local-first-web/cevitxe/pkg/clock"
	"github.com/local-first-web/cevitxe/pkg/crdt"
)

// Message is the wire form exchanged between DocumentSync peers. Changes is
// nil (omitted, not an empty slice) for a bare pull request.
type Message struct {
	Clock   clock.VectorClock `json:"clock"`
	Changes []crdt.Change     `json:"changes,omitempty"`
}

// IsPull reports whether this message carries no changes and is therefore
// a request for anything newer than Clock.
func (m Message) IsPull() bool {
	return len(m.Changes) == 0
}

// wireMessage is the canonical on-the-wire shape: the clock is encoded as
// a sorted list of (actor, seq) pairs rather than a Go map, whose
// iteration order (and therefore json.Marshal output) is randomized.
type wireMessage struct {
	Clock   []clock.Entry `json:"clock"`
	Changes []crdt.Change `json:"changes,omitempty"`
}

// Encode produces the canonical JSON encoding of m.
func Encode(m Message) ([]byte, error) {
	w := wireMessage{
		Clock:   m.Clock.SortedEntries(),
		Changes: m.Changes,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("wire: encode message: %w", err)
	}
	return data, nil
}

// Decode parses bytes produced by Encode (or any JSON matching its shape)
// back into a Message.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("wire: decode message: %w", err)
	}
	vc := clock.New()
	for _, e := range w.Clock {
		vc[e.Actor] = e.Seq
	}
	return Message{Clock: vc, Changes: w.Changes}, nil
}
