// Package docsync implements the per-peer, per-document sync state machine
// (spec.md §4.2): it decides, from two vector clocks (ours and theirs),
// which changes to push and when to ask for more. It is transport-agnostic:
// the transport supplies Send at construction and calls Receive whenever a
// Message arrives.
//
// DocumentSync is not safe for concurrent use. Spec.md §5 requires that all
// DocumentSync activity for a given document be serialized on one logical
// executor (an event loop, a dedicated goroutine, or a mutex held by the
// caller) because it reads-then-writes its clocks without internal
// synchronization — that serialization is the caller's responsibility
// (internal/connection provides it per-connection).
package docsync

import (
	"github.com/golang/glog"
	"github.com/sanity-io/litter"

	"github.com/local-first-web/cevitxe/internal/wire"
	"github.com/local-first-web/cevitxe/pkg/clock"
	"github.com/local-first-web/cevitxe/pkg/crdt"
)

// Observable is the minimal interface the Repository's document wrapper
// exposes to a DocumentSync (spec.md §9: "Observable document wrapper").
// DocumentSync never sees the underlying CRDT library's own types beyond
// crdt.Document and crdt.Change.
type Observable interface {
	// Get returns the current document. The returned *crdt.Document must
	// not be mutated by the caller.
	Get() *crdt.Document
	// RegisterHandler adds fn to the set of callbacks invoked after every
	// ApplyChanges completes (locally or remotely sourced) and returns a
	// function that removes it.
	RegisterHandler(fn func()) (unregister func())
	// ApplyChanges delegates to the Repository; it is the only way a
	// DocumentSync is permitted to mutate the document.
	ApplyChanges(changes []crdt.Change) error
}

// SendFunc writes a Message to the peer. It is supplied by the transport
// (internal/connection) at construction.
type SendFunc func(wire.Message) error

// DocumentSync is one peer's sync state for one document.
type DocumentSync struct {
	doc  Observable
	send SendFunc

	// onError is invoked when validate rejects the local document's
	// clock. Per spec.md §7 this is fatal to the owning Connection, so
	// the Connection supplies a callback that tears itself down.
	onError func(error)

	ours        clock.VectorClock
	theirs      clock.VectorClock
	theirsKnown bool

	unregister func()
}

// New constructs a DocumentSync over doc, writing outgoing messages via
// send. onError (may be nil) is called if a later docChanged invocation
// discovers the local document's clock has become invalid.
func New(doc Observable, send SendFunc, onError func(error)) *DocumentSync {
	return &DocumentSync{
		doc:     doc,
		send:    send,
		ours:    clock.New(),
		onError: onError,
	}
}

// Open performs the initial handshake: read the current document clock,
// validate it, send an initial pull request, fold the clock into ours, and
// subscribe to future changes.
func (ds *DocumentSync) Open() error {
	c := ds.doc.Get().Clock()
	if err := validate(c, ds.ours); err != nil {
		return err
	}
	if err := ds.send(wire.Message{Clock: c}); err != nil {
		return err
	}
	ds.ours = clock.Merge(ds.ours, c)
	ds.unregister = ds.doc.RegisterHandler(ds.docChanged)
	return nil
}

// Close unsubscribes from the document. No message is sent.
func (ds *DocumentSync) Close() {
	if ds.unregister != nil {
		ds.unregister()
		ds.unregister = nil
	}
}

// Receive processes an inbound Message and returns the local document as
// it stands afterward.
func (ds *DocumentSync) Receive(msg wire.Message) (*crdt.Document, error) {
	if msg.Clock != nil {
		ds.theirs = clock.Merge(ds.theirsOrEmpty(), msg.Clock)
		ds.theirsKnown = true
	}

	if len(msg.Changes) > 0 {
		if glog.V(3) {
			glog.Infof("docsync: applying %d change(s): %s", len(msg.Changes), litter.Sdump(msg.Changes))
		}
		if err := ds.doc.ApplyChanges(msg.Changes); err != nil {
			return nil, err
		}
		// ApplyChanges fans out through the Repository's handler
		// registry, which synchronously invokes ds.docChanged (along
		// with every other Connection's DocumentSync on this document)
		// before returning — see the package doc for why that is safe
		// on this single-threaded execution model.
	} else {
		// A bare-clock message is a pull request for anything newer.
		if err := ds.maybeSendChanges(); err != nil {
			return nil, err
		}
	}

	return ds.doc.Get(), nil
}

// docChanged is the change-observation hook, invoked by the Repository
// after any local or applied-remote mutation to the document.
func (ds *DocumentSync) docChanged() {
	c := ds.doc.Get().Clock()
	if err := validate(c, ds.ours); err != nil {
		if ds.onError != nil {
			ds.onError(err)
		}
		return
	}

	// Order matters: when maybeSendChanges pushes, it folds c into ours, so
	// the maybeRequestChanges check that follows stays silent; a bare-clock
	// pull goes out only when nothing was pushed and c is ahead of ours.
	_ = ds.maybeSendChanges()
	_ = ds.maybeRequestChanges(c)

	ds.ours = clock.Merge(ds.ours, c)
}

// maybeSendChanges pushes any local changes theirs hasn't seen yet. If
// theirs is unknown (no message has arrived from the peer), it does
// nothing — spec.md §4.2.
func (ds *DocumentSync) maybeSendChanges() error {
	if !ds.theirsKnown {
		return nil
	}
	doc := ds.doc.Get()
	missing := doc.MissingChanges(ds.theirs)
	if len(missing) == 0 {
		return nil
	}
	c := doc.Clock()
	if err := ds.send(wire.Message{Clock: c, Changes: missing}); err != nil {
		return err
	}
	ds.ours = clock.Merge(ds.ours, c)
	return nil
}

// maybeRequestChanges implements the resolution of the open question in
// spec.md §9: emit a bare-clock pull exactly when the local clock c has
// strictly advanced past what we last advertised (ours); this covers both
// "docChanged after a local edit" (where maybeSendChanges has normally
// already folded c into ours, so this is a no-op; only while theirs is
// still unknown does the bare clock go out) and "docChanged after applying
// a remote push" (where c may have jumped ahead of ours, inviting the peer
// to send anything we still lack).
func (ds *DocumentSync) maybeRequestChanges(c clock.VectorClock) error {
	if clock.LessOrEqual(c, ds.ours) {
		return nil
	}
	return ds.send(wire.Message{Clock: c})
}

func (ds *DocumentSync) theirsOrEmpty() clock.VectorClock {
	if ds.theirs == nil {
		return clock.New()
	}
	return ds.theirs
}

// Ours returns a copy of the clock this DocumentSync has last advertised
// to its peer. Exposed for tests exercising the "monotone ours" property.
func (ds *DocumentSync) Ours() clock.VectorClock {
	return ds.ours.Copy()
}

// validate enforces spec.md §4.2: c must exist and must dominate ours.
func validate(c, ours clock.VectorClock) error {
	if c == nil {
		return NoClockError{}
	}
	if !clock.LessOrEqual(ours, c) {
		return OldClockError{Ours: ours, Got: c}
	}
	return nil
}
