// Package eventbus provides the typed, explicit-add/remove subscriber
// registry used throughout the sync core (spec.md §9: "a registry of
// typed subscriber callbacks per event kind, with explicit add/remove,
// guarded against reentrant modification during dispatch"). Both
// Repository's change-observation hook and StoreManager's host-facing
// events (OPEN/CLOSE/PEER/PEER_REMOVE/CHANGE) are built on this.
package eventbus

import (
	"sync"

	"github.com/golang/glog"
)

// Bus fans a value of type T out to every currently-registered subscriber.
// A Bus is safe for concurrent use. Subscribers added or removed during
// Emit do not affect the in-flight dispatch — Emit snapshots the
// subscriber list before invoking it.
type Bus[T any] struct {
	mu         sync.Mutex
	subs       map[int]func(T)
	next       int
	maxSubHint int
}

// New returns an empty Bus. maxSubs is an advisory subscriber-count budget
// used only for glog.Warningf diagnostics (0 means "don't warn"); spec.md
// §5 warns against a hard low ceiling ("a document with many peers
// produces many listeners... must not impose a low ceiling"), so On never
// rejects a subscription because of it.
func New[T any](maxSubs int) *Bus[T] {
	return &Bus[T]{subs: make(map[int]func(T)), maxSubHint: maxSubs}
}

// On registers fn and returns a function that removes it. Safe to call
// from inside a dispatched callback (it affects only future Emit calls).
func (b *Bus[T]) On(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = fn
	if b.maxSubHint > 0 && len(b.subs) > b.maxSubHint {
		glog.Warningf("eventbus: %d subscribers exceeds budget of %d", len(b.subs), b.maxSubHint)
	}
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Len reports the current subscriber count.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Emit delivers v to a snapshot of the current subscriber set, taken under
// lock but invoked outside it so a subscriber may itself call On/unsubscribe
// or Emit without deadlocking.
func (b *Bus[T]) Emit(v T) {
	b.mu.Lock()
	snapshot := make([]func(T), 0, len(b.subs))
	for _, fn := range b.subs {
		snapshot = append(snapshot, fn)
	}
	b.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}
