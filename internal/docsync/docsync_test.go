package docsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local-first-web/cevitxe/internal/wire"
	"github.com/local-first-web/cevitxe/pkg/clock"
	"github.com/local-first-web/cevitxe/pkg/crdt"
)

// fakeObservable is a minimal in-memory stand-in for the Repository's
// document wrapper, sufficient to drive DocumentSync without a store.
type fakeObservable struct {
	doc      *crdt.Document
	handlers []func()
}

func newFakeObservable() *fakeObservable {
	return &fakeObservable{doc: crdt.New()}
}

func (f *fakeObservable) Get() *crdt.Document { return f.doc }

func (f *fakeObservable) RegisterHandler(fn func()) func() {
	f.handlers = append(f.handlers, fn)
	idx := len(f.handlers) - 1
	return func() { f.handlers[idx] = nil }
}

func (f *fakeObservable) ApplyChanges(changes []crdt.Change) error {
	if err := f.doc.ApplyChanges(changes); err != nil {
		return err
	}
	for _, h := range f.handlers {
		if h != nil {
			h()
		}
	}
	return nil
}

func TestOpenSendsInitialPullRequest(t *testing.T) {
	obs := newFakeObservable()
	var sent []wire.Message
	ds := New(obs, func(m wire.Message) error {
		sent = append(sent, m)
		return nil
	}, nil)

	require.NoError(t, ds.Open())
	require.Len(t, sent, 1)
	assert.True(t, sent[0].IsPull())
}

func TestPullRequestElicitsPush(t *testing.T) {
	// B has a populated document; A opens fresh against it and sends {}.
	b := newFakeObservable()
	c := b.doc.CreateInsert("B", 0, "hello")
	require.NoError(t, b.doc.ApplyChanges([]crdt.Change{c}))

	var sentByB []wire.Message
	dsB := New(b, func(m wire.Message) error {
		sentByB = append(sentByB, m)
		return nil
	}, nil)
	require.NoError(t, dsB.Open())
	sentByB = nil // discard B's own initial pull

	resp, err := dsB.Receive(wire.Message{Clock: clock.New()})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text())

	require.Len(t, sentByB, 1)
	assert.False(t, sentByB[0].IsPull())
	assert.ElementsMatch(t, []crdt.Change{c}, sentByB[0].Changes)
}

func TestTwoPeerConvergenceOneEdit(t *testing.T) {
	a := newFakeObservable()
	bObs := newFakeObservable()

	var toB, toA []wire.Message
	dsA := New(a, func(m wire.Message) error { toB = append(toB, m); return nil }, nil)
	dsB := New(bObs, func(m wire.Message) error { toA = append(toA, m); return nil }, nil)

	require.NoError(t, dsA.Open())
	require.NoError(t, dsB.Open())
	pumpUntilQuiescent(t, dsA, dsB, &toA, &toB)

	// A edits locally; docChanged fires synchronously via ApplyChanges.
	ins := a.doc.CreateInsert("A", 0, "x=1")
	require.NoError(t, a.ApplyChanges([]crdt.Change{ins}))
	pumpUntilQuiescent(t, dsA, dsB, &toA, &toB)

	assert.Equal(t, "x=1", bObs.doc.Text())
	assert.True(t, clock.Equal(a.doc.Clock(), bObs.doc.Clock()))
	assert.Empty(t, toA)
	assert.Empty(t, toB)
}

// pumpUntilQuiescent alternately delivers whatever is queued for each side
// until both queues drain, modeling an eventually-quiescent network
// (spec.md §8, property 3).
func pumpUntilQuiescent(t *testing.T, dsA, dsB *DocumentSync, toA, toB *[]wire.Message) {
	t.Helper()
	for i := 0; i < 50; i++ {
		if len(*toA) == 0 && len(*toB) == 0 {
			return
		}
		pending := *toB
		*toB = nil
		for _, m := range pending {
			_, err := dsB.Receive(m)
			require.NoError(t, err)
		}
		pending = *toA
		*toA = nil
		for _, m := range pending {
			_, err := dsA.Receive(m)
			require.NoError(t, err)
		}
	}
	t.Fatal("network did not quiesce")
}

func TestReceiveIsIdempotent(t *testing.T) {
	obs := newFakeObservable()
	ds := New(obs, func(wire.Message) error { return nil }, nil)
	require.NoError(t, ds.Open())

	msg := wire.Message{
		Clock:   clock.VectorClock{"peer": 1},
		Changes: []crdt.Change{{ID: "peer-1", Actor: "peer", Seq: 1, Clock: clock.VectorClock{"peer": 1}, Type: crdt.Insert, Content: "z"}},
	}

	_, err := ds.Receive(msg)
	require.NoError(t, err)
	first := obs.doc.Text()

	_, err = ds.Receive(msg)
	require.NoError(t, err)
	assert.Equal(t, first, obs.doc.Text())
}

func TestOursIsMonotone(t *testing.T) {
	obs := newFakeObservable()
	ds := New(obs, func(wire.Message) error { return nil }, nil)
	require.NoError(t, ds.Open())

	snapshots := []clock.VectorClock{ds.Ours()}

	ins := obs.doc.CreateInsert("local", 0, "a")
	require.NoError(t, obs.ApplyChanges([]crdt.Change{ins}))
	snapshots = append(snapshots, ds.Ours())

	_, err := ds.Receive(wire.Message{
		Clock:   clock.VectorClock{"remote": 1},
		Changes: []crdt.Change{{ID: "remote-1", Actor: "remote", Seq: 1, Clock: clock.VectorClock{"remote": 1}, Type: crdt.Insert, Content: "b"}},
	})
	require.NoError(t, err)
	snapshots = append(snapshots, ds.Ours())

	for i := 1; i < len(snapshots); i++ {
		assert.True(t, clock.LessOrEqual(snapshots[i-1], snapshots[i]), "ours must not regress")
	}
}

func TestOldClockRejected(t *testing.T) {
	obs := newFakeObservable()
	ds := New(obs, func(wire.Message) error { return nil }, nil)
	require.NoError(t, ds.Open())

	ins := obs.doc.CreateInsert("local", 0, "a")
	require.NoError(t, obs.ApplyChanges([]crdt.Change{ins}))

	// Replace the document with a regressed (empty-clocked) one and fire
	// the hook manually, as if the store had rolled back underneath us.
	var gotErr error
	ds.onError = func(err error) { gotErr = err }
	obs.doc = crdt.New()
	ds.docChanged()

	require.Error(t, gotErr)
	var oldClockErr OldClockError
	assert.ErrorAs(t, gotErr, &oldClockErr)
}

