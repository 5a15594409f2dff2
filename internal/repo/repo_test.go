package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local-first-web/cevitxe/internal/store"
	"github.com/local-first-web/cevitxe/pkg/crdt"
)

func TestInitCreatesDocumentWithInitialContent(t *testing.T) {
	r := New(store.NewMemStore())
	doc, err := r.Init("doc1", true, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", doc.Text())
}

func TestInitWithoutCreatingUnknownDocumentStartsEmpty(t *testing.T) {
	r := New(store.NewMemStore())
	doc, err := r.Init("doc1", false, "")
	require.NoError(t, err)
	assert.Equal(t, "", doc.Text())
}

func TestInitIsIdempotentPerProcess(t *testing.T) {
	r := New(store.NewMemStore())
	d1, err := r.Init("doc1", true, "hello")
	require.NoError(t, err)
	d2, err := r.Init("doc1", true, "should be ignored")
	require.NoError(t, err)
	assert.Same(t, d1, d2)
}

func TestApplyChangesFiresPerDocumentAndRepoWideHandlers(t *testing.T) {
	r := New(store.NewMemStore())
	doc, err := r.Init("doc1", true, "")
	require.NoError(t, err)

	obs, err := r.GetDocument("doc1")
	require.NoError(t, err)

	var perDocFired int
	obs.RegisterHandler(func() { perDocFired++ })

	var gotID string
	var gotDoc *crdt.Document
	r.AddHandler(func(documentId string, d *crdt.Document) {
		gotID = documentId
		gotDoc = d
	})

	ins := doc.CreateInsert("a", 0, "x")
	require.NoError(t, obs.ApplyChanges([]crdt.Change{ins}))

	assert.Equal(t, 1, perDocFired)
	assert.Equal(t, "doc1", gotID)
	assert.Equal(t, "x", gotDoc.Text())
}

func TestApplyChangesPersistsToBackend(t *testing.T) {
	backend := store.NewMemStore()
	r := New(backend)
	doc, err := r.Init("doc1", true, "")
	require.NoError(t, err)

	obs, err := r.GetDocument("doc1")
	require.NoError(t, err)

	ins := doc.CreateInsert("a", 0, "hi")
	require.NoError(t, obs.ApplyChanges([]crdt.Change{ins}))

	loaded, err := backend.LoadChanges("doc1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []crdt.Change{ins}, loaded)
}

func TestInitReloadsFromBackendOnNextProcess(t *testing.T) {
	backend := store.NewMemStore()

	r1 := New(backend)
	doc, err := r1.Init("doc1", true, "")
	require.NoError(t, err)
	obs, err := r1.GetDocument("doc1")
	require.NoError(t, err)
	ins := doc.CreateInsert("a", 0, "hi")
	require.NoError(t, obs.ApplyChanges([]crdt.Change{ins}))

	r2 := New(backend)
	reloaded, err := r2.Init("doc1", false, "")
	require.NoError(t, err)
	assert.Equal(t, "hi", reloaded.Text())
}

func TestKnownDocumentIDsIncludesInMemoryOnly(t *testing.T) {
	r := New(store.NewMemStore())
	_, err := r.Init("fresh-doc", true, "")
	require.NoError(t, err)

	ids, err := r.KnownDocumentIDs()
	require.NoError(t, err)
	assert.Contains(t, ids, "fresh-doc")
}

func TestGetDocumentBeforeInitErrors(t *testing.T) {
	r := New(store.NewMemStore())
	_, err := r.GetDocument("doc1")
	assert.Error(t, err)
}

func TestCompactOnMemStoreIsNoOp(t *testing.T) {
	r := New(store.NewMemStore())
	_, err := r.Init("doc1", true, "hello")
	require.NoError(t, err)
	assert.NoError(t, r.Compact("doc1"))
}

func TestCompactFoldsChangesIntoSnapshot(t *testing.T) {
	dir := t.TempDir()
	backend, err := store.OpenSQLite(dir + "/repo-compact.db")
	require.NoError(t, err)
	defer backend.Close()

	r := New(backend)
	doc, err := r.Init("doc1", true, "hello")
	require.NoError(t, err)

	obs, err := r.GetDocument("doc1")
	require.NoError(t, err)
	ins := doc.CreateInsert("a", 5, " world")
	require.NoError(t, obs.ApplyChanges([]crdt.Change{ins}))

	require.NoError(t, r.Compact("doc1"))

	remaining, err := backend.LoadChanges("doc1")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	snapshot, ok, err := backend.LoadSnapshot("doc1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello world", snapshot.Text())
}

func TestCompactBeforeInitErrors(t *testing.T) {
	r := New(store.NewMemStore())
	assert.Error(t, r.Compact("doc1"))
}
