// Package repo implements the Repository (spec.md §4.3): the single owner
// of every document's CRDT state and the one place mutations are allowed to
// happen. Every Connection's DocumentSync talks to a document only through
// the docsync.Observable this package hands it, never to the *crdt.Document
// directly, so ApplyChanges is always the Repository's.
package repo

import (
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/local-first-web/cevitxe/internal/docsync"
	"github.com/local-first-web/cevitxe/internal/eventbus"
	"github.com/local-first-web/cevitxe/internal/store"
	"github.com/local-first-web/cevitxe/pkg/crdt"
)

// ChangeEvent is delivered to host-facing handlers (StoreManager's CHANGE
// event, spec.md §4.5) after any mutation to documentId's document.
type ChangeEvent struct {
	DocumentID string
	Doc        *crdt.Document
}

// docState bundles one document's CRDT state with the per-document hook bus
// DocumentSync instances subscribe to, and the mutex serializing every
// mutation (spec.md §5: the Repository is the single logical executor for
// a document).
type docState struct {
	mu  sync.Mutex
	doc *crdt.Document
	hub *eventbus.Bus[struct{}]
}

// Repository owns every document this process participates in.
type Repository struct {
	backend store.Backend

	mu   sync.Mutex
	docs map[string]*docState

	changes *eventbus.Bus[ChangeEvent]
}

// New returns a Repository persisting through backend. Pass store.NewMemStore()
// for a process with no durable storage.
func New(backend store.Backend) *Repository {
	return &Repository{
		backend: backend,
		docs:    make(map[string]*docState),
		changes: eventbus.New[ChangeEvent](0),
	}
}

// Init returns documentId's document, loading it from the backend (snapshot
// plus any changes appended since) if this is the first reference to it in
// this process. If nothing is found in the backend, a fresh document is
// created: seeded with initialContent when isCreating is true, and left
// empty (awaiting peer sync) when it is false.
func (r *Repository) Init(documentId string, isCreating bool, initialContent string) (*crdt.Document, error) {
	r.mu.Lock()
	if ds, ok := r.docs[documentId]; ok {
		r.mu.Unlock()
		ds.mu.Lock()
		defer ds.mu.Unlock()
		return ds.doc, nil
	}
	r.mu.Unlock()

	doc, loaded, err := r.load(documentId)
	if err != nil {
		return nil, err
	}
	if !loaded {
		doc = crdt.New()
		if isCreating && initialContent != "" {
			ins := doc.CreateInsert("_init", 0, initialContent)
			if err := doc.ApplyChanges([]crdt.Change{ins}); err != nil {
				return nil, err
			}
		}
	}

	ds := &docState{doc: doc, hub: eventbus.New[struct{}](0)}

	r.mu.Lock()
	if existing, ok := r.docs[documentId]; ok {
		r.mu.Unlock()
		existing.mu.Lock()
		defer existing.mu.Unlock()
		return existing.doc, nil
	}
	r.docs[documentId] = ds
	r.mu.Unlock()

	if !loaded {
		if err := r.persistAll(documentId, ds.doc); err != nil {
			glog.Warningf("repo: persisting new document %q: %v", documentId, err)
		}
	}

	return ds.doc, nil
}

// load reconstructs a document from the backend's snapshot plus any changes
// appended after it, returning (nil, false, nil) if nothing is stored.
func (r *Repository) load(documentId string) (*crdt.Document, bool, error) {
	snapshot, ok, err := r.backend.LoadSnapshot(documentId)
	if err != nil {
		return nil, false, &store.PersistenceError{Op: "repo load", Err: err}
	}

	changes, err := r.backend.LoadChanges(documentId)
	if err != nil {
		return nil, false, &store.PersistenceError{Op: "repo load", Err: err}
	}

	if !ok && len(changes) == 0 {
		return nil, false, nil
	}

	doc := snapshot
	if doc == nil {
		doc = crdt.New()
	}
	if err := doc.ApplyChanges(changes); err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// ApplyChanges is the only path by which a document is mutated. It is
// called through the Observable this package hands out, by
// StoreManager.Dispatch for locally-authored changes and by a Connection's
// DocumentSync for remotely-received ones, so every hook — per-document and
// repo-wide — fires uniformly.
func (r *Repository) ApplyChanges(documentId string, changes []crdt.Change) error {
	ds, err := r.stateFor(documentId)
	if err != nil {
		return err
	}

	ds.mu.Lock()
	if err := ds.doc.ApplyChanges(changes); err != nil {
		ds.mu.Unlock()
		return err
	}
	doc := ds.doc
	ds.mu.Unlock()

	if err := r.persist(documentId, changes, doc); err != nil {
		glog.Warningf("repo: persisting changes for %q: %v", documentId, err)
	}

	ds.hub.Emit(struct{}{})
	r.changes.Emit(ChangeEvent{DocumentID: documentId, Doc: doc})
	return nil
}

func (r *Repository) persist(documentId string, changes []crdt.Change, doc *crdt.Document) error {
	if err := r.backend.AppendChanges(documentId, changes); err != nil {
		return &store.PersistenceError{Op: "repo append", Err: err}
	}
	return nil
}

func (r *Repository) persistAll(documentId string, doc *crdt.Document) error {
	if err := r.backend.SaveSnapshot(documentId, doc); err != nil {
		return &store.PersistenceError{Op: "repo persist all", Err: err}
	}
	return nil
}

func (r *Repository) stateFor(documentId string) (*docState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.docs[documentId]
	if !ok {
		return nil, fmt.Errorf("repo: document %q not initialized", documentId)
	}
	return ds, nil
}

// GetDocument returns a docsync.Observable for documentId, handed to every
// Connection's DocumentSync. It is an error to call this before Init.
func (r *Repository) GetDocument(documentId string) (docsync.Observable, error) {
	ds, err := r.stateFor(documentId)
	if err != nil {
		return nil, err
	}
	return &observable{repo: r, documentId: documentId, state: ds}, nil
}

// AddHandler registers fn to be called after every ApplyChanges across
// every document this Repository holds (the host-facing hook behind
// StoreManager's CHANGE event). The returned function removes it.
func (r *Repository) AddHandler(fn func(documentId string, doc *crdt.Document)) (remove func()) {
	return r.changes.On(func(ev ChangeEvent) { fn(ev.DocumentID, ev.Doc) })
}

// KnownDocumentIDs proxies to the backend plus anything initialized only
// in memory so far.
func (r *Repository) KnownDocumentIDs() ([]string, error) {
	ids, err := r.backend.KnownDocumentIDs()
	if err != nil {
		return nil, &store.PersistenceError{Op: "repo known ids", Err: err}
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	r.mu.Lock()
	for id := range r.docs {
		seen[id] = true
	}
	r.mu.Unlock()
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out, nil
}

// compactor is satisfied by backends that can fold a document's change log
// into a snapshot (store.SQLiteStore); MemStore and Postgres do not need it,
// so it is checked with a type assertion rather than added to store.Backend.
type compactor interface {
	Compact(documentId string, doc *crdt.Document) error
}

// Compact collapses documentId's change log into a snapshot on the backend,
// once a caller has observed the document quiescent (SPEC_FULL.md §D: "once
// the document has been observed quiescent"). It is a no-op on backends that
// don't support compaction.
func (r *Repository) Compact(documentId string) error {
	ds, err := r.stateFor(documentId)
	if err != nil {
		return err
	}
	c, ok := r.backend.(compactor)
	if !ok {
		return nil
	}

	ds.mu.Lock()
	doc := ds.doc
	ds.mu.Unlock()

	if err := c.Compact(documentId, doc); err != nil {
		return &store.PersistenceError{Op: "repo compact", Err: err}
	}
	return nil
}

// Close releases the backing store.
func (r *Repository) Close() error {
	return r.backend.Close()
}

// observable adapts a Repository/docState pair to docsync.Observable.
type observable struct {
	repo       *Repository
	documentId string
	state      *docState
}

func (o *observable) Get() *crdt.Document {
	o.state.mu.Lock()
	defer o.state.mu.Unlock()
	return o.state.doc
}

func (o *observable) RegisterHandler(fn func()) func() {
	return o.state.hub.On(func(struct{}) { fn() })
}

func (o *observable) ApplyChanges(changes []crdt.Change) error {
	return o.repo.ApplyChanges(o.documentId, changes)
}

var _ docsync.Observable = (*observable)(nil)
