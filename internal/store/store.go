// Package store implements the persisted-state contract of spec.md §6: a
// per-database key-value namespace holding, per documentId, an append-only
// changeLog and an optional snapshot, plus keychain entries (see
// internal/keychain). The set of known documentIds must be enumerable.
package store

import (
	"fmt"

	"github.com/local-first-web/cevitxe/pkg/crdt"
)

// PersistenceError wraps any failure reading from or writing to the
// backing store. Per spec.md §7, a PersistenceError degrades the
// Repository to in-memory-only operation rather than terminating it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Backend is the storage contract the Repository depends on. Three
// implementations are provided: MemStore (in memory — memstore.go), SQLite
// (the embedded, per-device store — sqlite.go) and Postgres (for a
// server-hosted deployment shared by several StoreManager processes —
// postgres.go). All satisfy the same contract, so the Repository is
// indifferent to which backs it.
type Backend interface {
	// AppendChanges persists changes for documentId, in order, skipping
	// any whose ID has already been stored (idempotent).
	AppendChanges(documentId string, changes []crdt.Change) error
	// LoadChanges returns every change stored for documentId. MemStore and
	// SQLiteStore return them in the order they were appended;
	// PostgresStore orders them by seq, then change ID, which is not
	// necessarily append order.
	LoadChanges(documentId string) ([]crdt.Change, error)
	// SaveSnapshot persists doc as documentId's current snapshot,
	// the optional optimization spec.md §6 allows.
	SaveSnapshot(documentId string, doc *crdt.Document) error
	// LoadSnapshot returns documentId's snapshot if one exists.
	LoadSnapshot(documentId string) (*crdt.Document, bool, error)
	// KnownDocumentIDs enumerates every documentId this backend has ever
	// stored a change or snapshot for.
	KnownDocumentIDs() ([]string, error)
	// Close releases the backend's resources.
	Close() error
}
