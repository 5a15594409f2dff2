package store

import (
	"sort"
	"sync"

	"github.com/local-first-web/cevitxe/pkg/crdt"
)

// MemStore is an in-memory Backend. StoreManager uses it when
// Config.Backend is nil. The Repository does not switch to a MemStore after
// a PersistenceError: it logs the failure and keeps its in-memory document.
type MemStore struct {
	mu        sync.Mutex
	changes   map[string][]crdt.Change
	seen      map[string]map[string]bool
	snapshots map[string][]byte
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		changes:   make(map[string][]crdt.Change),
		seen:      make(map[string]map[string]bool),
		snapshots: make(map[string][]byte),
	}
}

func (m *MemStore) AppendChanges(documentId string, changes []crdt.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := m.seen[documentId]
	if seen == nil {
		seen = make(map[string]bool)
		m.seen[documentId] = seen
	}
	for _, c := range changes {
		if seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		m.changes[documentId] = append(m.changes[documentId], c)
	}
	return nil
}

func (m *MemStore) LoadChanges(documentId string) ([]crdt.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]crdt.Change, len(m.changes[documentId]))
	copy(out, m.changes[documentId])
	return out, nil
}

func (m *MemStore) SaveSnapshot(documentId string, doc *crdt.Document) error {
	data, err := doc.ToJSON()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[documentId] = data
	return nil
}

func (m *MemStore) LoadSnapshot(documentId string) (*crdt.Document, bool, error) {
	m.mu.Lock()
	data, ok := m.snapshots[documentId]
	m.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	doc, err := crdt.FromJSON(data)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func (m *MemStore) KnownDocumentIDs() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for id := range m.changes {
		seen[id] = true
	}
	for id := range m.snapshots {
		seen[id] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) Close() error { return nil }
