package store

import (
	"database/sql"
	"encoding/json"
	"sort"

	_ "github.com/mattn/go-sqlite3"

	"github.com/local-first-web/cevitxe/pkg/crdt"
)

// SQLiteStore is the default per-device Backend: one embedded database file
// per StoreManager instance, holding every document's change log and latest
// snapshot.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if absent) the database at path and ensures
// its schema exists.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS changes (
		document_id TEXT NOT NULL,
		change_id   TEXT NOT NULL,
		actor       TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		clock_data  TEXT NOT NULL,
		change_data TEXT NOT NULL,
		PRIMARY KEY (document_id, change_id)
	);

	CREATE INDEX IF NOT EXISTS idx_changes_document_id ON changes(document_id);

	CREATE TABLE IF NOT EXISTS snapshots (
		document_id TEXT PRIMARY KEY,
		snapshot_data TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return &PersistenceError{Op: "init schema", Err: err}
	}
	return nil
}

func (s *SQLiteStore) AppendChanges(documentId string, changes []crdt.Change) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &PersistenceError{Op: "append changes", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO changes (document_id, change_id, actor, seq, clock_data, change_data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id, change_id) DO NOTHING
	`)
	if err != nil {
		return &PersistenceError{Op: "append changes", Err: err}
	}
	defer stmt.Close()

	for _, c := range changes {
		clockData, err := json.Marshal(c.Clock)
		if err != nil {
			return &PersistenceError{Op: "append changes", Err: err}
		}
		changeData, err := json.Marshal(c)
		if err != nil {
			return &PersistenceError{Op: "append changes", Err: err}
		}
		if _, err := stmt.Exec(documentId, c.ID, c.Actor, c.Seq, string(clockData), string(changeData)); err != nil {
			return &PersistenceError{Op: "append changes", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "append changes", Err: err}
	}
	return nil
}

func (s *SQLiteStore) LoadChanges(documentId string) ([]crdt.Change, error) {
	rows, err := s.db.Query(`
		SELECT change_data FROM changes
		WHERE document_id = ?
		ORDER BY rowid ASC
	`, documentId)
	if err != nil {
		return nil, &PersistenceError{Op: "load changes", Err: err}
	}
	defer rows.Close()

	var out []crdt.Change
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, &PersistenceError{Op: "load changes", Err: err}
		}
		var c crdt.Change
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, &PersistenceError{Op: "load changes", Err: err}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "load changes", Err: err}
	}
	return out, nil
}

func (s *SQLiteStore) SaveSnapshot(documentId string, doc *crdt.Document) error {
	data, err := doc.ToJSON()
	if err != nil {
		return &PersistenceError{Op: "save snapshot", Err: err}
	}
	_, err = s.db.Exec(`
		INSERT INTO snapshots (document_id, snapshot_data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(document_id) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			updated_at = excluded.updated_at
	`, documentId, string(data))
	if err != nil {
		return &PersistenceError{Op: "save snapshot", Err: err}
	}
	return nil
}

func (s *SQLiteStore) LoadSnapshot(documentId string) (*crdt.Document, bool, error) {
	var data string
	err := s.db.QueryRow(`SELECT snapshot_data FROM snapshots WHERE document_id = ?`, documentId).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &PersistenceError{Op: "load snapshot", Err: err}
	}
	doc, err := crdt.FromJSON([]byte(data))
	if err != nil {
		return nil, false, &PersistenceError{Op: "load snapshot", Err: err}
	}
	return doc, true, nil
}

func (s *SQLiteStore) KnownDocumentIDs() ([]string, error) {
	seen := make(map[string]bool)

	rows, err := s.db.Query(`SELECT DISTINCT document_id FROM changes`)
	if err != nil {
		return nil, &PersistenceError{Op: "known document ids", Err: err}
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, &PersistenceError{Op: "known document ids", Err: err}
		}
		seen[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "known document ids", Err: err}
	}

	rows, err = s.db.Query(`SELECT DISTINCT document_id FROM snapshots`)
	if err != nil {
		return nil, &PersistenceError{Op: "known document ids", Err: err}
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, &PersistenceError{Op: "known document ids", Err: err}
		}
		seen[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "known document ids", Err: err}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *SQLiteStore) Compact(documentId string, doc *crdt.Document) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &PersistenceError{Op: "compact", Err: err}
	}
	defer tx.Rollback()

	data, err := doc.ToJSON()
	if err != nil {
		return &PersistenceError{Op: "compact", Err: err}
	}
	if _, err := tx.Exec(`
		INSERT INTO snapshots (document_id, snapshot_data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(document_id) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			updated_at = excluded.updated_at
	`, documentId, string(data)); err != nil {
		return &PersistenceError{Op: "compact", Err: err}
	}
	if _, err := tx.Exec(`DELETE FROM changes WHERE document_id = ?`, documentId); err != nil {
		return &PersistenceError{Op: "compact", Err: err}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return &PersistenceError{Op: "close", Err: err}
	}
	return nil
}

var _ Backend = (*SQLiteStore)(nil)

// CompactIfLarge folds documentId's change log into its snapshot once the
// log holds threshold entries or more; a StoreManager can call this periodically
// (SPEC_FULL.md §D).
func (s *SQLiteStore) CompactIfLarge(documentId string, doc *crdt.Document, threshold int) error {
	changes, err := s.LoadChanges(documentId)
	if err != nil {
		return err
	}
	if len(changes) < threshold {
		return nil
	}
	return s.Compact(documentId, doc)
}
