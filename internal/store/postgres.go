package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/local-first-web/cevitxe/pkg/crdt"
)

// PostgresStore is the Backend used when several StoreManager processes
// share one store, e.g. a mesh node running alongside a SignalServer
// (SPEC_FULL.md §B). It speaks the same Backend contract as SQLiteStore so
// the Repository is unaware of which one it's holding.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}
	s := &PostgresStore{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS changes (
		document_id TEXT NOT NULL,
		change_id   TEXT NOT NULL,
		seq         BIGINT NOT NULL,
		change_data JSONB NOT NULL,
		PRIMARY KEY (document_id, change_id)
	);
	CREATE INDEX IF NOT EXISTS idx_changes_document_id ON changes(document_id);

	CREATE TABLE IF NOT EXISTS snapshots (
		document_id TEXT PRIMARY KEY,
		snapshot_data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return &PersistenceError{Op: "init schema", Err: err}
	}
	return nil
}

func (s *PostgresStore) AppendChanges(documentId string, changes []crdt.Change) error {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &PersistenceError{Op: "append changes", Err: err}
	}
	defer tx.Rollback(ctx)

	for _, c := range changes {
		data, err := json.Marshal(c)
		if err != nil {
			return &PersistenceError{Op: "append changes", Err: err}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO changes (document_id, change_id, seq, change_data)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (document_id, change_id) DO NOTHING
		`, documentId, c.ID, c.Seq, data)
		if err != nil {
			return &PersistenceError{Op: "append changes", Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &PersistenceError{Op: "append changes", Err: err}
	}
	return nil
}

func (s *PostgresStore) LoadChanges(documentId string) ([]crdt.Change, error) {
	ctx := context.Background()
	rows, err := s.pool.Query(ctx, `
		SELECT change_data FROM changes
		WHERE document_id = $1
		ORDER BY seq ASC, change_id ASC
	`, documentId)
	if err != nil {
		return nil, &PersistenceError{Op: "load changes", Err: err}
	}
	defer rows.Close()

	var out []crdt.Change
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, &PersistenceError{Op: "load changes", Err: err}
		}
		var c crdt.Change
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, &PersistenceError{Op: "load changes", Err: err}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "load changes", Err: err}
	}
	return out, nil
}

func (s *PostgresStore) SaveSnapshot(documentId string, doc *crdt.Document) error {
	data, err := doc.ToJSON()
	if err != nil {
		return &PersistenceError{Op: "save snapshot", Err: err}
	}
	ctx := context.Background()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO snapshots (document_id, snapshot_data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (document_id) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			updated_at = excluded.updated_at
	`, documentId, data)
	if err != nil {
		return &PersistenceError{Op: "save snapshot", Err: err}
	}
	return nil
}

func (s *PostgresStore) LoadSnapshot(documentId string) (*crdt.Document, bool, error) {
	ctx := context.Background()
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot_data FROM snapshots WHERE document_id = $1`, documentId).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, &PersistenceError{Op: "load snapshot", Err: err}
	}
	doc, err := crdt.FromJSON(data)
	if err != nil {
		return nil, false, &PersistenceError{Op: "load snapshot", Err: err}
	}
	return doc, true, nil
}

func (s *PostgresStore) KnownDocumentIDs() ([]string, error) {
	ctx := context.Background()
	seen := make(map[string]bool)

	rows, err := s.pool.Query(ctx, `SELECT DISTINCT document_id FROM changes`)
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

	rows, err = s.pool.Query(ctx, `SELECT DISTINCT document_id FROM snapshots`)
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

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Backend = (*PostgresStore)(nil)
