// Package state implements Persisted State: a WAL-mode SQLite store for the
// file-index snapshot and the last-successful cook signature per CommandID,
// keyed by the stable {rule-name, triggering-file-path} pair so signatures
// survive a process restart even though CommandID itself does not. Uses the
// PRAGMA journal_mode=WAL / single-writer-connection / schema-DDL-as-constant
// idiom common to small embedded SQLite stores, here holding a rehydratable
// snapshot rather than an at-least-once queue.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Store is a WAL-mode SQLite-backed Persisted State store. Safe for
// concurrent use.
type Store struct {
	db *sql.DB
}

// FileSnapshot is one persisted File Index entry.
type FileSnapshot struct {
	RepoName string
	Path     string
	Exists   bool
	IsDir    bool
	Size     int64
	ModTime  time.Time
}

// SignatureKey identifies a CookingCommand across restarts, since CommandID
// itself is only stable for one process's lifetime.
type SignatureKey struct {
	RuleName    string
	TriggerPath string
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("state: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single connection avoids
	// "database is locked" errors from concurrent flushes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS file_entries (
    repo_name TEXT    NOT NULL,
    path      TEXT    NOT NULL,
    present   INTEGER NOT NULL,
    is_dir    INTEGER NOT NULL,
    size      INTEGER NOT NULL,
    mod_time  TEXT    NOT NULL,
    PRIMARY KEY (repo_name, path)
);

CREATE TABLE IF NOT EXISTS signatures (
    rule_name    TEXT NOT NULL,
    trigger_path TEXT NOT NULL,
    signature    TEXT NOT NULL,
    PRIMARY KEY (rule_name, trigger_path)
);
`

// SaveFileEntries replaces the persisted snapshot for repoName with entries.
// Called periodically and on clean shutdown.
func (s *Store) SaveFileEntries(ctx context.Context, repoName string, entries []FileSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_entries WHERE repo_name = ?`, repoName); err != nil {
		return fmt.Errorf("state: clear file_entries for %q: %w", repoName, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO file_entries (repo_name, path, present, is_dir, size, mod_time)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("state: prepare file_entries insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, repoName, e.Path, boolToInt(e.Exists), boolToInt(e.IsDir), e.Size, e.ModTime.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("state: insert file_entries: %w", err)
		}
	}

	return tx.Commit()
}

// LoadFileEntries returns every persisted entry for repoName.
func (s *Store) LoadFileEntries(ctx context.Context, repoName string) ([]FileSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, present, is_dir, size, mod_time
		FROM file_entries WHERE repo_name = ?`, repoName)
	if err != nil {
		return nil, fmt.Errorf("state: load file_entries: %w", err)
	}
	defer rows.Close()

	var out []FileSnapshot
	for rows.Next() {
		var (
			e       FileSnapshot
			present int
			isDir   int
			modStr  string
		)
		if err := rows.Scan(&e.Path, &present, &isDir, &e.Size, &modStr); err != nil {
			return nil, fmt.Errorf("state: scan file_entries: %w", err)
		}
		e.RepoName = repoName
		e.Exists = present != 0
		e.IsDir = isDir != 0
		e.ModTime, _ = time.Parse(time.RFC3339Nano, modStr)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveSignature upserts the last-successful cook signature for key.
func (s *Store) SaveSignature(ctx context.Context, key SignatureKey, signature string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signatures (rule_name, trigger_path, signature)
		VALUES (?, ?, ?)
		ON CONFLICT (rule_name, trigger_path) DO UPDATE SET signature = excluded.signature`,
		key.RuleName, key.TriggerPath, signature)
	if err != nil {
		return fmt.Errorf("state: save signature: %w", err)
	}
	return nil
}

// LoadSignatures returns every persisted signature, keyed by
// {rule-name, triggering-file-path}. Callers must discard entries whose key
// no longer corresponds to a loaded rule and triggering file.
func (s *Store) LoadSignatures(ctx context.Context) (map[SignatureKey]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT rule_name, trigger_path, signature FROM signatures`)
	if err != nil {
		return nil, fmt.Errorf("state: load signatures: %w", err)
	}
	defer rows.Close()

	out := make(map[SignatureKey]string)
	for rows.Next() {
		var key SignatureKey
		var sig string
		if err := rows.Scan(&key.RuleName, &key.TriggerPath, &sig); err != nil {
			return nil, fmt.Errorf("state: scan signatures: %w", err)
		}
		out[key] = sig
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
