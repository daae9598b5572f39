// Package workspace persists the terminal tabs the UI's workspaces
// reference. The session core consumes it as the source of known terminal
// ids when classifying orphans, and as the cwd/shell source when restoring.
package workspace

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Terminal is one persisted terminal tab.
type Terminal struct {
	ID        uuid.UUID `json:"id"`
	Workspace string    `json:"workspace"`
	Title     string    `json:"title"`
	Cwd       string    `json:"cwd"`
	Shell     string    `json:"shell"`
	Persist   bool      `json:"persist"`
	CreatedAt time.Time `json:"createdAt"`
}

const schema = `
CREATE TABLE IF NOT EXISTS terminals (
	id         TEXT PRIMARY KEY,
	workspace  TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	cwd        TEXT NOT NULL DEFAULT '',
	shell      TEXT NOT NULL DEFAULT '',
	persist    INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);`

// Store is the sqlite-backed terminal table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the store at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open terminal store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init terminal store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (st *Store) Close() error {
	return st.db.Close()
}

// Put inserts or updates a terminal row.
func (st *Store) Put(t Terminal) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := st.db.Exec(`
		INSERT INTO terminals (id, workspace, title, cwd, shell, persist, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workspace = excluded.workspace,
			title     = excluded.title,
			cwd       = excluded.cwd,
			shell     = excluded.shell,
			persist   = excluded.persist`,
		t.ID.String(), t.Workspace, t.Title, t.Cwd, t.Shell, boolToInt(t.Persist),
		t.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("put terminal %s: %w", t.ID, err)
	}
	return nil
}

func (st *Store) Delete(id uuid.UUID) error {
	if _, err := st.db.Exec(`DELETE FROM terminals WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("delete terminal %s: %w", id, err)
	}
	return nil
}

func (st *Store) Get(id uuid.UUID) (Terminal, bool, error) {
	row := st.db.QueryRow(`
		SELECT id, workspace, title, cwd, shell, persist, created_at
		FROM terminals WHERE id = ?`, id.String())
	t, err := scanTerminal(row)
	if err == sql.ErrNoRows {
		return Terminal{}, false, nil
	}
	if err != nil {
		return Terminal{}, false, fmt.Errorf("get terminal %s: %w", id, err)
	}
	return t, true, nil
}

// List returns all persisted terminals, oldest first.
func (st *Store) List() ([]Terminal, error) {
	rows, err := st.db.Query(`
		SELECT id, workspace, title, cwd, shell, persist, created_at
		FROM terminals ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list terminals: %w", err)
	}
	defer rows.Close()

	var terminals []Terminal
	for rows.Next() {
		t, err := scanTerminal(rows)
		if err != nil {
			return nil, fmt.Errorf("list terminals: %w", err)
		}
		terminals = append(terminals, t)
	}
	return terminals, rows.Err()
}

// KnownIDs returns the set of terminal ids any workspace references.
func (st *Store) KnownIDs() (map[uuid.UUID]bool, error) {
	rows, err := st.db.Query(`SELECT id FROM terminals`)
	if err != nil {
		return nil, fmt.Errorf("scan terminal ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[uuid.UUID]bool)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan terminal ids: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			st.logger.Warn("skipping terminal row with bad id", "id", raw)
			continue
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTerminal(row scanner) (Terminal, error) {
	var (
		t       Terminal
		rawID   string
		persist int
		created string
	)
	if err := row.Scan(&rawID, &t.Workspace, &t.Title, &t.Cwd, &t.Shell, &persist, &created); err != nil {
		return Terminal{}, err
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return Terminal{}, fmt.Errorf("bad terminal id %q: %w", rawID, err)
	}
	t.ID = id
	t.Persist = persist != 0
	if ts, err := time.Parse(time.RFC3339, created); err == nil {
		t.CreatedAt = ts
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
