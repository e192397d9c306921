package pack

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrRunNotFound is returned when a run id has no persisted state.
var ErrRunNotFound = errors.New("pack run not found")

// SQLiteStore persists runs in a local SQLite database so paused parents
// and in-flight packs survive a crash. The whole run document is stored
// as JSON; the columns exist for querying, not as the source of truth.
type SQLiteStore struct {
	db          *sql.DB
	snapshotDir string
	logger      zerolog.Logger
}

// NewSQLiteStore opens (and if needed creates) the run database. When
// snapshotDir is non-empty, every save also exports an atomic JSON
// snapshot of the run for operator inspection.
func NewSQLiteStore(dbPath, snapshotDir string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open run database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS pack_runs (
			id TEXT PRIMARY KEY,
			app_id TEXT,
			parent_chat TEXT NOT NULL,
			terminal INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pack_runs_terminal ON pack_runs(terminal);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if snapshotDir != "" {
		if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	return &SQLiteStore{db: db, snapshotDir: snapshotDir, logger: logger}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save upserts the run and, when configured, exports its JSON snapshot.
func (s *SQLiteStore) Save(ctx context.Context, run *Run) error {
	state, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.ID, err)
	}

	terminal := 0
	if run.Terminal() {
		terminal = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pack_runs (id, app_id, parent_chat, terminal, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			terminal = excluded.terminal,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, run.ID, run.AppID, run.ParentChat, terminal, string(state),
		run.CreatedAt.Unix(), run.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}

	if s.snapshotDir != "" {
		if err := s.exportSnapshot(run, state); err != nil {
			s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Run snapshot export failed")
		}
	}
	return nil
}

// Load reads one run by id.
func (s *SQLiteStore) Load(ctx context.Context, runID string) (*Run, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM pack_runs WHERE id = ?", runID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	return decodeRun([]byte(state))
}

// Active returns every non-terminal run, oldest first.
func (s *SQLiteStore) Active(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT state FROM pack_runs WHERE terminal = 0 ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("query active runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		run, err := decodeRun([]byte(state))
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// exportSnapshot writes the run JSON with a temp-file rename so readers
// never observe a partial document.
func (s *SQLiteStore) exportSnapshot(run *Run, state []byte) error {
	path := filepath.Join(s.snapshotDir, run.ID+".json")
	tmp := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())
	if err := os.WriteFile(tmp, state, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func decodeRun(state []byte) (*Run, error) {
	var run Run
	if err := json.Unmarshal(state, &run); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedRun, err)
	}
	if err := run.validate(); err != nil {
		return nil, err
	}
	return &run, nil
}
