package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/0x6d61/autoar/internal/scan"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Summary is a lightweight overview of an archived session.
type Summary struct {
	ID        string      `json:"session_id" yaml:"session_id"`
	Target    scan.Target `json:"target" yaml:"target"`
	State     scan.State  `json:"state" yaml:"state"`
	StartedAt time.Time   `json:"started_at" yaml:"started_at"`
	EndedAt   time.Time   `json:"ended_at" yaml:"ended_at"`
}

// Archive persists finished sessions so they outlive in-memory retention.
type Archive interface {
	Save(ctx context.Context, snap scan.Snapshot) error
	LoadByID(ctx context.Context, id string) (*scan.Snapshot, error)
	ListByTarget(ctx context.Context, target scan.Target, limit int) ([]scan.Snapshot, error)
	List(ctx context.Context, limit int) ([]Summary, error)
	Close() error
}

// SQLiteArchive implements Archive using SQLite via modernc.org/sqlite (pure Go).
type SQLiteArchive struct {
	db *sql.DB
}

// Compile-time check that SQLiteArchive implements Archive.
var _ Archive = (*SQLiteArchive)(nil)

// NewSQLiteArchive opens (or creates) the archive database at dbPath.
// Use ":memory:" for testing.
func NewSQLiteArchive(dbPath string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("session: open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers, which SQLite requires anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: ping database: %w", err)
	}

	createTableSQL := `
		CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			target        TEXT NOT NULL,
			state         TEXT NOT NULL,
			snapshot_json TEXT NOT NULL,
			started_at    TEXT NOT NULL,
			ended_at      TEXT
		);
	`
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: create table: %w", err)
	}

	createIndexSQL := `
		CREATE INDEX IF NOT EXISTS idx_sessions_target ON sessions(target, started_at);
	`
	if _, err := db.Exec(createIndexSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: create index: %w", err)
	}

	return &SQLiteArchive{db: db}, nil
}

// Save upserts a snapshot by session ID.
func (a *SQLiteArchive) Save(ctx context.Context, snap scan.Snapshot) error {
	if snap.ID == "" {
		return errors.New("session: snapshot has no id")
	}

	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("session: marshal snapshot: %w", err)
	}

	var endedAt any
	if snap.EndedAt != nil {
		endedAt = snap.EndedAt.UTC().Format(timeLayout)
	}

	query := `
		INSERT INTO sessions (id, target, state, snapshot_json, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state         = excluded.state,
			snapshot_json = excluded.snapshot_json,
			ended_at      = excluded.ended_at
	`
	_, err = a.db.ExecContext(ctx, query,
		snap.ID,
		snap.Target.String(),
		snap.State.String(),
		string(snapJSON),
		snap.StartedAt.UTC().Format(timeLayout),
		endedAt,
	)
	if err != nil {
		return fmt.Errorf("session: save snapshot: %w", err)
	}
	return nil
}

// LoadByID returns the archived snapshot with the given ID, or
// (nil, nil) when there is none.
func (a *SQLiteArchive) LoadByID(ctx context.Context, id string) (*scan.Snapshot, error) {
	row := a.db.QueryRowContext(ctx, `SELECT snapshot_json FROM sessions WHERE id = ?`, id)

	var snapJSON string
	if err := row.Scan(&snapJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: scan row: %w", err)
	}
	snap, err := decodeSnapshot(snapJSON)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListByTarget returns archived snapshots for target, newest first.
// A limit of zero or less returns all of them.
func (a *SQLiteArchive) ListByTarget(ctx context.Context, target scan.Target, limit int) ([]scan.Snapshot, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT snapshot_json FROM sessions
		WHERE target = ?
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := a.db.QueryContext(ctx, query, target.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("session: list target: %w", err)
	}
	defer rows.Close()

	var snaps []scan.Snapshot
	for rows.Next() {
		var snapJSON string
		if err := rows.Scan(&snapJSON); err != nil {
			return nil, fmt.Errorf("session: scan row: %w", err)
		}
		snap, err := decodeSnapshot(snapJSON)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: iterate rows: %w", err)
	}
	return snaps, nil
}

// List returns summaries of all archived sessions, newest first.
func (a *SQLiteArchive) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT id, target, state, started_at, ended_at FROM sessions ORDER BY started_at DESC LIMIT ?`

	rows, err := a.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("session: list sessions: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var (
			summary   Summary
			target    string
			state     string
			startedAt string
			endedAt   sql.NullString
		)
		if err := rows.Scan(&summary.ID, &target, &state, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("session: scan summary row: %w", err)
		}
		summary.Target = scan.Target(target)
		if summary.State, err = scan.ParseState(state); err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		if summary.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			if summary.EndedAt, err = parseTime(endedAt.String); err != nil {
				return nil, err
			}
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: iterate rows: %w", err)
	}
	return summaries, nil
}

// Cleanup removes sessions that ended more than maxAge ago and returns the
// number of deleted rows.
func (a *SQLiteArchive) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(timeLayout)

	result, err := a.db.ExecContext(ctx, `DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("session: cleanup sessions: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("session: rows affected: %w", err)
	}
	return deleted, nil
}

// Close closes the underlying database connection.
func (a *SQLiteArchive) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func decodeSnapshot(raw string) (scan.Snapshot, error) {
	var snap scan.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return scan.Snapshot{}, fmt.Errorf("session: unmarshal snapshot: %w", err)
	}
	return snap, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Fall back to SQLite default format.
		t, err = time.Parse("2006-01-02 15:04:05", s)
		if err != nil {
			return time.Time{}, fmt.Errorf("session: parse time %q: %w", s, err)
		}
	}
	return t, nil
}
