// Package db records positioning sessions and the positions they emit in a
// SQLite database.
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/position.report/internal/anchors"
	"github.com/banshee-data/position.report/internal/position"
)

// MaxPositions caps a single Positions query.
const MaxPositions = 1000

var ErrNoSession = errors.New("no such session")

type DB struct {
	*sql.DB
	path string
}

// NewDB opens (creating if needed) the database at path and migrates it to
// the latest schema. Use ":memory:" for a throwaway database.
func NewDB(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// each connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(Migrations()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string { return db.path }

// Session is one run of the locator against one source.
type Session struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	Layout    json.RawMessage `json:"layout"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Positions int             `json:"positions"`
}

// StartSession records a new session and returns its id.
func (db *DB) StartSession(source string, layout *anchors.Layout, started time.Time) (string, error) {
	layoutJSON, err := json.Marshal(layout)
	if err != nil {
		return "", fmt.Errorf("failed to encode layout: %w", err)
	}
	id := uuid.NewString()
	if _, err := db.Exec(
		`INSERT INTO sessions (session_id, source, layout_json, started_ns) VALUES (?, ?, ?, ?)`,
		id, source, string(layoutJSON), started.UnixNano(),
	); err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return id, nil
}

// EndSession stamps the end time of a session.
func (db *DB) EndSession(id string, ended time.Time) error {
	res, err := db.Exec(`UPDATE sessions SET ended_ns = ? WHERE session_id = ?`, ended.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	return nil
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	rows, err := db.Query(`
		SELECT s.session_id, s.source, s.layout_json, s.started_ns, s.ended_ns,
			(SELECT COUNT(*) FROM positions p WHERE p.session_id = s.session_id)
		FROM sessions s ORDER BY s.started_ns DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var (
			s         Session
			layout    string
			startedNs int64
			endedNs   sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.Source, &layout, &startedNs, &endedNs, &s.Positions); err != nil {
			return nil, err
		}
		s.Layout = json.RawMessage(layout)
		s.StartedAt = time.Unix(0, startedNs).UTC()
		if endedNs.Valid {
			t := time.Unix(0, endedNs.Int64).UTC()
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Record is a stored position.
type Record struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	position.Position
}

// RecordPosition stores p under the session.
func (db *DB) RecordPosition(sessionID string, p position.Position) error {
	_, err := db.Exec(
		`INSERT INTO positions (session_id, cycle, x, y, validity, source, residual, time_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, int64(p.Cycle), p.X, p.Y, p.Validity.String(), p.Source.String(), p.Residual, p.Time.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record position: %w", err)
	}
	return nil
}

// Positions returns up to limit recorded positions, newest first. limit is
// clamped to [1, MaxPositions].
func (db *DB) Positions(limit int) ([]Record, error) {
	rows, err := db.Query(`
		SELECT position_id, session_id, cycle, x, y, validity, source, residual, time_ns
		FROM positions ORDER BY position_id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r        Record
			cycle    int64
			validity string
			source   string
			timeNs   int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &cycle, &r.X, &r.Y, &validity, &source, &r.Residual, &timeNs); err != nil {
			return nil, err
		}
		if err := r.Validity.UnmarshalText([]byte(validity)); err != nil {
			return nil, fmt.Errorf("position %d: %w", r.ID, err)
		}
		if err := r.Source.UnmarshalText([]byte(source)); err != nil {
			return nil, fmt.Errorf("position %d: %w", r.ID, err)
		}
		r.Cycle = uint64(cycle)
		r.Time = time.Unix(0, timeNs).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// PositionCount returns the number of stored positions.
func (db *DB) PositionCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM positions`).Scan(&n)
	return n, err
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return min(limit, MaxPositions)
}
