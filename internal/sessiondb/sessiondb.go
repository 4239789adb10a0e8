// Package sessiondb is the durable catalog of acquisition sessions. The
// frame archives themselves live on the filesystem; the catalog indexes
// them so crews can find, audit, and replay past sessions without crawling
// the session directory tree.
package sessiondb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meridian-neuro/retinomap/internal/frame"
	"github.com/meridian-neuro/retinomap/internal/recorder"
)

// DB wraps the catalog's sqlite handle.
type DB struct {
	*sql.DB
	path string
}

// New opens (or creates) the catalog database at path. Run MigrateUp before
// first use; New itself creates no schema.
func New(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session catalog %s: %w", path, err)
	}
	// modernc's driver is not safe for concurrent writers on one
	// connection pool without WAL.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set catalog pragmas: %w", err)
	}
	return &DB{DB: db, path: path}, nil
}

// Session is one catalog row.
type Session struct {
	SessionID   string            `json:"session_id"`
	SessionName string            `json:"session_name"`
	Directions  []frame.Direction `json:"directions"`
	Cycles      int               `json:"cycles"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Saved       bool              `json:"saved"`
}

// SessionStarted inserts a new session row at recording start. A duplicate
// session name is an error so a session on disk can never be silently
// re-indexed under a second id.
func (db *DB) SessionStarted(sessionID, sessionName string, directions []frame.Direction, cycles int) error {
	dirs, err := json.Marshal(directions)
	if err != nil {
		return fmt.Errorf("encode directions: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO sessions (session_id, session_name, directions, cycles)
		VALUES (?, ?, ?, ?)`,
		sessionID, sessionName, string(dirs), cycles)
	if err != nil {
		return fmt.Errorf("insert session %q: %w", sessionName, err)
	}
	return nil
}

// SessionCompleted marks a session saved and records its per-direction
// ledger counts.
func (db *DB) SessionCompleted(sessionName string, info recorder.SessionInfo) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin catalog update: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE sessions
		SET completed_at = CURRENT_TIMESTAMP, saved = 1
		WHERE session_name = ?`, sessionName)
	if err != nil {
		return fmt.Errorf("mark session %q complete: %w", sessionName, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %q not in catalog", sessionName)
	}

	for dir, counts := range info.Directions {
		_, err := tx.Exec(`
			INSERT INTO session_directions
				(session_name, direction, stimulus_events, stimulus_frames, camera_frames)
			VALUES (?, ?, ?, ?, ?)`,
			sessionName, string(dir), counts.StimulusEvents, counts.StimulusFrames, counts.CameraFrames)
		if err != nil {
			return fmt.Errorf("insert direction counts for %q/%s: %w", sessionName, dir, err)
		}
	}

	return tx.Commit()
}

// GetSession returns one session by name.
func (db *DB) GetSession(sessionName string) (Session, error) {
	row := db.QueryRow(`
		SELECT session_id, session_name, directions, cycles, started_at, completed_at, saved
		FROM sessions WHERE session_name = ?`, sessionName)
	return scanSession(row)
}

// ListSessions returns every catalogued session, newest first.
func (db *DB) ListSessions() ([]Session, error) {
	rows, err := db.Query(`
		SELECT session_id, session_name, directions, cycles, started_at, completed_at, saved
		FROM sessions ORDER BY started_at DESC, session_name DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DirectionCounts returns the recorded ledger counts for one session.
func (db *DB) DirectionCounts(sessionName string) (map[frame.Direction]recorder.DirectionInfo, error) {
	rows, err := db.Query(`
		SELECT direction, stimulus_events, stimulus_frames, camera_frames
		FROM session_directions WHERE session_name = ?`, sessionName)
	if err != nil {
		return nil, fmt.Errorf("query direction counts: %w", err)
	}
	defer rows.Close()

	counts := map[frame.Direction]recorder.DirectionInfo{}
	for rows.Next() {
		var dir string
		var info recorder.DirectionInfo
		if err := rows.Scan(&dir, &info.StimulusEvents, &info.StimulusFrames, &info.CameraFrames); err != nil {
			return nil, err
		}
		info.Sealed = true
		counts[frame.Direction(dir)] = info
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var dirs string
	var completed sql.NullTime
	var saved int
	if err := row.Scan(&s.SessionID, &s.SessionName, &dirs, &s.Cycles, &s.StartedAt, &completed, &saved); err != nil {
		return s, fmt.Errorf("scan session row: %w", err)
	}
	if err := json.Unmarshal([]byte(dirs), &s.Directions); err != nil {
		return s, fmt.Errorf("decode session directions: %w", err)
	}
	if completed.Valid {
		s.CompletedAt = &completed.Time
	}
	s.Saved = saved != 0
	return s, nil
}
