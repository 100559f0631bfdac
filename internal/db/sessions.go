package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when a session ID is unknown.
var ErrSessionNotFound = errors.New("db: session not found")

// Session is one run of the controller.
type Session struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	Algorithm  string     `json:"algorithm"`
	ConfigJSON string     `json:"config"`
	ExitCause  string     `json:"exit_cause,omitempty"`
	Frames     int64      `json:"frames"`
}

// StartSession records the start of a run and returns its new ID.
func (db *DB) StartSession(ctx context.Context, algorithm string, configJSON []byte, at time.Time) (*Session, error) {
	s := &Session{
		ID:         uuid.NewString(),
		StartedAt:  at.UTC(),
		Algorithm:  algorithm,
		ConfigJSON: string(configJSON),
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, started_at, algorithm, config_json) VALUES (?, ?, ?, ?)`,
		s.ID, s.StartedAt.UnixNano(), s.Algorithm, s.ConfigJSON)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	return s, nil
}

// EndSession marks a session stopped with its exit cause and frame count.
func (db *DB) EndSession(ctx context.Context, id string, at time.Time, cause string, frames int64) error {
	res, err := db.ExecContext(ctx,
		`UPDATE sessions SET stopped_at = ?, exit_cause = ?, frames = ? WHERE session_id = ?`,
		at.UTC().UnixNano(), cause, frames, id)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// GetSession returns one session.
func (db *DB) GetSession(ctx context.Context, id string) (*Session, error) {
	row := db.QueryRowContext(ctx, sessionSelect+` WHERE session_id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, err
}

// RecentSessions returns up to limit sessions, newest first.
func (db *DB) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := db.QueryContext(ctx, sessionSelect+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

const sessionSelect = `SELECT session_id, started_at, stopped_at, algorithm, config_json, exit_cause, frames FROM sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var (
		s         Session
		started   int64
		stopped   sql.NullInt64
		exitCause sql.NullString
	)
	if err := sc.Scan(&s.ID, &started, &stopped, &s.Algorithm, &s.ConfigJSON, &exitCause, &s.Frames); err != nil {
		return nil, err
	}
	s.StartedAt = time.Unix(0, started).UTC()
	if stopped.Valid {
		t := time.Unix(0, stopped.Int64).UTC()
		s.StoppedAt = &t
	}
	s.ExitCause = exitCause.String
	return &s, nil
}
