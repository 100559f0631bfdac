package db

import (
	"context"
	"fmt"
	"time"
)

// FPSReport is one periodic frame-rate measurement.
type FPSReport struct {
	At         time.Time `json:"at"`
	Frames     int       `json:"frames"`
	FPS        float64   `json:"fps"`
	Detections int64     `json:"detections"`
	Actuations int64     `json:"actuations"`
}

// FPSLog records frame-rate reports for one session.
type FPSLog struct {
	db        *DB
	sessionID string
}

// FPSLog returns a recorder for sessionID.
func (db *DB) FPSLog(sessionID string) *FPSLog {
	return &FPSLog{db: db, sessionID: sessionID}
}

// RecordFPS inserts one report.
func (l *FPSLog) RecordFPS(ctx context.Context, r FPSReport) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO fps_reports (session_id, reported_at, frames, fps, detections, actuations) VALUES (?, ?, ?, ?, ?, ?)`,
		l.sessionID, r.At.UTC().UnixNano(), r.Frames, r.FPS, r.Detections, r.Actuations)
	if err != nil {
		return fmt.Errorf("record fps: %w", err)
	}
	return nil
}

// FPSReports returns a session's reports, oldest first.
func (db *DB) FPSReports(ctx context.Context, sessionID string) ([]FPSReport, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT reported_at, frames, fps, detections, actuations FROM fps_reports WHERE session_id = ? ORDER BY reported_at`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FPSReport
	for rows.Next() {
		var r FPSReport
		var at int64
		if err := rows.Scan(&at, &r.Frames, &r.FPS, &r.Detections, &r.Actuations); err != nil {
			return nil, err
		}
		r.At = time.Unix(0, at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
