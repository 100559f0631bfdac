package db

import (
	"context"
	"database/sql"
	"fmt"
	"image"
	"time"

	"github.com/banshee-data/spotspray/internal/gps"
	"github.com/banshee-data/spotspray/internal/sampler"
)

// SampleIndex records archived samples against one session. It implements
// sampler.Indexer.
type SampleIndex struct {
	db        *DB
	sessionID string
}

// SampleIndex returns an indexer for sessionID.
func (db *DB) SampleIndex(sessionID string) *SampleIndex {
	return &SampleIndex{db: db, sessionID: sessionID}
}

// IndexSample inserts one sample row.
func (x *SampleIndex) IndexSample(ctx context.Context, s sampler.Sample) error {
	var lat, lon sql.NullFloat64
	var quality sql.NullInt64
	if s.Fix != nil {
		lat = sql.NullFloat64{Float64: s.Fix.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: s.Fix.Longitude, Valid: true}
		quality = sql.NullInt64{Int64: int64(s.Fix.Quality), Valid: true}
	}
	_, err := x.db.ExecContext(ctx, `INSERT INTO samples (
			session_id, path, frame_id, det_index, mode, x0, y0, x1, y1,
			latitude, longitude, fix_quality, saved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		x.sessionID, s.Path, s.FrameID, s.Index, s.Mode,
		s.Region.Min.X, s.Region.Min.Y, s.Region.Max.X, s.Region.Max.Y,
		lat, lon, quality, s.SavedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("index sample %s: %w", s.Path, err)
	}
	return nil
}

// Samples returns the samples of a session in save order. Fix is nil for
// samples saved without a position.
func (db *DB) Samples(ctx context.Context, sessionID string) ([]sampler.Sample, error) {
	rows, err := db.QueryContext(ctx, `SELECT path, frame_id, det_index, mode, x0, y0, x1, y1,
			latitude, longitude, fix_quality, saved_at
		FROM samples WHERE session_id = ? ORDER BY saved_at, sample_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sampler.Sample
	for rows.Next() {
		var (
			s              sampler.Sample
			x0, y0, x1, y1 int
			lat, lon       sql.NullFloat64
			quality        sql.NullInt64
			savedAt        int64
		)
		if err := rows.Scan(&s.Path, &s.FrameID, &s.Index, &s.Mode, &x0, &y0, &x1, &y1,
			&lat, &lon, &quality, &savedAt); err != nil {
			return nil, err
		}
		s.Region = image.Rect(x0, y0, x1, y1)
		s.SavedAt = time.Unix(0, savedAt).UTC()
		if lat.Valid && lon.Valid {
			s.Fix = &gps.Fix{Latitude: lat.Float64, Longitude: lon.Float64, Quality: int(quality.Int64)}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
