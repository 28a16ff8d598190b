// Package library is the recordings index: every finished recording
// artifact (clean or aborted) gets one row, so operators can find and name
// captures after the fact.
package library

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS recordings (
	id         TEXT PRIMARY KEY,
	path       TEXT NOT NULL,
	fps        REAL NOT NULL,
	width      INTEGER NOT NULL,
	height     INTEGER NOT NULL,
	frames     INTEGER NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at   TIMESTAMP NOT NULL,
	clean      INTEGER NOT NULL
);
`

// Recording is one registered artifact. Clean is false when the recording
// was interrupted and the partial file removed.
type Recording struct {
	ID        string
	Path      string
	FPS       float64
	Width     int
	Height    int
	Frames    int64
	StartedAt time.Time
	EndedAt   time.Time
	Clean     bool
}

// Library wraps the sqlite index.
type Library struct {
	db *sql.DB
}

// Open opens (creating if needed) the index at path.
func Open(path string) (*Library, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("library: opening %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("library: creating schema: %w", err)
	}
	return &Library{db: db}, nil
}

// Insert registers one finished recording.
func (l *Library) Insert(rec Recording) error {
	_, err := l.db.Exec(
		`INSERT INTO recordings (id, path, fps, width, height, frames, started_at, ended_at, clean)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Path, rec.FPS, rec.Width, rec.Height, rec.Frames,
		rec.StartedAt, rec.EndedAt, rec.Clean,
	)
	if err != nil {
		return fmt.Errorf("library: inserting %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns up to n recordings, newest first.
func (l *Library) Recent(n int) ([]Recording, error) {
	rows, err := l.db.Query(
		`SELECT id, path, fps, width, height, frames, started_at, ended_at, clean
		 FROM recordings ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("library: querying recent: %w", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		var rec Recording
		if err := rows.Scan(&rec.ID, &rec.Path, &rec.FPS, &rec.Width, &rec.Height,
			&rec.Frames, &rec.StartedAt, &rec.EndedAt, &rec.Clean); err != nil {
			return nil, fmt.Errorf("library: scanning row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (l *Library) Close() error {
	return l.db.Close()
}
