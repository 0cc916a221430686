// Package eventlog provides append-only SQLite persistence for occupancy
// transitions. Rows are indexed by timestamp for the recent/day/stats
// queries the reporting commands run against a live daemon's database.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Event is one persisted occupancy transition.
type Event struct {
	ID        int64
	Timestamp time.Time
	Occupied  bool
}

// Stats holds aggregate totals across the whole event log.
type Stats struct {
	Total    int
	Presence int
	Absence  int
	First    time.Time
	Last     time.Time
	Days     int
}

// Store is an append-only SQLite store for occupancy events. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// Open creates a store at the given database path. The schema is created
// automatically on first use.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open event database: %w", err)
	}

	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing database handle. The store takes ownership
// of db; Close closes it.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate event schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS occupancy_events (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		occupancy INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_occupancy_events_timestamp ON occupancy_events(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append persists an occupancy transition. Timestamps are stored in UTC
// at whole-second precision so that stored values sort lexicographically
// in chronological order. The returned Event carries the stored
// timestamp and assigned row ID.
func (s *Store) Append(ctx context.Context, occupied bool, at time.Time) (Event, error) {
	if at.IsZero() {
		at = time.Now()
	}
	ts := at.UTC().Truncate(time.Second)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO occupancy_events (timestamp, occupancy) VALUES (?, ?)`,
		ts.Format(time.RFC3339), occupied,
	)
	if err != nil {
		return Event{}, fmt.Errorf("insert occupancy event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Event{}, fmt.Errorf("read occupancy event ID: %w", err)
	}
	return Event{ID: id, Timestamp: ts, Occupied: occupied}, nil
}

// Recent returns the most recent events, newest first. A limit of zero
// or less selects the default of 10.
func (s *Store) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, occupancy FROM occupancy_events
		 ORDER BY timestamp DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Day returns all events within the calendar day containing the given
// time, oldest first. The day boundary follows the time's location.
func (s *Store) Day(ctx context.Context, day time.Time) ([]Event, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, occupancy FROM occupancy_events
		 WHERE timestamp >= ? AND timestamp < ?
		 ORDER BY timestamp, id`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query events for day: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Stats returns aggregate totals across the whole log. An empty log
// yields the zero Stats.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(occupancy), 0), COALESCE(MIN(timestamp), ''), COALESCE(MAX(timestamp), '')
		 FROM occupancy_events`,
	)

	var (
		stats       Stats
		first, last string
	)
	if err := row.Scan(&stats.Total, &stats.Presence, &first, &last); err != nil {
		return Stats{}, fmt.Errorf("query event stats: %w", err)
	}
	if stats.Total == 0 {
		return stats, nil
	}
	stats.Absence = stats.Total - stats.Presence

	var err error
	if stats.First, err = time.Parse(time.RFC3339, first); err != nil {
		return Stats{}, fmt.Errorf("parse first event timestamp %q: %w", first, err)
	}
	if stats.Last, err = time.Parse(time.RFC3339, last); err != nil {
		return Stats{}, fmt.Errorf("parse last event timestamp %q: %w", last, err)
	}
	stats.Days = daysSpanned(stats.First, stats.Last)
	return stats, nil
}

// daysSpanned counts calendar days touched by [first, last] inclusive,
// in local time. Rounding absorbs DST-shortened or -lengthened days.
func daysSpanned(first, last time.Time) int {
	a := first.In(time.Local)
	b := last.In(time.Local)
	am := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.Local)
	bm := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.Local)
	return int(math.Round(bm.Sub(am).Hours()/24)) + 1
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			ev Event
			ts string
		)
		if err := rows.Scan(&ev.ID, &ts, &ev.Occupied); err != nil {
			return nil, fmt.Errorf("scan occupancy event: %w", err)
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp %q: %w", ts, err)
		}
		ev.Timestamp = t
		events = append(events, ev)
	}
	return events, rows.Err()
}
