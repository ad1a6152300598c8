package recorder

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Store keeps pin events in sqlite for queryable history.
type Store struct {
	*sql.DB
}

// OpenStore opens (creating if needed) the event database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Timestamps are stored as unix nanoseconds so range queries and
	// ordering compare numerically.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS pin_events (
			board_id TEXT NOT NULL,
			pin INTEGER NOT NULL,
			value INTEGER NOT NULL,
			timestamp INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_pin_events_board_ts
			ON pin_events (board_id, timestamp);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db}, nil
}

// RecordEvent inserts one event.
func (s *Store) RecordEvent(ev Event) error {
	_, err := s.Exec(
		"INSERT INTO pin_events (board_id, pin, value, timestamp) VALUES (?, ?, ?, ?)",
		ev.BoardID, ev.Pin, ev.Value, ev.Timestamp.UnixNano(),
	)
	return err
}

// EventsSince returns a board's events at or after since, oldest
// first.
func (s *Store) EventsSince(boardID string, since time.Time) ([]Event, error) {
	rows, err := s.Query(
		"SELECT board_id, pin, value, timestamp FROM pin_events WHERE board_id = ? AND timestamp >= ? ORDER BY timestamp",
		boardID, since.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var ns int64
		if err := rows.Scan(&ev.BoardID, &ev.Pin, &ev.Value, &ns); err != nil {
			return nil, err
		}
		ev.Timestamp = time.Unix(0, ns).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}
