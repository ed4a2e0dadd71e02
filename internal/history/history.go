// Package history records the outcome of every federated round in a local
// SQLite database. The event log answers "what did the user do"; history
// answers "what did training do" and feeds the status surface.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"adaptd/internal/security"
)

const schema = `
CREATE TABLE IF NOT EXISTS rounds (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    round          INTEGER NOT NULL,
    device_id      TEXT NOT NULL,
    outcome        TEXT NOT NULL,
    error          TEXT NOT NULL DEFAULT '',
    events_used    INTEGER NOT NULL,
    payload_bytes  INTEGER NOT NULL,
    server_round   INTEGER NOT NULL,
    started_at_ns  INTEGER NOT NULL,
    finished_at_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rounds_started ON rounds(started_at_ns);
CREATE INDEX IF NOT EXISTS idx_rounds_outcome ON rounds(outcome, finished_at_ns);
`

// Outcome classifies a finished round.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

var ErrBadRecord = errors.New("history: invalid round record")

// RoundRecord is one finished round.
type RoundRecord struct {
	ID           int64
	Round        uint64 // client round when the round started
	DeviceID     string
	Outcome      Outcome
	Error        string // empty on success
	EventsUsed   int
	PayloadBytes int
	ServerRound  uint64 // round assigned by the server, zero if never reached
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Stats summarizes the table for status output.
type Stats struct {
	Total       int
	Successes   int
	Failures    int
	LastSuccess time.Time // zero when no round has succeeded
}

// Store is the round history database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema. The
// file ends up 0600 like the rest of the on-disk state.
func Open(path string) (*Store, error) {
	if err := security.EnsureSecureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("history: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: restrict database permissions: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record inserts a finished round and returns its row ID.
func (s *Store) Record(r *RoundRecord) (int64, error) {
	if r == nil {
		return 0, fmt.Errorf("%w: nil record", ErrBadRecord)
	}
	if r.DeviceID == "" {
		return 0, fmt.Errorf("%w: missing device id", ErrBadRecord)
	}
	if r.Outcome != OutcomeSuccess && r.Outcome != OutcomeFailed {
		return 0, fmt.Errorf("%w: outcome %q", ErrBadRecord, r.Outcome)
	}
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0, fmt.Errorf("%w: missing timestamps", ErrBadRecord)
	}

	result, err := s.db.Exec(`
		INSERT INTO rounds (round, device_id, outcome, error, events_used, payload_bytes, server_round, started_at_ns, finished_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Round, r.DeviceID, string(r.Outcome), r.Error, r.EventsUsed, r.PayloadBytes,
		r.ServerRound, r.StartedAt.UnixNano(), r.FinishedAt.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("history: insert round: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history: get last insert id: %w", err)
	}
	return id, nil
}

// Recent returns the n most recently started rounds, newest first.
func (s *Store) Recent(n int) ([]RoundRecord, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT id, round, device_id, outcome, error, events_used, payload_bytes, server_round, started_at_ns, finished_at_ns
		FROM rounds
		ORDER BY started_at_ns DESC, id DESC
		LIMIT ?`, n,
	)
	if err != nil {
		return nil, fmt.Errorf("history: query recent rounds: %w", err)
	}
	defer rows.Close()

	return scanRounds(rows)
}

// Stats aggregates the whole table.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0)
		FROM rounds`, string(OutcomeSuccess),
	).Scan(&st.Total, &st.Successes)
	if err != nil {
		return Stats{}, fmt.Errorf("history: aggregate rounds: %w", err)
	}
	st.Failures = st.Total - st.Successes

	var lastNs sql.NullInt64
	err = s.db.QueryRow(`
		SELECT MAX(finished_at_ns) FROM rounds WHERE outcome = ?`, string(OutcomeSuccess),
	).Scan(&lastNs)
	if err != nil {
		return Stats{}, fmt.Errorf("history: query last success: %w", err)
	}
	if lastNs.Valid {
		st.LastSuccess = time.Unix(0, lastNs.Int64).UTC()
	}
	return st, nil
}

func scanRounds(rows *sql.Rows) ([]RoundRecord, error) {
	var records []RoundRecord
	for rows.Next() {
		var r RoundRecord
		var outcome string
		var startedNs, finishedNs int64

		if err := rows.Scan(&r.ID, &r.Round, &r.DeviceID, &outcome, &r.Error,
			&r.EventsUsed, &r.PayloadBytes, &r.ServerRound, &startedNs, &finishedNs); err != nil {
			return nil, fmt.Errorf("history: scan round: %w", err)
		}
		r.Outcome = Outcome(outcome)
		r.StartedAt = time.Unix(0, startedNs).UTC()
		r.FinishedAt = time.Unix(0, finishedNs).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate rounds: %w", err)
	}
	return records, nil
}
