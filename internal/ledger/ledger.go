// Package ledger keeps a write-through SQLite record of every per-identifier
// attempt in a run. It exists for after-the-fact analysis and the run report;
// resumption never reads it, the JSON output stays the durability boundary.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Outcome classifies how an attempt ended.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeNotFound    Outcome = "not-found"
	OutcomeFailed      Outcome = "failed"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeSkipped     Outcome = "skipped"
)

// Attempt is one processed identifier.
type Attempt struct {
	RunID      int64         `db:"run_id"`
	Identifier string        `db:"identifier"`
	Outcome    Outcome       `db:"outcome"`
	Reason     string        `db:"reason"`
	SearchTime time.Duration `db:"search_ms"`
	TokenTime  time.Duration `db:"token_ms"`
	FetchTime  time.Duration `db:"fetch_ms"`
	At         time.Time     `db:"at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL DEFAULT '',
	total       INTEGER NOT NULL DEFAULT 0,
	succeeded   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	unavailable INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS attempts (
	run_id     INTEGER NOT NULL,
	identifier TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	search_ms  INTEGER NOT NULL DEFAULT 0,
	token_ms   INTEGER NOT NULL DEFAULT 0,
	fetch_ms   INTEGER NOT NULL DEFAULT 0,
	at         TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS attempts_run ON attempts(run_id);
`

// Ledger owns one SQLite file; all writes go straight through.
type Ledger struct {
	db    *sqlx.DB
	mu    sync.Mutex
	runID int64
}

func Open(dbPath string) (*Ledger, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// BeginRun opens a new run row and makes it the target for RecordAttempt.
func (l *Ledger) BeginRun(total int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.db.Exec(
		"INSERT INTO runs (started_at, total) VALUES (?, ?)",
		time.Now().UTC().Format(time.RFC3339), total,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	l.runID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("run id: %w", err)
	}
	return nil
}

// RecordAttempt writes one attempt row. Stage durations are stored in
// milliseconds.
func (l *Ledger) RecordAttempt(a Attempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	_, err := l.db.Exec(
		`INSERT INTO attempts (run_id, identifier, outcome, reason, search_ms, token_ms, fetch_ms, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.runID, a.Identifier, string(a.Outcome), a.Reason,
		a.SearchTime.Milliseconds(), a.TokenTime.Milliseconds(), a.FetchTime.Milliseconds(),
		a.At.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// FinishRun closes the current run row with its final tallies.
func (l *Ledger) FinishRun(succeeded, failed, unavailable int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(
		"UPDATE runs SET finished_at = ?, succeeded = ?, failed = ?, unavailable = ? WHERE run_id = ?",
		time.Now().UTC().Format(time.RFC3339), succeeded, failed, unavailable, l.runID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// RunStats is the aggregate the report consumes.
type RunStats struct {
	Total       int
	Succeeded   int
	Failed      int
	Unavailable int
	Slowest     []SlowAttempt
}

// SlowAttempt is an identifier with its total stage time.
type SlowAttempt struct {
	Identifier string
	TotalMS    int64
	Outcome    Outcome
}

// Stats aggregates the current run for reporting: outcome counts plus the
// identifiers that took the longest across all stages.
func (l *Ledger) Stats(slowest int) (RunStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var stats RunStats
	rows, err := l.db.Query(
		"SELECT outcome, COUNT(*) FROM attempts WHERE run_id = ? GROUP BY outcome", l.runID)
	if err != nil {
		return stats, fmt.Errorf("count outcomes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return stats, err
		}
		stats.Total += n
		switch Outcome(outcome) {
		case OutcomeSuccess:
			stats.Succeeded += n
		case OutcomeUnavailable:
			stats.Unavailable += n
		case OutcomeNotFound, OutcomeFailed:
			stats.Failed += n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	if slowest > 0 {
		slow, err := l.db.Query(
			`SELECT identifier, search_ms + token_ms + fetch_ms AS total_ms, outcome
			 FROM attempts WHERE run_id = ? ORDER BY total_ms DESC LIMIT ?`,
			l.runID, slowest)
		if err != nil {
			return stats, fmt.Errorf("slowest attempts: %w", err)
		}
		defer slow.Close()
		for slow.Next() {
			var sa SlowAttempt
			var outcome string
			if err := slow.Scan(&sa.Identifier, &sa.TotalMS, &outcome); err != nil {
				return stats, err
			}
			sa.Outcome = Outcome(outcome)
			stats.Slowest = append(stats.Slowest, sa)
		}
		if err := slow.Err(); err != nil {
			return stats, err
		}
	}
	return stats, nil
}
