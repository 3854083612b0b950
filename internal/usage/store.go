// Package usage records the outcome of every conversation turn: which
// model answered, how long the backend took, and whether the reply was
// spoken or dropped. Records are append-only and indexed by timestamp
// and model for aggregation.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is one conversation turn that reached the backend or was
// screened before it.
type Record struct {
	ID            string
	Timestamp     time.Time
	ModelIndex    int
	Model         string
	Outcome       string // see agent.Outcome
	PromptChars   int
	ResponseChars int
	Latency       time.Duration
}

// Summary holds aggregated turn counts and backend latency.
type Summary struct {
	Turns        int     `json:"turns"`
	Completed    int     `json:"completed"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// timeLayout is fixed-width so stored timestamps sort as strings.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store is an append-only SQLite store for turn records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store at the given database path. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id             TEXT PRIMARY KEY,
		timestamp      TEXT NOT NULL,
		model_index    INTEGER NOT NULL,
		model          TEXT NOT NULL,
		outcome        TEXT NOT NULL,
		prompt_chars   INTEGER NOT NULL,
		response_chars INTEGER NOT NULL,
		latency_ms     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_timestamp ON turns(timestamp);
	CREATE INDEX IF NOT EXISTS idx_turns_model ON turns(model);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a turn. If rec.ID is empty, a UUIDv7 is generated.
// The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate turn record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns
			(id, timestamp, model_index, model, outcome, prompt_chars, response_chars, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeLayout),
		rec.ModelIndex,
		rec.Model,
		rec.Outcome,
		rec.PromptChars,
		rec.ResponseChars,
		rec.Latency.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert turn record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN outcome = 'complete' THEN 1 ELSE 0 END), 0),
		        COALESCE(AVG(latency_ms), 0)
		 FROM turns
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)

	var sum Summary
	if err := row.Scan(&sum.Turns, &sum.Completed, &sum.AvgLatencyMS); err != nil {
		return nil, fmt.Errorf("query turn summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("model", start, end)
}

// SummaryByOutcome returns per-outcome totals for records within [start, end).
func (s *Store) SummaryByOutcome(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("outcome", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a constant from our own methods, never user input.
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*),
		        COALESCE(SUM(CASE WHEN outcome = 'complete' THEN 1 ELSE 0 END), 0),
		        COALESCE(AVG(latency_ms), 0)
		 FROM turns
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY COUNT(*) DESC`,
		column, column,
	)

	rows, err := s.db.Query(query,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query turns by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Turns, &sum.Completed, &sum.AvgLatencyMS); err != nil {
			return nil, fmt.Errorf("scan turns by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
