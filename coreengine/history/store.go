// Package history keeps the append-only audit log of modification cycles in
// SQLite.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/cycle"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Append-only triggers on cycle_history
const currentSchemaVersion = 1

// ErrNotFound is returned when a cycle is not in the history.
var ErrNotFound = errors.New("cycle not found")

// Filter narrows List.
type Filter struct {
	Target  string
	Outcome cycle.Outcome
	// Limit caps the result; 0 means DefaultLimit.
	Limit int
}

// DefaultLimit is the List limit when none is given.
const DefaultLimit = 50

// Stats aggregates the history.
type Stats struct {
	Total     int            `json:"total"`
	ByOutcome map[string]int `json:"by_outcome"`
	Targets   int            `json:"targets"`
}

// Store is the SQLite-backed cycle history. It implements
// cycle.HistoryRecorder.
type Store struct {
	db *sql.DB
}

// Open creates or opens the history database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: connect: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: pragma %q: %w", p, err)
		}
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 makes cycle_history append-only.
func migrateToV1(db *sql.DB) error {
	stmts := []string{
		`CREATE TRIGGER IF NOT EXISTS cycle_history_no_update
		 BEFORE UPDATE ON cycle_history
		 BEGIN SELECT RAISE(ABORT, 'cycle_history is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS cycle_history_no_delete
		 BEFORE DELETE ON cycle_history
		 BEGIN SELECT RAISE(ABORT, 'cycle_history is append-only'); END`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	return nil
}

// =============================================================================
// WRITES
// =============================================================================

// Append records a finished cycle.
func (s *Store) Append(ctx context.Context, r cycle.CycleResult) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("history: encode %s: %w", r.CycleID, err)
	}

	var score sql.NullFloat64
	if r.CritiqueScore != nil {
		score = sql.NullFloat64{Float64: *r.CritiqueScore, Valid: true}
	}
	var gate sql.NullString
	if r.FailedGate != "" {
		gate = sql.NullString{String: string(r.FailedGate), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cycle_history
			(cycle_id, target, outcome, failed_gate, artifact_state, is_self_target,
			 critique_score, started_at, duration_ms, result_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CycleID, r.Target, string(r.Outcome), gate, string(r.ArtifactState), boolToInt(r.IsSelfTarget),
		score, r.StartedAt.UTC().Format(time.RFC3339Nano), r.DurationMS, string(payload),
	)
	if err != nil {
		return fmt.Errorf("history: append %s: %w", r.CycleID, err)
	}
	return nil
}

// =============================================================================
// READS
// =============================================================================

// List returns matching cycles, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]cycle.CycleResult, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	var where []string
	var args []any
	if f.Target != "" {
		where = append(where, "target = ?")
		args = append(args, cycle.NormalizeTarget(f.Target))
	}
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(f.Outcome))
	}

	query := "SELECT result_json FROM cycle_history"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	out := make([]cycle.CycleResult, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		var r cycle.CycleResult
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("history: decode: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns one cycle by ID.
func (s *Store) Get(ctx context.Context, cycleID string) (cycle.CycleResult, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT result_json FROM cycle_history WHERE cycle_id = ?", cycleID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return cycle.CycleResult{}, fmt.Errorf("%w: %s", ErrNotFound, cycleID)
	}
	if err != nil {
		return cycle.CycleResult{}, fmt.Errorf("history: get %s: %w", cycleID, err)
	}
	var r cycle.CycleResult
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return cycle.CycleResult{}, fmt.Errorf("history: decode %s: %w", cycleID, err)
	}
	return r, nil
}

// Stats returns totals per outcome.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByOutcome: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT outcome, COUNT(*) FROM cycle_history GROUP BY outcome")
	if err != nil {
		return Stats{}, fmt.Errorf("history: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return Stats{}, fmt.Errorf("history: scan stats: %w", err)
		}
		st.ByOutcome[outcome] = n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(DISTINCT target) FROM cycle_history").Scan(&st.Targets); err != nil {
		return Stats{}, fmt.Errorf("history: count targets: %w", err)
	}
	return st, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ cycle.HistoryRecorder = (*Store)(nil)
