package observer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dcshock/stagechain/pipeline"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"
)

// Supported database/sql drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS chain_run (
		run_id      TEXT PRIMARY KEY,
		chain       TEXT NOT NULL,
		status      TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT '',
		steps       INTEGER NOT NULL DEFAULT 0,
		started_at  BIGINT NOT NULL,
		finished_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS chain_run_stage (
		run_id      TEXT NOT NULL,
		step        INTEGER NOT NULL,
		stage       TEXT NOT NULL,
		outcome     TEXT NOT NULL,
		next_stage  TEXT NOT NULL,
		error       TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL,
		PRIMARY KEY (run_id, step)
	)`,
	`CREATE TABLE IF NOT EXISTS chain_checkpoint (
		run_id     TEXT PRIMARY KEY,
		chain      TEXT NOT NULL,
		next_stage TEXT NOT NULL,
		data       TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
}

// SQLStore implements Store over database/sql, on SQLite (modernc.org/sqlite)
// or Postgres (pgx). Times are stored as unix milliseconds so the schema is
// the same for both.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open opens a store and creates the schema. For sqlite, dsn is a file path
// (its parent directory is created) or ":memory:".
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite:
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("driver %q not supported (use %s or %s)", driver, DriverSQLite, DriverPostgres)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer at a time; parallel runs share the file.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $1, $2, ... for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// StartRun inserts or resets a chain_run row with status 'running'.
// Upserts so a resumed run keeps its run_id and original start time.
func (s *SQLStore) StartRun(ctx context.Context, run Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	err := s.exec(ctx, `INSERT INTO chain_run (run_id, chain, status, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET status = excluded.status, error = '', finished_at = 0`,
		run.RunID, run.Chain, StatusRunning, millis(run.StartedAt))
	if err != nil {
		return fmt.Errorf("start run %s: %w", run.RunID, err)
	}
	return nil
}

// FinishRun records the final status, error and step count of a run.
func (s *SQLStore) FinishRun(ctx context.Context, run Run) error {
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	err := s.exec(ctx, `UPDATE chain_run SET status = ?, error = ?, steps = ?, finished_at = ? WHERE run_id = ?`,
		run.Status, run.Error, run.Steps, millis(run.FinishedAt), run.RunID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.RunID, err)
	}
	return nil
}

// SaveStage inserts a chain_run_stage row.
func (s *SQLStore) SaveStage(ctx context.Context, rec StageRecord) error {
	err := s.exec(ctx, `INSERT INTO chain_run_stage (run_id, step, stage, outcome, next_stage, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step) DO UPDATE SET stage = excluded.stage, outcome = excluded.outcome,
			next_stage = excluded.next_stage, error = excluded.error, duration_ms = excluded.duration_ms`,
		rec.RunID, rec.Step, rec.Stage, rec.Outcome, rec.Next, rec.Error, rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("save stage %s/%d: %w", rec.RunID, rec.Step, err)
	}
	return nil
}

// SaveCheckpoint stores cp as JSON, replacing the run's previous checkpoint.
func (s *SQLStore) SaveCheckpoint(ctx context.Context, cp pipeline.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.RunID, err)
	}
	err = s.exec(ctx, `INSERT INTO chain_checkpoint (run_id, chain, next_stage, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET chain = excluded.chain, next_stage = excluded.next_stage,
			data = excluded.data, updated_at = excluded.updated_at`,
		cp.RunID, cp.Chain, cp.NextStage, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.RunID, err)
	}
	return nil
}

// LoadCheckpoint implements Store.
func (s *SQLStore) LoadCheckpoint(ctx context.Context, runID string) (*pipeline.Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM chain_checkpoint WHERE run_id = ?`), runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}
	var cp pipeline.Checkpoint
	if err := json.Unmarshal([]byte(data), &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", runID, err)
	}
	return &cp, nil
}

// DeleteCheckpoint implements Store.
func (s *SQLStore) DeleteCheckpoint(ctx context.Context, runID string) error {
	if err := s.exec(ctx, `DELETE FROM chain_checkpoint WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", runID, err)
	}
	return nil
}

// PendingCheckpoints implements Store.
func (s *SQLStore) PendingCheckpoints(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM chain_checkpoint ORDER BY updated_at, run_id`)
	if err != nil {
		return nil, fmt.Errorf("pending checkpoints: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const runColumns = `run_id, chain, status, error, steps, started_at, finished_at`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var r Run
	var started, finished int64
	if err := row.Scan(&r.RunID, &r.Chain, &r.Status, &r.Error, &r.Steps, &started, &finished); err != nil {
		return Run{}, err
	}
	r.StartedAt = fromMillis(started)
	r.FinishedAt = fromMillis(finished)
	return r, nil
}

// GetRun implements Store. A missing run yields sql.ErrNoRows.
func (s *SQLStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM chain_run WHERE run_id = ?`), runID))
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return &r, nil
}

// ListRuns implements Store.
func (s *SQLStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM chain_run ORDER BY started_at DESC, run_id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stages implements Store.
func (s *SQLStore) Stages(ctx context.Context, runID string) ([]StageRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT run_id, step, stage, outcome, next_stage, error, duration_ms
		FROM chain_run_stage WHERE run_id = ? ORDER BY step`), runID)
	if err != nil {
		return nil, fmt.Errorf("stages %s: %w", runID, err)
	}
	defer rows.Close()
	var out []StageRecord
	for rows.Next() {
		var rec StageRecord
		var ms int64
		if err := rows.Scan(&rec.RunID, &rec.Step, &rec.Stage, &rec.Outcome, &rec.Next, &rec.Error, &ms); err != nil {
			return nil, err
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ Store = (*SQLStore)(nil)
