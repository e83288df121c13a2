// Package history persists a run record per execution to Postgres and
// detects hanging workflows, grounded on the teacher's supervisor.TimeoutDetector
// (cmd/workflow-runner/supervisor/timeout.go) and its `run` table, adapted
// from a counter-based staleness check to the executor's own
// max_workflow_execution_time_seconds (spec §4.7, §6).
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arcflow/wfexec/internal/logging"
)

// Store records workflow run lifecycle events for operational visibility.
// The executor's own correctness never depends on this table: it is a
// side audit trail, not the source of truth for execution state (that
// lives in internal/state.Execution, in memory, per spec §3).
type Store struct {
	pool *pgxpool.Pool
	log  *logging.Logger
}

// New connects to Postgres and ensures the run table exists.
func New(ctx context.Context, databaseURL string, log *logging.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect history store: %w", err)
	}
	s := &Store{pool: pool, log: log}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS run (
			execution_id    TEXT PRIMARY KEY,
			workflow_name   TEXT NOT NULL,
			status          TEXT NOT NULL,
			started_at      TIMESTAMPTZ NOT NULL,
			last_event_at   TIMESTAMPTZ NOT NULL,
			ended_at        TIMESTAMPTZ,
			failed_node_id  TEXT,
			error_message   TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate run table: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// RecordStart inserts a run row in status RUNNING.
func (s *Store) RecordStart(ctx context.Context, executionID, workflowName string) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run (execution_id, workflow_name, status, started_at, last_event_at)
		VALUES ($1, $2, 'RUNNING', $3, $3)
		ON CONFLICT (execution_id) DO NOTHING
	`, executionID, workflowName, now)
	if err != nil {
		s.log.Error("record run start", "execution_id", executionID, "error", err)
	}
}

// RecordProgress bumps last_event_at when a node completes, so the
// hanging-workflow sweep doesn't report an execution that is still
// making progress.
func (s *Store) RecordProgress(ctx context.Context, executionID string) {
	_, err := s.pool.Exec(ctx, `UPDATE run SET last_event_at = $1 WHERE execution_id = $2 AND status = 'RUNNING'`,
		time.Now().UTC(), executionID)
	if err != nil {
		s.log.Error("record run progress", "execution_id", executionID, "error", err)
	}
}

// RecordCompleted marks a run as COMPLETED.
func (s *Store) RecordCompleted(ctx context.Context, executionID string) {
	s.finish(ctx, executionID, "COMPLETED", "", "")
}

// RecordFailed marks a run as FAILED with the node that caused it.
func (s *Store) RecordFailed(ctx context.Context, executionID, failedNodeID, errorMessage string) {
	s.finish(ctx, executionID, "FAILED", failedNodeID, errorMessage)
}

func (s *Store) finish(ctx context.Context, executionID, status, failedNodeID, errorMessage string) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE run
		SET status = $1, ended_at = $2, last_event_at = $2, failed_node_id = NULLIF($3, ''), error_message = NULLIF($4, '')
		WHERE execution_id = $5 AND status = 'RUNNING'
	`, status, now, failedNodeID, errorMessage, executionID)
	if err != nil {
		s.log.Error("record run finish", "execution_id", executionID, "status", status, "error", err)
	}
}

// Hanging is one run whose last_event_at is older than the caller's
// max-execution-time cutoff.
type Hanging struct {
	ExecutionID  string
	WorkflowName string
	LastEventAt  time.Time
}

// FindHanging returns runs still RUNNING with no activity since cutoff
// (spec §4.7: "Workflow-level timeout... bounds the whole execution").
func (s *Store) FindHanging(ctx context.Context, cutoff time.Time, limit int) ([]Hanging, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT execution_id, workflow_name, last_event_at
		FROM run
		WHERE status = 'RUNNING' AND last_event_at < $1
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query hanging runs: %w", err)
	}
	defer rows.Close()

	var out []Hanging
	for rows.Next() {
		var h Hanging
		if err := rows.Scan(&h.ExecutionID, &h.WorkflowName, &h.LastEventAt); err != nil {
			return nil, fmt.Errorf("scan hanging run: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
