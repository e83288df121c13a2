package logging

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// DispatchAuditor appends one audit line per sub-task dispatch and per
// completion to its writer, independent of the operational slog logger.
// Nothing is written into node artifacts. Grounded on the pack's zerolog
// usage for execution-step audit records.
type DispatchAuditor struct {
	log zerolog.Logger
}

// NewDispatchAuditor builds an auditor writing structured JSON lines to w.
func NewDispatchAuditor(w io.Writer) *DispatchAuditor {
	return &DispatchAuditor{log: zerolog.New(w).With().Timestamp().Logger()}
}

// RecordDispatch appends one audit line for a sub-task sent to an agent.
func (a *DispatchAuditor) RecordDispatch(executionID, nodeID, subTaskID, agentName string) {
	a.log.Info().
		Str("execution_id", executionID).
		Str("node_id", nodeID).
		Str("sub_task_id", subTaskID).
		Str("agent_name", agentName).
		Time("dispatched_at", time.Now()).
		Msg("node dispatched")
}

// RecordCompletion appends one audit line for a sub-task's resolution.
func (a *DispatchAuditor) RecordCompletion(executionID, nodeID, subTaskID, status string, durationMS int64) {
	a.log.Info().
		Str("execution_id", executionID).
		Str("node_id", nodeID).
		Str("sub_task_id", subTaskID).
		Str("status", status).
		Int64("duration_ms", durationMS).
		Msg("node completed")
}
