package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arcflow/wfexec/internal/dispatch"
)

// terminalTask is the outbound task response of spec §6: `{id, contextId,
// status: {state, message}, metadata: {workflow_name, output?}}`.
type terminalTask struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Status    terminalStatus `json:"status"`
	Metadata  map[string]any `json:"metadata"`
}

type terminalStatus struct {
	State   string                `json:"state"`
	Message *terminalStatusMsg    `json:"message,omitempty"`
}

type terminalStatusMsg struct {
	Role  string           `json:"role"`
	Parts []dispatch.Part `json:"parts"`
}

// finalize implements spec §4.8: on success, resolve output_mapping
// against final state; on failure, build a human-readable message
// naming the failed node. Either way publish once to replyTo (falling
// back to the client topic), and remove the execution from the active
// map so late/duplicate responses are dropped.
func (e *Engine) finalize(ctx context.Context, ec *execCtx) {
	var task terminalTask
	task.ID = ec.a2a.LogicalTaskID
	if task.ID == "" {
		task.ID = ec.state.ExecutionID
	}
	task.ContextID = ec.a2a.SessionID
	task.Metadata = map[string]any{"workflow_name": ec.state.WorkflowName}

	if ec.state.Failed() {
		task.Status.State = "failed"
		msg := fmt.Sprintf("node %q failed (%s): %s", ec.state.ErrorState.FailedNodeID, ec.state.ErrorState.FailureReason, ec.state.ErrorState.ErrorMessage)
		task.Status.Message = &terminalStatusMsg{Role: "agent", Parts: []dispatch.Part{{Type: "text", Text: msg}}}
		e.metrics.WorkflowFailed()
		if e.hist != nil {
			e.hist.RecordFailed(ctx, ec.state.ExecutionID, ec.state.ErrorState.FailedNodeID, ec.state.ErrorState.ErrorMessage)
		}
		e.log.Info("workflow finalized as failed", "execution_id", ec.state.ExecutionID, "node_id", ec.state.ErrorState.FailedNodeID)
	} else {
		output, err := e.resolver.ResolveMap(ec.state, ec.graph.Workflow.OutputMapping)
		if err != nil {
			task.Status.State = "failed"
			msg := fmt.Sprintf("output_mapping resolution failed: %v", err)
			task.Status.Message = &terminalStatusMsg{Role: "agent", Parts: []dispatch.Part{{Type: "text", Text: msg}}}
			e.metrics.WorkflowFailed()
			if e.hist != nil {
				e.hist.RecordFailed(ctx, ec.state.ExecutionID, "", err.Error())
			}
			e.log.Error("output_mapping resolution failed", "execution_id", ec.state.ExecutionID, "error", err)
		} else {
			task.Status.State = "completed"
			task.Metadata["output"] = output
			e.metrics.WorkflowCompleted()
			if e.hist != nil {
				e.hist.RecordCompleted(ctx, ec.state.ExecutionID)
			}
			e.log.Info("workflow finalized as completed", "execution_id", ec.state.ExecutionID)
		}
	}

	payload, err := json.Marshal(task)
	if err != nil {
		e.log.Error("marshal terminal task", "execution_id", ec.state.ExecutionID, "error", err)
	} else {
		topic := ec.a2a.ReplyToTopic
		if topic == "" {
			topic = e.bus.ClientResponseTopic(ec.a2a.ClientID)
		}
		if err := e.bus.Publish(ctx, topic, payload); err != nil {
			e.log.Error("publish terminal task", "execution_id", ec.state.ExecutionID, "topic", topic, "error", err)
		}
	}

	e.mu.Lock()
	delete(e.active, ec.state.ExecutionID)
	e.mu.Unlock()
}
