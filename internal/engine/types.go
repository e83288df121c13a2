package engine

import "encoding/json"

// A2AContext is the in-memory-only execution context of spec §3:
// `{workflow_task_id, a2a_context: {...}, sub_task_to_node, node_to_sub_task,
// cancellation_flag, workflow_state_ref}`. sub_task_to_node lives in
// internal/correlate.Registry instead of being duplicated here; no
// node_to_sub_task map is kept.
type A2AContext struct {
	LogicalTaskID     string `json:"logical_task_id"`
	SessionID         string `json:"session_id"`
	UserID            string `json:"user_id"`
	ClientID          string `json:"client_id"`
	JSONRPCRequestID  string `json:"jsonrpc_request_id"`
	ReplyToTopic      string `json:"reply_to_topic,omitempty"`
	InboundMessageID  string `json:"inbound_message_id,omitempty"` // for ack
	AppName           string `json:"app_name"`
}

// Submit is the envelope received on a workflow's request topic: the
// workflow definition plus the per-invocation input and A2A routing
// context (spec §2: "a submit arrives on the workflow's request topic").
type Submit struct {
	WorkflowName string          `json:"workflow_name"`
	Description  string          `json:"description,omitempty"`
	Nodes        json.RawMessage `json:"nodes"`
	OutputMapping json.RawMessage `json:"output_mapping"`
	Input        json.RawMessage `json:"input"`
	A2A          A2AContext      `json:"a2a_context"`
}

// NodeResult is the `workflow_node_result` data part of an inbound
// response (spec §6).
type NodeResult struct {
	Status          string `json:"status"` // "success" | "failure"
	ArtifactName    string `json:"artifact_name,omitempty"`
	ArtifactVersion int    `json:"artifact_version,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// InboundResponse is the JSON-RPC success envelope whose result is a
// Task carrying a workflow_node_result data part (spec §6).
type InboundResponse struct {
	ID     string `json:"id"` // echoes the sub_task_id
	Result struct {
		Status struct {
			Message struct {
				Parts []struct {
					Type string          `json:"type"`
					Data json.RawMessage `json:"data"`
				} `json:"parts"`
			} `json:"message"`
		} `json:"status"`
	} `json:"result"`
}

// ExtractNodeResult pulls the workflow_node_result data part out of an
// inbound response, per spec §6 ("Missing data part with status=success
// ⇒ node failure (protocol error)").
func ExtractNodeResult(resp *InboundResponse) (NodeResult, error) {
	for _, p := range resp.Result.Status.Message.Parts {
		if p.Type != "data" || len(p.Data) == 0 {
			continue
		}
		var candidate struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(p.Data, &candidate); err != nil {
			continue
		}
		if candidate.Type != "workflow_node_result" {
			continue
		}
		var nr NodeResult
		if err := json.Unmarshal(p.Data, &nr); err != nil {
			return NodeResult{}, err
		}
		return nr, nil
	}
	return NodeResult{Status: "failure", ErrorMessage: "missing workflow_node_result data part"}, nil
}
