// Package dispatch turns a resolved agent node into a bus request per
// spec §4.4 and §6: builds the JSON-RPC envelope, decides text-part vs
// artifact-mode input, mints a sub-task id, registers it for correlation,
// and publishes to the agent's request topic. Grounded on the teacher's
// token-publish path (cmd/workflow-runner/coordinator/token_publisher.go,
// worker/http_worker.go) generalized from a Redis-stream token to an
// A2A-style JSON-RPC envelope.
package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arcflow/wfexec/internal/artifact"
	"github.com/arcflow/wfexec/internal/bus"
	"github.com/arcflow/wfexec/internal/correlate"
	"github.com/arcflow/wfexec/internal/logging"
	"github.com/arcflow/wfexec/internal/model"
	"github.com/arcflow/wfexec/internal/registry"
	"github.com/arcflow/wfexec/internal/werr"
)

const resultEmbedReminder = "End your response with a line of the exact form " +
	"«result:artifact=<name>:v<version> status=success» (or status=failure) " +
	"identifying the artifact you produced."

// Part is one JSON-RPC message part.
type Part struct {
	Type string         `json:"type,omitempty"`
	Text string         `json:"text,omitempty"`
	File string         `json:"file,omitempty"` // artifact URI
	Data map[string]any `json:"data,omitempty"`
}

// Request is the outbound JSON-RPC envelope of spec §6.
type Request struct {
	ID     string  `json:"id"`
	Method string  `json:"method"`
	Params Message `json:"params"`
}

type Message struct {
	Message MessageBody `json:"message"`
}

type MessageBody struct {
	Role      string         `json:"role"`
	Parts     []Part         `json:"parts"`
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Context carries the identifiers the dispatcher stamps onto an outbound
// request's user-properties (spec §6).
type Context struct {
	ExecutionID  string
	WorkflowName string
	SessionID    string
	UserID       string
	ClientID     string
	UserConfig   map[string]any
}

// Dispatcher builds and publishes agent-node requests.
type Dispatcher struct {
	bus       *bus.Bus
	correlate *correlate.Registry
	registry  *registry.Registry
	artifacts artifact.Service
	appName   string
	audit     *logging.DispatchAuditor
}

func New(b *bus.Bus, c *correlate.Registry, r *registry.Registry, artifacts artifact.Service, appName string, audit *logging.DispatchAuditor) *Dispatcher {
	return &Dispatcher{bus: b, correlate: c, registry: r, artifacts: artifacts, appName: appName, audit: audit}
}

func randSuffix() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// SubTaskID mints "wf_<execution_id>_<node_id>_<rand8>" per spec §4.4.
func SubTaskID(executionID, nodeID string) string {
	return fmt.Sprintf("wf_%s_%s_%s", executionID, nodeID, randSuffix())
}

// isTextOnlySchema reports the degenerate single-"text"-field schema spec
// §4.4 step 4 calls out for plain chat agents.
func isTextOnlySchema(schema map[string]any) bool {
	if schema == nil {
		return true
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return false
	}
	_, hasText := props["text"]
	return hasText && len(props) == 1
}

// Dispatch looks up the node's schemas, builds the request around the
// already-resolved input, registers correlation, and publishes it.
// Returns the minted sub-task id.
func (d *Dispatcher) Dispatch(ctx context.Context, wctx Context, node *model.Node, input map[string]any, timeout time.Duration) (string, error) {
	inputSchema, outputSchema := d.registry.Schemas(node.AgentName, node.InputSchemaOverride, node.OutputSchemaOverride)

	subTaskID := SubTaskID(wctx.ExecutionID, node.ID)

	dataPart := Part{Data: map[string]any{
		"type":          "workflow_node_request",
		"workflow_name": wctx.WorkflowName,
		"node_id":       node.ID,
	}}
	if inputSchema != nil {
		dataPart.Data["input_schema"] = inputSchema
	}
	if outputSchema != nil {
		dataPart.Data["output_schema"] = outputSchema
	}

	var inputPart Part
	if isTextOnlySchema(inputSchema) {
		text, _ := input["text"].(string)
		if text == "" {
			b, _ := json.Marshal(input)
			text = string(b)
		}
		inputPart = Part{Type: "text", Text: text}
	} else {
		filename := fmt.Sprintf("input_%s_%s.json", node.ID, subTaskID)
		ref, err := artifact.StoreJSON(ctx, d.artifacts, d.appName, wctx.UserID, wctx.SessionID, filename, input)
		if err != nil {
			return "", fmt.Errorf("%w: %v", werr.ErrDispatch, err)
		}
		inputPart = Part{Type: "file", File: ref.URI()}
	}

	reminderPart := Part{Type: "text", Text: resultEmbedReminder}

	req := Request{
		ID:     subTaskID,
		Method: "send",
		Params: Message{Message: MessageBody{
			Role:      "user",
			Parts:     []Part{dataPart, inputPart, reminderPart},
			TaskID:    subTaskID,
			ContextID: wctx.SessionID,
			Metadata: map[string]any{
				"replyTo":       d.bus.ResponseTopic(wctx.WorkflowName, subTaskID),
				"statusTopic":   d.bus.StatusTopic(wctx.WorkflowName, subTaskID),
				"userId":        wctx.UserID,
				"clientId":      wctx.ClientID,
				"a2aUserConfig": wctx.UserConfig,
			},
		}},
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", werr.ErrDispatch, err)
	}

	d.correlate.Register(subTaskID, wctx.ExecutionID, node.ID, timeout)

	if err := d.bus.Publish(ctx, d.bus.RequestTopic(node.AgentName), payload); err != nil {
		d.correlate.Resolve(subTaskID)
		return "", fmt.Errorf("%w: %v", werr.ErrDispatch, err)
	}

	if d.audit != nil {
		d.audit.RecordDispatch(wctx.ExecutionID, node.ID, subTaskID, node.AgentName)
	}

	return subTaskID, nil
}
