// Package events publishes the side-channel progress events of spec §4.9
// (node_execution_start, node_execution_result, map_progress) over the
// bus, generalizing the teacher's EventPublisher.PublishWorkflowEvent
// (one Redis-pubsub channel per subject) to one channel per execution id.
// Dropping events must never change execution outcomes (spec §4.9):
// publish failures are logged, never returned as fatal.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/arcflow/wfexec/internal/bus"
	"github.com/arcflow/wfexec/internal/logging"
)

// Kind tags a progress event.
type Kind string

const (
	NodeExecutionStart  Kind = "node_execution_start"
	NodeExecutionResult Kind = "node_execution_result"
	MapProgress         Kind = "map_progress"
)

// Event is one structured progress event.
type Event struct {
	Kind          Kind      `json:"kind"`
	ExecutionID   string    `json:"execution_id"`
	NodeID        string    `json:"node_id,omitempty"`
	NodeType      string    `json:"node_type,omitempty"`
	AgentName     string    `json:"agent_name,omitempty"`
	SubTaskID     string    `json:"sub_task_id,omitempty"`
	ParentNodeID  string    `json:"parent_node_id,omitempty"`
	ParallelGroup string    `json:"parallel_group_id,omitempty"`
	Iteration     *int      `json:"iteration_index,omitempty"`
	Status        string    `json:"status,omitempty"`
	Total         int       `json:"total,omitempty"`
	Completed     int       `json:"completed,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher publishes Events to the bus. Never returns an error: spec
// §4.9 requires that a dropped event never changes execution outcomes.
type Publisher struct {
	bus *bus.Bus
	log *logging.Logger
}

func NewPublisher(b *bus.Bus, log *logging.Logger) *Publisher {
	return &Publisher{bus: b, log: log}
}

func (p *Publisher) Publish(ctx context.Context, ev Event) {
	ev.Timestamp = time.Now()
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error("marshal progress event", "error", err, "kind", ev.Kind)
		return
	}
	topic := p.bus.EventsTopic(ev.ExecutionID)
	if err := p.bus.Publish(ctx, topic, payload); err != nil {
		p.log.Error("publish progress event", "error", err, "kind", ev.Kind, "topic", topic)
	}
}
