// Package model holds the workflow definition and DAG node types shared
// across the resolver, condition evaluator, control handlers and engine.
package model

import "encoding/json"

// NodeType identifies which tagged-union variant a Node carries.
type NodeType string

const (
	NodeAgent       NodeType = "agent"
	NodeConditional NodeType = "conditional"
	NodeSwitch      NodeType = "switch"
	NodeJoin        NodeType = "join"
	NodeLoop        NodeType = "loop"
	NodeFork        NodeType = "fork"
	NodeMap         NodeType = "map"
)

// JoinStrategy is the completion rule for a join node.
type JoinStrategy string

const (
	JoinAll  JoinStrategy = "all"
	JoinAny  JoinStrategy = "any"
	JoinNOfM JoinStrategy = "n_of_m"
)

// ValueExpr is a literal, `{{path}}` template string, or operator object
// (`coalesce`/`concat`). It is left as raw JSON; the resolver interprets it.
type ValueExpr = json.RawMessage

// Workflow is the immutable definition of a prescriptive workflow, as
// received on the workflow's request topic and never persisted.
type Workflow struct {
	Name         string                `json:"name"`
	Description  string                `json:"description"`
	InputSchema  map[string]any        `json:"input_schema,omitempty"`
	OutputSchema map[string]any        `json:"output_schema,omitempty"`
	Nodes        []*Node               `json:"nodes"`
	OutputMapping map[string]ValueExpr `json:"output_mapping"`
	Skills       []string              `json:"skills,omitempty"`
}

// Node is the tagged union described in spec §3. Only the fields relevant
// to Type are populated; the rest are left zero.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`

	// agent
	DependsOn           []string          `json:"depends_on,omitempty"`
	AgentName           string            `json:"agent_name,omitempty"`
	Input               map[string]ValueExpr `json:"input,omitempty"`
	InputSchemaOverride  map[string]any   `json:"input_schema_override,omitempty"`
	OutputSchemaOverride map[string]any   `json:"output_schema_override,omitempty"`
	When                 ValueExpr        `json:"when,omitempty"`

	// conditional
	Condition   ValueExpr `json:"condition,omitempty"`
	TrueBranch  string    `json:"true_branch,omitempty"`
	FalseBranch string    `json:"false_branch,omitempty"`

	// switch
	Cases   []SwitchCase `json:"cases,omitempty"`
	Default string       `json:"default,omitempty"`

	// join
	WaitFor  []string     `json:"wait_for,omitempty"`
	Strategy JoinStrategy `json:"strategy,omitempty"`
	N        int          `json:"n,omitempty"`

	// loop
	LoopNode      string    `json:"node,omitempty"`
	LoopCondition ValueExpr `json:"loop_condition,omitempty"`
	MaxIterations int       `json:"max_iterations,omitempty"`
	Delay         string    `json:"delay,omitempty"`

	// fork
	Branches []ForkBranch `json:"branches,omitempty"`

	// map
	MapNode          string    `json:"node,omitempty"`
	Items            ValueExpr `json:"items,omitempty"`
	ConcurrencyLimit int       `json:"concurrency_limit,omitempty"`
	MaxItems         int       `json:"max_items,omitempty"`

	// computed at compile time, not part of the wire schema
	Inner bool `json:"-"`
}

// UnmarshalJSON decodes a node, routing the "node" key shared by loop and
// map nodes to LoopNode or MapNode according to Type.
func (n *Node) UnmarshalJSON(b []byte) error {
	type plain Node
	var aux struct {
		plain
		Target string `json:"node"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*n = Node(aux.plain)
	switch n.Type {
	case NodeLoop:
		n.LoopNode = aux.Target
	case NodeMap:
		n.MapNode = aux.Target
	}
	return nil
}

// SwitchCase is one arm of a switch node.
type SwitchCase struct {
	Condition ValueExpr `json:"condition"`
	Node      string    `json:"node"`
}

// ForkBranch is one parallel branch of a fork node.
type ForkBranch struct {
	ID        string               `json:"id"`
	AgentName string               `json:"agent_name"`
	Input     map[string]ValueExpr `json:"input,omitempty"`
	OutputKey string               `json:"output_key"`
}

// AgentCard is the announcement a persona agent publishes on the discovery
// topic. The executor only reads input/output schema precedence from it.
type AgentCard struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	Skills       []string       `json:"skills,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
	URL          string         `json:"url"`
}
