// Package state holds the per-workflow execution state described in
// spec §3, replacing the teacher's loose Redis-hash-of-strings model
// (cmd/workflow-runner/sdk) with explicit typed trackers per the
// re-architecture guidance in spec §9.
package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// CompletionKind tags how a node finished.
type CompletionKind string

const (
	CompletionArtifact CompletionKind = "artifact"
	CompletionSkipped  CompletionKind = "skipped"
	CompletionCancelled CompletionKind = "cancelled"
	CompletionControl  CompletionKind = "control"
)

// Completion is the sum type spec §9 asks for in place of string
// sentinels ("SKIPPED", "CANCELLED", artifact names) in completed_nodes.
type Completion struct {
	Kind CompletionKind

	// Kind == CompletionArtifact
	ArtifactName string

	// Kind == CompletionSkipped
	SkipReason string

	// Kind == CompletionControl
	Marker string // e.g. "conditional_evaluated", "loop_max_iterations"
}

func ArtifactCompletion(name string) Completion {
	return Completion{Kind: CompletionArtifact, ArtifactName: name}
}

func SkippedCompletion(reason string) Completion {
	return Completion{Kind: CompletionSkipped, SkipReason: reason}
}

func CancelledCompletion() Completion {
	return Completion{Kind: CompletionCancelled}
}

func ControlCompletion(marker string) Completion {
	return Completion{Kind: CompletionControl, Marker: marker}
}

// SatisfiesDependency reports whether this completion counts as "done" for
// a downstream depends_on / wait_for check — every kind does (spec §4.3,
// §4.6: skipped and cancelled both satisfy dependents).
func (Completion) SatisfiesDependency() bool { return true }

// NodeOutput is the unwrapped `{output: any}` value stored per node.
type NodeOutput struct {
	Output any `json:"output"`
}

// TrackerKind tags which typed tracker occupies an active_branches slot.
type TrackerKind string

const (
	TrackerFork TrackerKind = "fork"
	TrackerMap  TrackerKind = "map"
	TrackerLoop TrackerKind = "loop"
	TrackerJoin TrackerKind = "join"
)

// SubTaskState is the one-way lifecycle of a dispatched sub-task, per
// spec §9 ("promote ad-hoc idempotency dict-checks to explicit state").
type SubTaskState string

const (
	SubTaskDispatched SubTaskState = "dispatched"
	SubTaskCompleted  SubTaskState = "completed"
	SubTaskFailed     SubTaskState = "failed"
	SubTaskCancelled  SubTaskState = "cancelled"
)

// BranchEntry is one in-flight or resolved branch of a fork/map/loop.
type BranchEntry struct {
	BranchID  string
	SubTaskID string
	OutputKey string // fork only
	State     SubTaskState
	Result    any // parsed artifact content, once State == SubTaskCompleted
}

// ForkTracker tracks a fork node's parallel branches.
type ForkTracker struct {
	ForkID   string
	Branches []*BranchEntry
}

// MapTracker tracks a map node's bounded-concurrency iterations.
type MapTracker struct {
	MapID            string
	Items            []any
	Results          []any // index-aligned with Items; nil until filled
	PendingIndices   []int
	ActiveIndices    map[int]*BranchEntry
	CompletedCount   int
	ConcurrencyLimit int
	GroupID          string
	TargetNodeID     string
}

// LoopTracker tracks a loop node's do-while iterations.
type LoopTracker struct {
	LoopID     string
	Iteration  int
	Current    *BranchEntry // in-flight iteration, nil between iterations
	InnerID    string
}

// JoinTracker tracks a join node's ledger.
type JoinTracker struct {
	JoinID    string
	WaitFor   []string
	Completed map[string]bool
	Results   map[string]any
}

// Tracker is whichever typed tracker occupies an active_branches[node_id]
// slot. Exactly one of the pointer fields is non-nil.
type Tracker struct {
	Kind TrackerKind
	Fork *ForkTracker
	Map  *MapTracker
	Loop *LoopTracker
	Join *JoinTracker
}

// ErrorState records the first node failure, which is terminal for the
// workflow (spec §7: "Node failures are terminal").
type ErrorState struct {
	FailedNodeID  string    `json:"failed_node_id"`
	FailureReason string    `json:"failure_reason"`
	ErrorMessage  string    `json:"error_message"`
	Timestamp     time.Time `json:"timestamp"`
}

// Execution is the per-workflow execution state, one per in-flight
// workflow, keyed by execution id.
type Execution struct {
	mu sync.RWMutex

	WorkflowName    string
	ExecutionID     string
	StartTime       time.Time
	CompletedNodes  map[string]Completion
	PendingNodes    map[string]bool
	NodeOutputs     map[string]NodeOutput
	ActiveBranches  map[string]*Tracker
	LoopIterations  map[string]int
	ErrorState      *ErrorState
	Metadata        map[string]any
	Cancelled       bool
}

// New creates execution state with the mandatory workflow_input entry
// installed (spec §3: "node_outputs[\"workflow_input\"] = {output: the
// submit payload} is installed on creation").
func New(workflowName, executionID string, input any) *Execution {
	return &Execution{
		WorkflowName:   workflowName,
		ExecutionID:    executionID,
		StartTime:      time.Now(),
		CompletedNodes: map[string]Completion{},
		PendingNodes:   map[string]bool{},
		NodeOutputs: map[string]NodeOutput{
			"workflow_input": {Output: input},
		},
		ActiveBranches: map[string]*Tracker{},
		LoopIterations: map[string]int{},
		Metadata:       map[string]any{},
	}
}

// IsDone reports whether a node id is resolved one way or another
// (completed_nodes membership, including SKIPPED/CANCELLED markers).
func (e *Execution) IsDone(nodeID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.CompletedNodes[nodeID]
	return ok
}

// MarkComplete records a completion and clears pending state.
func (e *Execution) MarkComplete(nodeID string, c Completion) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CompletedNodes[nodeID] = c
	delete(e.PendingNodes, nodeID)
}

// MarkPending adds nodeID to the pending set.
func (e *Execution) MarkPending(nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.PendingNodes[nodeID] = true
}

// SetOutput stores a node's unwrapped output.
func (e *Execution) SetOutput(nodeID string, output any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NodeOutputs[nodeID] = NodeOutput{Output: output}
}

// Output fetches a node's output, reporting whether it is present.
func (e *Execution) Output(nodeID string) (NodeOutput, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.NodeOutputs[nodeID]
	return o, ok
}

// Fail sets the terminal error state exactly once; subsequent calls are
// no-ops so the *first* failure wins (spec §7).
func (e *Execution) Fail(nodeID, reason, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ErrorState != nil {
		return
	}
	e.ErrorState = &ErrorState{
		FailedNodeID:  nodeID,
		FailureReason: reason,
		ErrorMessage:  message,
		Timestamp:     time.Now(),
	}
}

// Failed reports whether the workflow has already failed.
func (e *Execution) Failed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ErrorState != nil
}

// Cancel sets the cooperative cancellation flag (spec §4.7).
func (e *Execution) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Cancelled = true
}

// IsCancelled reports the cooperative cancellation flag.
func (e *Execution) IsCancelled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Cancelled
}

// GetTracker fetches the active_branches tracker for a control node id.
func (e *Execution) GetTracker(nodeID string) (*Tracker, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.ActiveBranches[nodeID]
	return t, ok
}

// SetTracker installs a tracker for a control node id.
func (e *Execution) SetTracker(nodeID string, t *Tracker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ActiveBranches[nodeID] = t
}

// ClearTracker removes a control node's tracker once it finalizes.
func (e *Execution) ClearTracker(nodeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.ActiveBranches, nodeID)
}

// MarshalSnapshot renders a JSON snapshot of the execution's identity,
// node outputs, loop iterations and metadata. Completed/pending sets,
// trackers and error state are not included.
func (e *Execution) MarshalSnapshot() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	type snapshot struct {
		WorkflowName   string                `json:"workflow_name"`
		ExecutionID    string                `json:"execution_id"`
		StartTime      time.Time             `json:"start_time"`
		NodeOutputs    map[string]NodeOutput `json:"node_outputs"`
		LoopIterations map[string]int        `json:"loop_iterations"`
		Metadata       map[string]any        `json:"metadata"`
	}
	s := snapshot{
		WorkflowName:   e.WorkflowName,
		ExecutionID:    e.ExecutionID,
		StartTime:      e.StartTime,
		NodeOutputs:    e.NodeOutputs,
		LoopIterations: e.LoopIterations,
		Metadata:       e.Metadata,
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal execution snapshot: %w", err)
	}
	return b, nil
}
