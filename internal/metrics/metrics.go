// Package metrics captures lightweight runtime counters for the
// executor, generalizing the teacher's one-shot system-info capture
// (common/metrics/system.go, used to stamp perf-test runs with
// hostname/container/CPU info) into always-on, concurrency-safe
// dispatch/completion counters, incremented by the engine and exposed on
// the HTTP surface's /metrics endpoint. Progress events do not carry them.
package metrics

import "sync/atomic"

// Counters tracks workflow and node lifecycle counts. Zero value is
// ready to use.
type Counters struct {
	workflowsStarted   atomic.Int64
	workflowsCompleted atomic.Int64
	workflowsFailed    atomic.Int64
	nodesDispatched    atomic.Int64
	nodesCompleted     atomic.Int64
	nodesFailed        atomic.Int64
}

func New() *Counters { return &Counters{} }

func (c *Counters) WorkflowStarted()   { c.workflowsStarted.Add(1) }
func (c *Counters) WorkflowCompleted() { c.workflowsCompleted.Add(1) }
func (c *Counters) WorkflowFailed()    { c.workflowsFailed.Add(1) }
func (c *Counters) NodeDispatched()    { c.nodesDispatched.Add(1) }
func (c *Counters) NodeCompleted()     { c.nodesCompleted.Add(1) }
func (c *Counters) NodeFailed()        { c.nodesFailed.Add(1) }

// Snapshot is a point-in-time copy suitable for JSON encoding.
type Snapshot struct {
	WorkflowsStarted   int64 `json:"workflows_started"`
	WorkflowsCompleted int64 `json:"workflows_completed"`
	WorkflowsFailed    int64 `json:"workflows_failed"`
	NodesDispatched    int64 `json:"nodes_dispatched"`
	NodesCompleted     int64 `json:"nodes_completed"`
	NodesFailed        int64 `json:"nodes_failed"`
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		WorkflowsStarted:   c.workflowsStarted.Load(),
		WorkflowsCompleted: c.workflowsCompleted.Load(),
		WorkflowsFailed:    c.workflowsFailed.Load(),
		NodesDispatched:    c.nodesDispatched.Load(),
		NodesCompleted:     c.nodesCompleted.Load(),
		NodesFailed:        c.nodesFailed.Load(),
	}
}
