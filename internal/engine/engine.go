// Package engine drives a workflow's DAG to completion: ready-node
// selection, agent dispatch, response routing, control-node handling and
// finalization (spec §2, §4.3-§4.8). Grounded on the teacher's
// coordinator.Coordinator (cmd/workflow-runner/coordinator/coordinator.go)
// — the engine loop, handleCompletion, routeToNextNodes, handleAbsorberNode
// — generalized from Redis-stream tokens and a bare counter to the typed
// execution state and tagged-union control nodes of spec §3-§9.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/arcflow/wfexec/internal/artifact"
	"github.com/arcflow/wfexec/internal/bus"
	"github.com/arcflow/wfexec/internal/condition"
	"github.com/arcflow/wfexec/internal/config"
	"github.com/arcflow/wfexec/internal/control"
	"github.com/arcflow/wfexec/internal/correlate"
	"github.com/arcflow/wfexec/internal/dag"
	"github.com/arcflow/wfexec/internal/dispatch"
	"github.com/arcflow/wfexec/internal/events"
	"github.com/arcflow/wfexec/internal/history"
	"github.com/arcflow/wfexec/internal/logging"
	"github.com/arcflow/wfexec/internal/metrics"
	"github.com/arcflow/wfexec/internal/model"
	"github.com/arcflow/wfexec/internal/registry"
	"github.com/arcflow/wfexec/internal/resolver"
	"github.com/arcflow/wfexec/internal/state"
	"github.com/arcflow/wfexec/internal/werr"
	"github.com/google/uuid"
)

// execCtx bundles a workflow's compiled graph, its execution state, and
// the A2A routing context it was submitted with. Writers: the submit
// handler and the finalizer. Readers: the response router and the timer
// sweep (spec §5: "active_workflows map: protected by a mutex").
type execCtx struct {
	graph *dag.Graph
	state *state.Execution
	a2a   A2AContext
	mu    sync.Mutex // serializes advance() per execution, per spec §5
}

// Engine owns the active-workflow map and every collaborator needed to
// drive executions: bus transport, resolver, condition evaluator,
// correlation registry, dispatcher, agent registry, artifact service and
// event publisher (spec §9: these are injected services, not globals).
type Engine struct {
	bus        *bus.Bus
	resolver   *resolver.Resolver
	evaluator  *condition.Evaluator
	correlate  *correlate.Registry
	dispatcher *dispatch.Dispatcher
	registry   *registry.Registry
	artifacts  artifact.Service
	eventsPub  *events.Publisher
	cfg        config.WorkflowConfig
	log        *logging.Logger
	appName    string
	metrics    *metrics.Counters
	audit      *logging.DispatchAuditor
	hist       *history.Store // optional run-history sink; nil disables recording

	mu     sync.RWMutex
	active map[string]*execCtx // keyed by execution id
}

// Metrics exposes the engine's runtime counters, e.g. for the HTTP
// surface's /metrics endpoint.
func (e *Engine) Metrics() *metrics.Counters { return e.metrics }

// New builds an Engine from its collaborators.
func New(
	b *bus.Bus,
	artifacts artifact.Service,
	agentRegistry *registry.Registry,
	cfg config.WorkflowConfig,
	log *logging.Logger,
	appName string,
	hist *history.Store,
) *Engine {
	r := resolver.New()
	ev, _ := condition.New(r) // zero-variable CEL env construction cannot fail
	cr := correlate.New()
	audit := logging.NewDispatchAuditor(os.Stdout)
	return &Engine{
		bus:        b,
		resolver:   r,
		evaluator:  ev,
		correlate:  cr,
		dispatcher: dispatch.New(b, cr, agentRegistry, artifacts, appName, audit),
		registry:   agentRegistry,
		artifacts:  artifacts,
		eventsPub:  events.NewPublisher(b, log),
		cfg:        cfg,
		log:        log,
		appName:    appName,
		metrics:    metrics.New(),
		audit:      audit,
		hist:       hist,
		active:     make(map[string]*execCtx),
	}
}

// HandleSubmit compiles the workflow, creates its execution state,
// registers it in the active map, and drives the engine loop until the
// first suspension (spec §2 data-flow: "a submit arrives... engine
// creates workflow state and context → ready-node selector loops").
func (e *Engine) HandleSubmit(ctx context.Context, sub Submit) error {
	var nodes []*model.Node
	if err := json.Unmarshal(sub.Nodes, &nodes); err != nil {
		return fmt.Errorf("%w: decode nodes: %v", werr.ErrValidation, err)
	}
	var outputMapping map[string]json.RawMessage
	if len(sub.OutputMapping) > 0 {
		if err := json.Unmarshal(sub.OutputMapping, &outputMapping); err != nil {
			return fmt.Errorf("%w: decode output_mapping: %v", werr.ErrValidation, err)
		}
	}
	wf := &model.Workflow{Name: sub.WorkflowName, Nodes: nodes, OutputMapping: outputMapping}

	graph, err := dag.Compile(wf)
	if err != nil {
		return err
	}

	executionID := sub.A2A.LogicalTaskID
	if executionID == "" {
		executionID = uuid.NewString()
	}

	var input any
	if len(sub.Input) > 0 {
		if err := json.Unmarshal(sub.Input, &input); err != nil {
			return fmt.Errorf("%w: decode input: %v", werr.ErrValidation, err)
		}
	}

	ec := &execCtx{
		graph: graph,
		state: state.New(sub.WorkflowName, executionID, input),
		a2a:   sub.A2A,
	}

	e.mu.Lock()
	e.active[executionID] = ec
	e.mu.Unlock()

	e.log.Info("workflow submitted", "execution_id", executionID, "workflow_name", sub.WorkflowName)
	e.metrics.WorkflowStarted()
	e.advance(ctx, ec)
	return nil
}

// HandleResponse routes an inbound response to its owning execution via
// the correlation registry (spec §4.6).
func (e *Engine) HandleResponse(ctx context.Context, subTaskID string, resp InboundResponse) {
	entry, ok := e.correlate.Resolve(subTaskID)
	if !ok {
		e.log.Warn("response for unknown or already-resolved sub-task dropped", "sub_task_id", subTaskID)
		return
	}

	e.mu.RLock()
	ec, ok := e.active[entry.ExecutionID]
	e.mu.RUnlock()
	if !ok {
		// Context already finalized/removed; duplicate or late delivery.
		return
	}

	ec.mu.Lock()
	defer ec.mu.Unlock()

	if ec.state.Failed() || ec.state.IsCancelled() {
		return
	}

	result, err := ExtractNodeResult(&resp)
	if err != nil {
		e.failWorkflow(ctx, ec, entry.NodeID, "protocol_error", err.Error())
		return
	}

	e.audit.RecordCompletion(entry.ExecutionID, entry.NodeID, subTaskID, result.Status, time.Since(entry.DispatchedAt).Milliseconds())
	e.routeCompletion(ctx, ec, entry.NodeID, subTaskID, result)
	e.advanceLocked(ctx, ec)
}

// SweepTimeouts synthesizes a failure result for every sub-task whose
// deadline has passed (spec §4.7).
func (e *Engine) SweepTimeouts(ctx context.Context) {
	for _, entry := range e.correlate.Expired(time.Now()) {
		e.mu.RLock()
		ec, ok := e.active[entry.ExecutionID]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		ec.mu.Lock()
		if !ec.state.Failed() {
			result := NodeResult{Status: "failure", ErrorMessage: fmt.Sprintf(
				"Persona agent timed out after %d seconds", int(e.cfg.DefaultNodeTimeout.Seconds()))}
			e.audit.RecordCompletion(entry.ExecutionID, entry.NodeID, entry.SubTaskID, result.Status, time.Since(entry.DispatchedAt).Milliseconds())
			e.routeCompletion(ctx, ec, entry.NodeID, entry.SubTaskID, result)
			e.advanceLocked(ctx, ec)
		}
		ec.mu.Unlock()
	}
}

// SweepWorkflowTimeouts cancels every execution whose wall-clock age has
// exceeded MaxWorkflowExecutionTime, cooperatively per spec §4.7: marks
// the execution cancelled, drops its outstanding sub-task correlations,
// and finalizes it as failed.
func (e *Engine) SweepWorkflowTimeouts(ctx context.Context) {
	now := time.Now()
	e.mu.RLock()
	var expired []*execCtx
	for _, ec := range e.active {
		if now.Sub(ec.state.StartTime) > e.cfg.MaxWorkflowExecutionTime {
			expired = append(expired, ec)
		}
	}
	e.mu.RUnlock()

	for _, ec := range expired {
		ec.mu.Lock()
		if !ec.state.Failed() && !ec.state.IsCancelled() {
			ec.state.Cancel()
			e.correlate.CancelExecution(ec.state.ExecutionID)
			e.log.Warn("workflow cancelled: exceeded max execution time",
				"execution_id", ec.state.ExecutionID, "max_execution_time", e.cfg.MaxWorkflowExecutionTime)
			e.failWorkflow(ctx, ec, "", "workflow_timeout",
				fmt.Sprintf("workflow exceeded max execution time of %s", e.cfg.MaxWorkflowExecutionTime))
		}
		ec.mu.Unlock()
	}
}

// routeCompletion applies one resolved sub-task outcome to execution
// state: branch-tracker path for fork/map/loop, standalone path
// otherwise (spec §4.6).
func (e *Engine) routeCompletion(ctx context.Context, ec *execCtx, nodeID, subTaskID string, result NodeResult) {
	parentID, isBranch := e.findOwningTracker(ec, subTaskID)
	if isBranch {
		e.completeBranch(ctx, ec, parentID, subTaskID, result)
		return
	}

	e.eventsPub.Publish(ctx, events.Event{
		Kind: events.NodeExecutionResult, ExecutionID: ec.state.ExecutionID,
		NodeID: nodeID, Status: result.Status,
	})

	if result.Status != "success" {
		e.metrics.NodeFailed()
		e.failWorkflow(ctx, ec, nodeID, "agent_failure", result.ErrorMessage)
		return
	}

	output, err := e.loadResultArtifact(ctx, ec, result)
	if err != nil {
		e.metrics.NodeFailed()
		e.failWorkflow(ctx, ec, nodeID, "artifact_load_error", err.Error())
		return
	}
	ec.state.SetOutput(nodeID, output)
	ec.state.MarkComplete(nodeID, state.ArtifactCompletion(result.ArtifactName))
	e.metrics.NodeCompleted()
	if e.hist != nil {
		e.hist.RecordProgress(ctx, ec.state.ExecutionID)
	}
}

// findOwningTracker reports whether subTaskID belongs to an in-flight
// fork/map/loop branch, and if so, which control node owns it.
func (e *Engine) findOwningTracker(ec *execCtx, subTaskID string) (nodeID string, ok bool) {
	for id, t := range ec.state.ActiveBranches {
		switch t.Kind {
		case state.TrackerFork:
			for _, b := range t.Fork.Branches {
				if b.SubTaskID == subTaskID {
					return id, true
				}
			}
		case state.TrackerMap:
			for _, b := range t.Map.ActiveIndices {
				if b.SubTaskID == subTaskID {
					return id, true
				}
			}
		case state.TrackerLoop:
			if t.Loop.Current != nil && t.Loop.Current.SubTaskID == subTaskID {
				return id, true
			}
		}
	}
	return "", false
}

func (e *Engine) loadResultArtifact(ctx context.Context, ec *execCtx, result NodeResult) (any, error) {
	ref := artifact.Ref{
		AppName: e.appName, UserID: ec.a2a.UserID, SessionID: ec.a2a.SessionID,
		Filename: result.ArtifactName, Version: result.ArtifactVersion,
	}
	return artifact.LoadJSON(ctx, e.artifacts, ref)
}

// failWorkflow records the terminal error state and finalizes as failed.
// It is a no-op if the workflow already failed (spec §7: first failure
// wins).
func (e *Engine) failWorkflow(ctx context.Context, ec *execCtx, nodeID, reason, message string) {
	if ec.state.Failed() {
		return
	}
	ec.state.Fail(nodeID, reason, message)
	e.log.Error("workflow failed", "execution_id", ec.state.ExecutionID, "node_id", nodeID, "reason", reason, "message", message)
	e.finalize(ctx, ec)
}

// advance acquires the per-execution lock and calls advanceLocked.
func (e *Engine) advance(ctx context.Context, ec *execCtx) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	e.advanceLocked(ctx, ec)
}

// advanceLocked repeatedly picks ready nodes and executes them inline
// (control nodes, loop/fork/map launch) or dispatches them (agent nodes)
// until no more progress can be made without an external response, then
// checks for finalization. Must be called with ec.mu held.
func (e *Engine) advanceLocked(ctx context.Context, ec *execCtx) {
	if ec.state.Failed() {
		return
	}
	for {
		progressed := false
		for _, n := range e.readyNodes(ec) {
			e.executeNode(ctx, ec, n)
			progressed = true
			if ec.state.Failed() {
				return
			}
		}
		e.reevaluateJoins(ctx, ec)
		if !progressed {
			break
		}
	}
	e.maybeFinalize(ctx, ec)
}

// readyNodes implements spec §4.3: not inner, not completed, not
// pending, every depends_on satisfied.
func (e *Engine) readyNodes(ec *execCtx) []*model.Node {
	var ready []*model.Node
	for id, n := range ec.graph.Nodes {
		if ec.graph.Inner[id] {
			continue
		}
		if ec.state.IsDone(id) || ec.state.PendingNodes[id] {
			continue
		}
		allDepsComplete := true
		for _, d := range n.DependsOn {
			if !ec.state.IsDone(d) {
				allDepsComplete = false
				break
			}
		}
		if allDepsComplete {
			ready = append(ready, n)
		}
	}
	// Deterministic order keeps duplicate-delivery/ordering tests stable.
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

// reevaluateJoins re-checks every pending join node, since join readiness
// can be satisfied by a completion recorded elsewhere in this same pass
// (spec §4.5: "Joins are re-evaluated every time a new node enters
// completed_nodes").
func (e *Engine) reevaluateJoins(ctx context.Context, ec *execCtx) {
	for id, n := range ec.graph.Nodes {
		if n.Type != model.NodeJoin || ec.state.IsDone(id) {
			continue
		}
		t, ok := ec.state.GetTracker(id)
		if !ok || t.Kind != state.TrackerJoin {
			continue
		}
		for _, w := range n.WaitFor {
			if ec.state.IsDone(w) && !t.Join.Completed[w] {
				t.Join.Completed[w] = true
				if out, ok := ec.state.Output(w); ok {
					t.Join.Results[w] = out.Output
				}
			}
		}
		if ready, toCancel := control.JoinReady(n, t.Join); ready {
			for _, c := range toCancel {
				ec.state.MarkComplete(c, state.CancelledCompletion())
			}
			control.FinalizeJoin(ec.state, n, t.Join)
			e.eventsPub.Publish(ctx, events.Event{Kind: events.NodeExecutionResult, ExecutionID: ec.state.ExecutionID, NodeID: id, Status: "success"})
		}
	}
}

func (e *Engine) maybeFinalize(ctx context.Context, ec *execCtx) {
	if ec.state.Failed() {
		e.finalize(ctx, ec)
		return
	}
	for id, n := range ec.graph.Nodes {
		if ec.graph.Inner[id] {
			continue
		}
		if !ec.state.IsDone(id) {
			return
		}
		_ = n
	}
	e.finalize(ctx, ec)
}
