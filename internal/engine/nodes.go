package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/arcflow/wfexec/internal/artifact"
	"github.com/arcflow/wfexec/internal/control"
	"github.com/arcflow/wfexec/internal/dispatch"
	"github.com/arcflow/wfexec/internal/events"
	"github.com/arcflow/wfexec/internal/model"
	"github.com/arcflow/wfexec/internal/state"
)

// executeNode runs one ready node: control nodes (conditional/switch)
// resolve synchronously inline; join initializes its ledger; loop/fork/map
// launch their first wave of agent dispatches; agent nodes are resolved
// and dispatched (spec §4.4-§4.5).
func (e *Engine) executeNode(ctx context.Context, ec *execCtx, n *model.Node) {
	switch n.Type {
	case model.NodeConditional:
		if err := control.EvalConditional(ec.graph, ec.state, e.evaluator, n); err != nil {
			e.failWorkflow(ctx, ec, n.ID, "condition_error", err.Error())
		}
	case model.NodeSwitch:
		if err := control.EvalSwitch(ec.graph, ec.state, e.evaluator, n); err != nil {
			e.failWorkflow(ctx, ec, n.ID, "condition_error", err.Error())
		}
	case model.NodeJoin:
		e.initJoin(ec, n)
	case model.NodeLoop:
		e.runLoopIteration(ctx, ec, n)
	case model.NodeFork:
		e.launchFork(ctx, ec, n)
	case model.NodeMap:
		e.launchMap(ctx, ec, n)
	case model.NodeAgent:
		e.dispatchAgentNode(ctx, ec, n)
	}
}

func (e *Engine) initJoin(ec *execCtx, n *model.Node) {
	if _, ok := ec.state.GetTracker(n.ID); ok {
		return
	}
	ec.state.SetTracker(n.ID, &state.Tracker{
		Kind: state.TrackerJoin,
		Join: &state.JoinTracker{JoinID: n.ID, WaitFor: n.WaitFor, Completed: map[string]bool{}, Results: map[string]any{}},
	})
	ec.state.MarkPending(n.ID)
}

// dispatchAgentNode implements spec §4.4: evaluate `when`, resolve
// input, dispatch, track pending.
func (e *Engine) dispatchAgentNode(ctx context.Context, ec *execCtx, n *model.Node) {
	if len(n.When) > 0 {
		expr, err := exprLiteral(n.When)
		if err == nil {
			ok, cerr := e.evaluator.Evaluate(ec.state, expr)
			if cerr != nil {
				e.failWorkflow(ctx, ec, n.ID, "when_error", cerr.Error())
				return
			}
			if !ok {
				ec.state.MarkComplete(n.ID, state.SkippedCompletion("skipped_by_when"))
				e.eventsPub.Publish(ctx, events.Event{Kind: events.NodeExecutionResult, ExecutionID: ec.state.ExecutionID, NodeID: n.ID, Status: "skipped"})
				return
			}
		}
	}

	input, err := e.resolveNodeInput(ec, n)
	if err != nil {
		e.failWorkflow(ctx, ec, n.ID, "resolve_error", err.Error())
		return
	}

	subTaskID, err := e.dispatcher.Dispatch(ctx, dispatch.Context{
		ExecutionID: ec.state.ExecutionID, WorkflowName: ec.state.WorkflowName, SessionID: ec.a2a.SessionID,
		UserID: ec.a2a.UserID, ClientID: ec.a2a.ClientID,
	}, n, input, e.cfg.DefaultNodeTimeout)
	if err != nil {
		e.failWorkflow(ctx, ec, n.ID, "dispatch_error", err.Error())
		return
	}

	ec.state.MarkPending(n.ID)
	e.metrics.NodeDispatched()
	e.eventsPub.Publish(ctx, events.Event{
		Kind: events.NodeExecutionStart, ExecutionID: ec.state.ExecutionID,
		NodeID: n.ID, NodeType: string(n.Type), AgentName: n.AgentName, SubTaskID: subTaskID,
	})
}

// resolveNodeInput implements the explicit/implicit input rule of spec
// §4.4 step 2.
func (e *Engine) resolveNodeInput(ec *execCtx, n *model.Node) (map[string]any, error) {
	if n.Input != nil {
		return e.resolver.ResolveMap(ec.state, n.Input)
	}
	switch len(n.DependsOn) {
	case 0:
		out, _ := ec.state.Output("workflow_input")
		if m, ok := out.Output.(map[string]any); ok {
			return m, nil
		}
		return map[string]any{"value": out.Output}, nil
	case 1:
		out, _ := ec.state.Output(n.DependsOn[0])
		if m, ok := out.Output.(map[string]any); ok {
			return m, nil
		}
		return map[string]any{"value": out.Output}, nil
	default:
		return nil, fmt.Errorf("node %s has multiple dependencies and no explicit input (ambiguous implicit input)", n.ID)
	}
}

func exprLiteral(raw []byte) (string, error) {
	var s string
	err := json.Unmarshal(raw, &s)
	return s, err
}

// --- Fork ---------------------------------------------------------------

func (e *Engine) launchFork(ctx context.Context, ec *execCtx, n *model.Node) {
	groupID := fmt.Sprintf("fork_%s_%d", n.ID, time.Now().UnixNano())
	tracker := &state.ForkTracker{ForkID: n.ID}

	for i, branch := range n.Branches {
		input, err := e.resolver.ResolveMap(ec.state, branch.Input)
		if err != nil {
			e.failWorkflow(ctx, ec, n.ID, "resolve_error", err.Error())
			return
		}
		branchNode := &model.Node{ID: branch.ID, Type: model.NodeAgent, AgentName: branch.AgentName}
		subTaskID, err := e.dispatcher.Dispatch(ctx, dispatch.Context{
			ExecutionID: ec.state.ExecutionID, WorkflowName: ec.state.WorkflowName, SessionID: ec.a2a.SessionID, UserID: ec.a2a.UserID, ClientID: ec.a2a.ClientID,
		}, branchNode, input, e.cfg.DefaultNodeTimeout)
		if err != nil {
			e.failWorkflow(ctx, ec, n.ID, "dispatch_error", err.Error())
			return
		}
		tracker.Branches = append(tracker.Branches, &state.BranchEntry{
			BranchID: branch.ID, SubTaskID: subTaskID, OutputKey: branch.OutputKey, State: state.SubTaskDispatched,
		})
		e.metrics.NodeDispatched()
		iter := i
		e.eventsPub.Publish(ctx, events.Event{
			Kind: events.NodeExecutionStart, ExecutionID: ec.state.ExecutionID, NodeID: branch.ID,
			ParentNodeID: n.ID, ParallelGroup: groupID, Iteration: &iter, SubTaskID: subTaskID,
		})
	}

	ec.state.SetTracker(n.ID, &state.Tracker{Kind: state.TrackerFork, Fork: tracker})
	ec.state.MarkPending(n.ID)
}

func (e *Engine) finalizeForkIfReady(ctx context.Context, ec *execCtx, n *model.Node, t *state.ForkTracker) {
	for _, b := range t.Branches {
		if b.State == state.SubTaskDispatched {
			return
		}
	}
	merged := make(map[string]any, len(t.Branches))
	for _, b := range t.Branches {
		merged[b.OutputKey] = b.Result
	}
	ref, err := artifact.StoreJSON(ctx, e.artifacts, e.appName, ec.a2a.UserID, ec.a2a.SessionID,
		fmt.Sprintf("fork_%s_merged.json", n.ID), merged)
	if err != nil {
		e.failWorkflow(ctx, ec, n.ID, "artifact_store_error", err.Error())
		return
	}
	ec.state.SetOutput(n.ID, merged)
	ec.state.MarkComplete(n.ID, state.ArtifactCompletion(ref.Filename))
	ec.state.ClearTracker(n.ID)
	e.eventsPub.Publish(ctx, events.Event{Kind: events.NodeExecutionResult, ExecutionID: ec.state.ExecutionID, NodeID: n.ID, Status: "success"})
}

// --- Map ------------------------------------------------------------------

func (e *Engine) launchMap(ctx context.Context, ec *execCtx, n *model.Node) {
	itemsVal, err := e.resolver.Resolve(ec.state, n.Items)
	if err != nil {
		e.failWorkflow(ctx, ec, n.ID, "resolve_error", err.Error())
		return
	}
	var items []any
	switch v := itemsVal.(type) {
	case nil:
		items = nil
	case []any:
		items = v
	default:
		e.failWorkflow(ctx, ec, n.ID, "validation_error", "map items did not resolve to a list")
		return
	}

	maxItems := n.MaxItems
	if maxItems == 0 {
		maxItems = e.cfg.DefaultMaxMapItems
	}
	if len(items) > maxItems {
		e.failWorkflow(ctx, ec, n.ID, "validation_error", fmt.Sprintf("map items exceeds max_items (%d)", maxItems))
		return
	}

	if len(items) == 0 {
		ec.state.SetOutput(n.ID, map[string]any{"results": []any{}})
		ec.state.MarkComplete(n.ID, state.ControlCompletion("map_empty"))
		return
	}

	pending := make([]int, len(items))
	for i := range items {
		pending[i] = i
	}
	tracker := &state.MapTracker{
		MapID: n.ID, Items: items, Results: make([]any, len(items)),
		PendingIndices: pending, ActiveIndices: map[int]*state.BranchEntry{},
		ConcurrencyLimit: n.ConcurrencyLimit, TargetNodeID: n.MapNode,
		GroupID: fmt.Sprintf("map_%s_%d", n.ID, time.Now().UnixNano()),
	}
	ec.state.SetTracker(n.ID, &state.Tracker{Kind: state.TrackerMap, Map: tracker})
	ec.state.MarkPending(n.ID)
	e.mapLaunchLoop(ctx, ec, n, tracker)
}

// mapLaunchLoop implements the bounded-concurrency launch loop of spec
// §4.5: dispatch the smallest pending index while under the concurrency
// limit, preserving index order for the final results list.
func (e *Engine) mapLaunchLoop(ctx context.Context, ec *execCtx, n *model.Node, t *state.MapTracker) {
	sort.Ints(t.PendingIndices)
	for len(t.PendingIndices) > 0 {
		if t.ConcurrencyLimit > 0 && len(t.ActiveIndices) >= t.ConcurrencyLimit {
			return
		}
		idx := t.PendingIndices[0]
		t.PendingIndices = t.PendingIndices[1:]

		innerNode := *ec.graph.Nodes[t.TargetNodeID]
		innerNode.ID = fmt.Sprintf("%s_%d", n.ID, idx)

		ec.state.SetOutput("_map_item", t.Items[idx])
		ec.state.SetOutput("_map_index", idx)

		input, err := e.resolveNodeInputForClone(ec, &innerNode)
		if err != nil {
			e.failWorkflow(ctx, ec, n.ID, "resolve_error", err.Error())
			return
		}
		subTaskID, err := e.dispatcher.Dispatch(ctx, dispatch.Context{
			ExecutionID: ec.state.ExecutionID, WorkflowName: ec.state.WorkflowName, SessionID: ec.a2a.SessionID, UserID: ec.a2a.UserID, ClientID: ec.a2a.ClientID,
		}, &innerNode, input, e.cfg.DefaultNodeTimeout)
		if err != nil {
			e.failWorkflow(ctx, ec, n.ID, "dispatch_error", err.Error())
			return
		}
		t.ActiveIndices[idx] = &state.BranchEntry{BranchID: innerNode.ID, SubTaskID: subTaskID, State: state.SubTaskDispatched}
		e.metrics.NodeDispatched()
		iter := idx
		e.eventsPub.Publish(ctx, events.Event{
			Kind: events.NodeExecutionStart, ExecutionID: ec.state.ExecutionID, NodeID: innerNode.ID,
			ParentNodeID: n.ID, ParallelGroup: t.GroupID, Iteration: &iter, SubTaskID: subTaskID,
		})
	}
}

// resolveNodeInputForClone resolves input for a loop/map inner-node
// clone. Inner nodes typically reference `{{item}}`/`{{index}}`/
// `{{iteration}}` explicitly; falling back to the same implicit rule as
// a regular node keeps depends_on-based inner nodes working too.
func (e *Engine) resolveNodeInputForClone(ec *execCtx, n *model.Node) (map[string]any, error) {
	return e.resolveNodeInput(ec, n)
}

func (e *Engine) finalizeMapIfReady(ctx context.Context, ec *execCtx, n *model.Node, t *state.MapTracker) {
	if t.CompletedCount < len(t.Items) {
		return
	}
	ref, err := artifact.StoreJSON(ctx, e.artifacts, e.appName, ec.a2a.UserID, ec.a2a.SessionID,
		fmt.Sprintf("map_%s_results.json", n.ID), map[string]any{"results": t.Results})
	if err != nil {
		e.failWorkflow(ctx, ec, n.ID, "artifact_store_error", err.Error())
		return
	}
	ec.state.SetOutput(n.ID, map[string]any{"results": t.Results})
	ec.state.MarkComplete(n.ID, state.ArtifactCompletion(ref.Filename))
	ec.state.ClearTracker(n.ID)
	e.eventsPub.Publish(ctx, events.Event{Kind: events.NodeExecutionResult, ExecutionID: ec.state.ExecutionID, NodeID: n.ID, Status: "success"})
}

// --- Loop -------------------------------------------------------------

func (e *Engine) runLoopIteration(ctx context.Context, ec *execCtx, n *model.Node) {
	t, ok := ec.state.GetTracker(n.ID)
	if !ok {
		t = &state.Tracker{Kind: state.TrackerLoop, Loop: &state.LoopTracker{LoopID: n.ID, InnerID: n.LoopNode}}
		ec.state.SetTracker(n.ID, t)
		ec.state.MarkPending(n.ID)
	}
	lt := t.Loop

	maxIter := n.MaxIterations
	if maxIter == 0 {
		maxIter = e.cfg.DefaultMaxLoopIterations
	}
	if lt.Iteration >= maxIter {
		e.finishLoop(ctx, ec, n, lt, "loop_max_iterations")
		return
	}

	if lt.Iteration > 0 && len(n.LoopCondition) > 0 {
		expr, err := exprLiteral(n.LoopCondition)
		if err == nil {
			ok, cerr := e.evaluator.Evaluate(ec.state, expr)
			if cerr != nil {
				e.failWorkflow(ctx, ec, n.ID, "condition_error", cerr.Error())
				return
			}
			if !ok {
				e.finishLoop(ctx, ec, n, lt, "loop_condition_false")
				return
			}
		}
	}

	innerNode := *ec.graph.Nodes[n.LoopNode]
	childID := fmt.Sprintf("%s_iter_%d", n.ID, lt.Iteration)
	innerNode.ID = childID

	ec.state.SetOutput("_loop_iteration", lt.Iteration)

	input, err := e.resolveNodeInputForClone(ec, &innerNode)
	if err != nil {
		e.failWorkflow(ctx, ec, n.ID, "resolve_error", err.Error())
		return
	}
	subTaskID, err := e.dispatcher.Dispatch(ctx, dispatch.Context{
		ExecutionID: ec.state.ExecutionID, WorkflowName: ec.state.WorkflowName, SessionID: ec.a2a.SessionID, UserID: ec.a2a.UserID, ClientID: ec.a2a.ClientID,
	}, &innerNode, input, e.cfg.DefaultNodeTimeout)
	if err != nil {
		e.failWorkflow(ctx, ec, n.ID, "dispatch_error", err.Error())
		return
	}

	lt.Current = &state.BranchEntry{BranchID: childID, SubTaskID: subTaskID, State: state.SubTaskDispatched}
	e.metrics.NodeDispatched()
	iter := lt.Iteration
	e.eventsPub.Publish(ctx, events.Event{
		Kind: events.NodeExecutionStart, ExecutionID: ec.state.ExecutionID, NodeID: childID,
		ParentNodeID: n.ID, Iteration: &iter, SubTaskID: subTaskID,
	})
}

func (e *Engine) finishLoop(ctx context.Context, ec *execCtx, n *model.Node, lt *state.LoopTracker, reason string) {
	ec.state.SetOutput(n.ID, map[string]any{"iterations_completed": lt.Iteration, "stopped_reason": reason})
	ec.state.MarkComplete(n.ID, state.ControlCompletion(reason))
	ec.state.ClearTracker(n.ID)
	e.eventsPub.Publish(ctx, events.Event{Kind: events.NodeExecutionResult, ExecutionID: ec.state.ExecutionID, NodeID: n.ID, Status: "success"})
}

// --- Branch completion (fork/map/loop) ----------------------------------

// completeBranch applies a resolved sub-task result to whichever
// fork/map/loop owns it, per spec §4.6. Duplicate fork/loop deliveries are
// dropped by checking the branch entry's state (spec §9: one-way sub-task
// state); a completed map index is removed from ActiveIndices, so a
// duplicate for it matches no entry and is ignored.
func (e *Engine) completeBranch(ctx context.Context, ec *execCtx, controlNodeID, subTaskID string, result NodeResult) {
	t, ok := ec.state.GetTracker(controlNodeID)
	if !ok {
		return
	}
	n := ec.graph.Nodes[controlNodeID]

	switch t.Kind {
	case state.TrackerFork:
		for _, b := range t.Fork.Branches {
			if b.SubTaskID != subTaskID {
				continue
			}
			if b.State != state.SubTaskDispatched {
				e.log.Warn("duplicate fork branch delivery dropped", "node_id", controlNodeID, "sub_task_id", subTaskID)
				return
			}
			if result.Status != "success" {
				b.State = state.SubTaskFailed
				e.metrics.NodeFailed()
				e.failWorkflow(ctx, ec, controlNodeID, "agent_failure", result.ErrorMessage)
				return
			}
			out, err := e.loadResultArtifact(ctx, ec, result)
			if err != nil {
				e.metrics.NodeFailed()
				e.failWorkflow(ctx, ec, controlNodeID, "artifact_load_error", err.Error())
				return
			}
			b.Result = out
			b.State = state.SubTaskCompleted
			e.metrics.NodeCompleted()
			e.finalizeForkIfReady(ctx, ec, n, t.Fork)
			return
		}

	case state.TrackerMap:
		for idx, b := range t.Map.ActiveIndices {
			if b.SubTaskID != subTaskID {
				continue
			}
			if b.State != state.SubTaskDispatched {
				e.log.Warn("duplicate map branch delivery dropped", "node_id", controlNodeID, "sub_task_id", subTaskID)
				return
			}
			if result.Status != "success" {
				b.State = state.SubTaskFailed
				e.metrics.NodeFailed()
				e.failWorkflow(ctx, ec, controlNodeID, "agent_failure", result.ErrorMessage)
				return
			}
			out, err := e.loadResultArtifact(ctx, ec, result)
			if err != nil {
				e.metrics.NodeFailed()
				e.failWorkflow(ctx, ec, controlNodeID, "artifact_load_error", err.Error())
				return
			}
			b.State = state.SubTaskCompleted
			t.Map.Results[idx] = out
			delete(t.Map.ActiveIndices, idx)
			t.Map.CompletedCount++
			e.metrics.NodeCompleted()
			e.eventsPub.Publish(ctx, events.Event{
				Kind: events.MapProgress, ExecutionID: ec.state.ExecutionID, NodeID: controlNodeID,
				Total: len(t.Map.Items), Completed: t.Map.CompletedCount, Status: "in_progress",
			})
			e.mapLaunchLoop(ctx, ec, n, t.Map)
			e.finalizeMapIfReady(ctx, ec, n, t.Map)
			return
		}

	case state.TrackerLoop:
		if t.Loop.Current == nil || t.Loop.Current.SubTaskID != subTaskID {
			return
		}
		if t.Loop.Current.State != state.SubTaskDispatched {
			e.log.Warn("duplicate loop iteration delivery dropped", "node_id", controlNodeID, "sub_task_id", subTaskID)
			return
		}
		if result.Status != "success" {
			t.Loop.Current.State = state.SubTaskFailed
			e.metrics.NodeFailed()
			e.failWorkflow(ctx, ec, controlNodeID, "agent_failure", result.ErrorMessage)
			return
		}
		out, err := e.loadResultArtifact(ctx, ec, result)
		if err != nil {
			e.metrics.NodeFailed()
			e.failWorkflow(ctx, ec, controlNodeID, "artifact_load_error", err.Error())
			return
		}
		t.Loop.Current.State = state.SubTaskCompleted
		e.metrics.NodeCompleted()
		// Store under the inner node's original id (spec §4.5 & §9 open
		// question: overwrites previous iterations' values by design).
		ec.state.SetOutput(t.Loop.InnerID, out)
		t.Loop.Current = nil
		t.Loop.Iteration++
		e.runLoopIteration(ctx, ec, n)
	}
}
