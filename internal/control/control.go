// Package control implements the synchronous control-node handlers of
// spec §4.5 that never dispatch to an agent themselves: conditional,
// switch, and join. (Loop, fork and map dispatch agent nodes and so live
// in internal/engine, which owns the dispatcher.) Grounded on the
// teacher's operators.BranchOperator/LoopOperator
// (cmd/workflow-runner/operators/control_flow.go), generalized to the
// richer node union and typed trackers of spec §9.
package control

import (
	"encoding/json"
	"fmt"

	"github.com/arcflow/wfexec/internal/condition"
	"github.com/arcflow/wfexec/internal/dag"
	"github.com/arcflow/wfexec/internal/model"
	"github.com/arcflow/wfexec/internal/state"
	"github.com/arcflow/wfexec/internal/werr"
)

// SkipBranch recursively marks nodeID and its descendants skipped, but
// only once every dependency of a descendant is itself skipped (spec
// §4.3: "a node with any non-skipped upstream still runs"). Re-applying
// to an already-skipped node is a no-op (spec §8).
func SkipBranch(g *dag.Graph, exec *state.Execution, nodeID, reason string) {
	if exec.IsDone(nodeID) {
		return
	}
	exec.MarkComplete(nodeID, state.SkippedCompletion(reason))

	for _, depID := range g.Dependents[nodeID] {
		if exec.IsDone(depID) {
			continue
		}
		dep := g.Nodes[depID]
		if allDepsSkipped(g, exec, dep) {
			SkipBranch(g, exec, depID, reason)
		}
	}
}

func allDepsSkipped(g *dag.Graph, exec *state.Execution, n *model.Node) bool {
	for _, d := range n.DependsOn {
		c, ok := exec.CompletedNodes[d]
		if !ok || c.Kind != state.CompletionSkipped {
			return false
		}
	}
	return true
}

// EvalConditional evaluates a conditional node per spec §4.5: marks
// itself complete, stores {condition_result, condition}, and recursively
// skips the untaken branch.
func EvalConditional(g *dag.Graph, exec *state.Execution, ev *condition.Evaluator, n *model.Node) error {
	expr, err := exprString(n.Condition)
	if err != nil {
		return werr.Node(n.ID, werr.ErrResolve, "invalid condition")
	}
	result, err := ev.Evaluate(exec, expr)
	if err != nil {
		return werr.Node(n.ID, werr.ErrResolve, err.Error())
	}

	exec.SetOutput(n.ID, map[string]any{"condition_result": result, "condition": expr})
	exec.MarkComplete(n.ID, state.ControlCompletion("conditional_evaluated"))

	skipped := n.FalseBranch
	if !result {
		skipped = n.TrueBranch
	}
	if skipped != "" {
		SkipBranch(g, exec, skipped, "conditional_not_taken")
	}
	return nil
}

// EvalSwitch evaluates a switch node per spec §4.5.
func EvalSwitch(g *dag.Graph, exec *state.Execution, ev *condition.Evaluator, n *model.Node) error {
	selected := -1
	for i, c := range n.Cases {
		expr, err := exprString(c.Condition)
		if err != nil {
			return werr.Node(n.ID, werr.ErrResolve, "invalid case condition")
		}
		ok, err := ev.Evaluate(exec, expr)
		if err != nil {
			return werr.Node(n.ID, werr.ErrResolve, err.Error())
		}
		if ok {
			selected = i
			break
		}
	}

	var selectedNode string
	if selected >= 0 {
		selectedNode = n.Cases[selected].Node
	} else if n.Default != "" {
		selectedNode = n.Default
	} else {
		return werr.Node(n.ID, werr.ErrValidation, "no case matched and no default")
	}

	exec.SetOutput(n.ID, map[string]any{"selected_branch": selectedNode, "selected_case_index": selected})
	exec.MarkComplete(n.ID, state.ControlCompletion("switch_evaluated"))

	for i, c := range n.Cases {
		if i != selected {
			SkipBranch(g, exec, c.Node, "switch_not_selected")
		}
	}
	if selected >= 0 && n.Default != "" {
		SkipBranch(g, exec, n.Default, "switch_not_selected")
	}
	return nil
}

// JoinReady reports whether j's ledger satisfies its strategy, and which
// wait_for targets should be cancelled (only for strategy=any, per spec
// §4.5: "remaining not-yet-completed wait targets are marked CANCELLED").
func JoinReady(n *model.Node, j *state.JoinTracker) (ready bool, toCancel []string) {
	switch n.Strategy {
	case model.JoinAll:
		ready = len(j.Completed) == len(n.WaitFor)
	case model.JoinAny:
		ready = len(j.Completed) >= 1
	case model.JoinNOfM:
		ready = len(j.Completed) >= n.N
	}
	if ready && n.Strategy == model.JoinAny {
		for _, w := range n.WaitFor {
			if !j.Completed[w] {
				toCancel = append(toCancel, w)
			}
		}
	}
	return ready, toCancel
}

// FinalizeJoin marks a ready join complete with its ledger as output.
func FinalizeJoin(exec *state.Execution, n *model.Node, j *state.JoinTracker) {
	exec.SetOutput(n.ID, map[string]any{
		"completed_nodes": mapKeys(j.Completed),
		"results":         j.Results,
		"strategy":        n.Strategy,
	})
	exec.MarkComplete(n.ID, state.ControlCompletion("join_ready"))
	exec.ClearTracker(n.ID)
}

func mapKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// exprString unmarshals a condition ValueExpr, which is always a JSON
// string literal containing the `{{path}} op {{path}}`-style expression
// text (spec §4.1: conditions go through a separate restricted evaluator).
func exprString(raw []byte) (string, error) {
	if raw == nil {
		return "", fmt.Errorf("empty condition")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}
