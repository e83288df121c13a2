package control_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcflow/wfexec/internal/condition"
	"github.com/arcflow/wfexec/internal/control"
	"github.com/arcflow/wfexec/internal/dag"
	"github.com/arcflow/wfexec/internal/model"
	"github.com/arcflow/wfexec/internal/resolver"
	"github.com/arcflow/wfexec/internal/state"
)

func rawString(t *testing.T, s string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(s)
	require.NoError(t, err)
	return b
}

func newEvaluator(t *testing.T) *condition.Evaluator {
	t.Helper()
	ev, err := condition.New(resolver.New())
	require.NoError(t, err)
	return ev
}

func TestEvalConditional_SkipsUntakenBranch(t *testing.T) {
	onTrue := &model.Node{ID: "on_true", Type: model.NodeAgent, DependsOn: []string{"cond"}}
	onFalse := &model.Node{ID: "on_false", Type: model.NodeAgent, DependsOn: []string{"cond"}}
	cond := &model.Node{
		ID: "cond", Type: model.NodeConditional,
		Condition: rawString(t, "{{check.ok}} == true"),
		TrueBranch: "on_true", FalseBranch: "on_false",
	}
	wf := &model.Workflow{Name: "wf", Nodes: []*model.Node{cond, onTrue, onFalse}}
	g, err := dag.Compile(wf)
	require.NoError(t, err)

	exec := state.New("wf", "exec-1", nil)
	exec.SetOutput("check", map[string]any{"ok": true})

	ev := newEvaluator(t)
	require.NoError(t, control.EvalConditional(g, exec, ev, cond))

	assert.True(t, exec.IsDone("on_false"))
	assert.False(t, exec.IsDone("on_true"))
	out, _ := exec.Output("cond")
	assert.Equal(t, true, out.Output.(map[string]any)["condition_result"])
}

func TestEvalSwitch_NoMatchFallsBackToDefault(t *testing.T) {
	a := &model.Node{ID: "a", Type: model.NodeAgent, DependsOn: []string{"sw"}}
	b := &model.Node{ID: "b", Type: model.NodeAgent, DependsOn: []string{"sw"}}
	sw := &model.Node{
		ID: "sw", Type: model.NodeSwitch,
		Cases: []model.SwitchCase{
			{Condition: rawString(t, "{{check.label}} == \"urgent\""), Node: "a"},
		},
		Default: "b",
	}
	wf := &model.Workflow{Name: "wf", Nodes: []*model.Node{sw, a, b}}
	g, err := dag.Compile(wf)
	require.NoError(t, err)

	exec := state.New("wf", "exec-1", nil)
	exec.SetOutput("check", map[string]any{"label": "normal"})

	ev := newEvaluator(t)
	require.NoError(t, control.EvalSwitch(g, exec, ev, sw))

	assert.True(t, exec.IsDone("a")) // skipped
	assert.False(t, exec.IsDone("b"))
	out, _ := exec.Output("sw")
	assert.Equal(t, "b", out.Output.(map[string]any)["selected_branch"])
}

func TestJoinReady_AllStrategyRequiresEveryWaitFor(t *testing.T) {
	n := &model.Node{ID: "j", Strategy: model.JoinAll, WaitFor: []string{"a", "b"}}
	j := &state.JoinTracker{Completed: map[string]bool{"a": true}}

	ready, _ := control.JoinReady(n, j)
	assert.False(t, ready)

	j.Completed["b"] = true
	ready, toCancel := control.JoinReady(n, j)
	assert.True(t, ready)
	assert.Empty(t, toCancel)
}

func TestJoinReady_AnyStrategyCancelsRemaining(t *testing.T) {
	n := &model.Node{ID: "j", Strategy: model.JoinAny, WaitFor: []string{"a", "b", "c"}}
	j := &state.JoinTracker{Completed: map[string]bool{"a": true}}

	ready, toCancel := control.JoinReady(n, j)
	assert.True(t, ready)
	assert.ElementsMatch(t, []string{"b", "c"}, toCancel)
}
