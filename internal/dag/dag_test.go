package dag_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcflow/wfexec/internal/dag"
	"github.com/arcflow/wfexec/internal/model"
)

func node(id string, deps ...string) *model.Node {
	return &model.Node{ID: id, Type: model.NodeAgent, AgentName: "echo", DependsOn: deps}
}

func TestCompile_LinearChain(t *testing.T) {
	wf := &model.Workflow{Name: "wf", Nodes: []*model.Node{
		node("a"),
		node("b", "a"),
		node("c", "b"),
	}}

	g, err := dag.Compile(wf)
	require.NoError(t, err)
	assert.Len(t, g.EntryNodes(), 1)
	assert.Equal(t, "a", g.EntryNodes()[0].ID)
	assert.ElementsMatch(t, []string{"b"}, g.Dependents["a"])
}

func TestCompile_DuplicateNodeID(t *testing.T) {
	wf := &model.Workflow{Name: "wf", Nodes: []*model.Node{node("a"), node("a")}}
	_, err := dag.Compile(wf)
	assert.Error(t, err)
}

func TestCompile_CycleDetected(t *testing.T) {
	a := node("a", "c")
	b := node("b", "a")
	c := node("c", "b")
	wf := &model.Workflow{Name: "wf", Nodes: []*model.Node{a, b, c}}
	_, err := dag.Compile(wf)
	assert.Error(t, err)
}

func TestCompile_UnknownDependencyRejected(t *testing.T) {
	// "orphan" depends on a node id that is never declared.
	wf := &model.Workflow{Name: "wf", Nodes: []*model.Node{
		node("a"),
		{ID: "orphan", Type: model.NodeAgent, AgentName: "echo", DependsOn: []string{"missing-never-declared"}},
	}}
	// Reference validation rejects the unknown dependency.
	_, err := dag.Compile(wf)
	assert.Error(t, err)
}

func TestCompile_LoopInnerNodeExcludedFromReadiness(t *testing.T) {
	inner := node("inner")
	loop := &model.Node{
		ID: "loop1", Type: model.NodeLoop, LoopNode: "inner",
		MaxIterations: 5, LoopCondition: rawBool(true),
	}
	wf := &model.Workflow{Name: "wf", Nodes: []*model.Node{loop, inner}}

	g, err := dag.Compile(wf)
	require.NoError(t, err)
	assert.True(t, g.Inner["inner"])
	assert.True(t, g.Nodes["inner"].Inner)
	// The loop's inner node never shows up as a graph entry node on its own.
	for _, n := range g.EntryNodes() {
		assert.NotEqual(t, "inner", n.ID)
	}
}

func TestCompile_MapInnerNodeExcludedFromReadiness(t *testing.T) {
	inner := node("inner")
	mapNode := &model.Node{
		ID: "map1", Type: model.NodeMap, MapNode: "inner",
		Items: rawBool(true), MaxItems: 10,
	}
	wf := &model.Workflow{Name: "wf", Nodes: []*model.Node{mapNode, inner}}

	g, err := dag.Compile(wf)
	require.NoError(t, err)
	assert.True(t, g.Inner["inner"])
	assert.True(t, g.Nodes["inner"].Inner)
	// The map's inner node never shows up as a graph entry node on its own.
	for _, n := range g.EntryNodes() {
		assert.NotEqual(t, "inner", n.ID)
	}
}

func TestCompile_MapNodeFieldDecodesFromSpecShapedJSON(t *testing.T) {
	raw := []byte(`{"id":"map1","type":"map","node":"inner","items":"{{workflow.input.list}}"}`)
	var n model.Node
	require.NoError(t, json.Unmarshal(raw, &n))
	assert.Equal(t, "inner", n.MapNode, `a spec-shaped map node's "node" key must populate MapNode`)
}

func TestCompile_JoinNOfMRequiresValidN(t *testing.T) {
	a, b := node("a"), node("b")
	join := &model.Node{ID: "j", Type: model.NodeJoin, WaitFor: []string{"a", "b"}, Strategy: model.JoinNOfM, N: 0}
	wf := &model.Workflow{Name: "wf", Nodes: []*model.Node{a, b, join}}
	_, err := dag.Compile(wf)
	assert.Error(t, err)
}

func rawBool(b bool) json.RawMessage {
	out, _ := json.Marshal(b)
	return out
}
