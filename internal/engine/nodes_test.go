package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcflow/wfexec/internal/model"
	"github.com/arcflow/wfexec/internal/resolver"
	"github.com/arcflow/wfexec/internal/state"
)

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestResolveNodeInput_ExplicitInputWins(t *testing.T) {
	e := &Engine{resolver: resolver.New()}
	ec := &execCtx{state: state.New("wf", "exec-1", map[string]any{"ignored": true})}
	ec.state.SetOutput("a", map[string]any{"x": 1})

	n := &model.Node{ID: "b", DependsOn: []string{"a"}, Input: map[string]json.RawMessage{
		"literal": rawJSON(t, "explicit"),
	}}

	got, err := e.resolveNodeInput(ec, n)
	require.NoError(t, err)
	assert.Equal(t, "explicit", got["literal"])
}

func TestResolveNodeInput_ZeroDepsUsesWorkflowInput(t *testing.T) {
	e := &Engine{resolver: resolver.New()}
	ec := &execCtx{state: state.New("wf", "exec-1", map[string]any{"city": "Lisbon"})}

	n := &model.Node{ID: "a"}
	got, err := e.resolveNodeInput(ec, n)
	require.NoError(t, err)
	assert.Equal(t, "Lisbon", got["city"])
}

func TestResolveNodeInput_SingleDepUsesItsOutput(t *testing.T) {
	e := &Engine{resolver: resolver.New()}
	ec := &execCtx{state: state.New("wf", "exec-1", nil)}
	ec.state.SetOutput("fetch", map[string]any{"temp": 21})

	n := &model.Node{ID: "b", DependsOn: []string{"fetch"}}
	got, err := e.resolveNodeInput(ec, n)
	require.NoError(t, err)
	assert.Equal(t, 21, got["temp"])
}

func TestResolveNodeInput_MultipleDepsWithoutExplicitInputIsError(t *testing.T) {
	e := &Engine{resolver: resolver.New()}
	ec := &execCtx{state: state.New("wf", "exec-1", nil)}
	ec.state.SetOutput("a", map[string]any{})
	ec.state.SetOutput("b", map[string]any{})

	n := &model.Node{ID: "c", DependsOn: []string{"a", "b"}}
	_, err := e.resolveNodeInput(ec, n)
	assert.Error(t, err)
}

func TestExprLiteral_DecodesJSONStringTemplate(t *testing.T) {
	got, err := exprLiteral(rawJSON(t, "{{check.ready}}"))
	require.NoError(t, err)
	assert.Equal(t, "{{check.ready}}", got)
}
