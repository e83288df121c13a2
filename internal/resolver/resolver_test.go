package resolver_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcflow/wfexec/internal/resolver"
	"github.com/arcflow/wfexec/internal/state"
)

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestResolve_Literal(t *testing.T) {
	r := resolver.New()
	exec := state.New("wf", "exec-1", nil)

	got, err := r.Resolve(exec, rawJSON(t, "plain string"))
	require.NoError(t, err)
	assert.Equal(t, "plain string", got)
}

func TestResolve_WorkflowInputPath(t *testing.T) {
	r := resolver.New()
	exec := state.New("wf", "exec-1", map[string]any{"city": "Lisbon"})

	got, err := r.Resolve(exec, rawJSON(t, "{{workflow.input.city}}"))
	require.NoError(t, err)
	assert.Equal(t, "Lisbon", got)
}

func TestResolve_WorkflowParametersAliasesInput(t *testing.T) {
	r := resolver.New()
	exec := state.New("wf", "exec-1", map[string]any{"city": "Porto"})

	got, err := r.Resolve(exec, rawJSON(t, "{{workflow.parameters.city}}"))
	require.NoError(t, err)
	assert.Equal(t, "Porto", got)
}

func TestResolve_NodeOutputPath(t *testing.T) {
	r := resolver.New()
	exec := state.New("wf", "exec-1", nil)
	exec.SetOutput("fetch", map[string]any{"weather": map[string]any{"temp": 21}})

	got, err := r.Resolve(exec, rawJSON(t, "{{fetch.weather.temp}}"))
	require.NoError(t, err)
	assert.Equal(t, float64(21), got)
}

func TestResolve_UnresolvedPathIsError(t *testing.T) {
	r := resolver.New()
	exec := state.New("wf", "exec-1", nil)
	exec.SetOutput("fetch", map[string]any{"weather": map[string]any{}})

	_, err := r.Resolve(exec, rawJSON(t, "{{fetch.weather.temp}}"))
	assert.Error(t, err)
}

func TestResolve_ReservedMapAliases(t *testing.T) {
	r := resolver.New()
	exec := state.New("wf", "exec-1", nil)
	exec.SetOutput("_map_item", map[string]any{"id": "x-1"})
	exec.SetOutput("_map_index", 3)

	item, err := r.Resolve(exec, rawJSON(t, "{{item.id}}"))
	require.NoError(t, err)
	assert.Equal(t, "x-1", item)

	idx, err := r.Resolve(exec, rawJSON(t, "{{index}}"))
	require.NoError(t, err)
	assert.Equal(t, 3, idx)
}

func TestResolve_Coalesce_SkipsMissing(t *testing.T) {
	r := resolver.New()
	exec := state.New("wf", "exec-1", nil)
	exec.SetOutput("primary", nil)
	exec.SetOutput("fallback", "backup-value")

	expr := rawJSON(t, map[string]any{"coalesce": []any{"{{primary}}", "{{fallback}}"}})
	got, err := r.Resolve(exec, expr)
	require.NoError(t, err)
	assert.Equal(t, "backup-value", got)
}

func TestResolve_Concat(t *testing.T) {
	r := resolver.New()
	exec := state.New("wf", "exec-1", nil)
	exec.SetOutput("greeting", "hello")

	expr := rawJSON(t, map[string]any{"concat": []any{"{{greeting}}", " ", "world"}})
	got, err := r.Resolve(exec, expr)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)
}

func TestResolveMap_ResolvesEveryKey(t *testing.T) {
	r := resolver.New()
	exec := state.New("wf", "exec-1", map[string]any{"name": "Ada"})

	m := map[string]json.RawMessage{
		"greeting": rawJSON(t, "{{workflow.input.name}}"),
		"literal":  rawJSON(t, 42),
	}
	out, err := r.ResolveMap(exec, m)
	require.NoError(t, err)
	assert.Equal(t, "Ada", out["greeting"])
	assert.Equal(t, float64(42), out["literal"])
}
