package condition_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcflow/wfexec/internal/condition"
	"github.com/arcflow/wfexec/internal/resolver"
	"github.com/arcflow/wfexec/internal/state"
)

func newEvaluator(t *testing.T) (*condition.Evaluator, *state.Execution) {
	t.Helper()
	r := resolver.New()
	ev, err := condition.New(r)
	require.NoError(t, err)
	return ev, state.New("wf", "exec-1", nil)
}

func TestEvaluate_NumericComparison(t *testing.T) {
	ev, exec := newEvaluator(t)
	exec.SetOutput("check_temp", map[string]any{"temperature": 30})

	ok, err := ev.Evaluate(exec, "{{check_temp.temperature}} > 25")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_StringEquality(t *testing.T) {
	ev, exec := newEvaluator(t)
	exec.SetOutput("classify", map[string]any{"label": "urgent"})

	ok, err := ev.Evaluate(exec, `{{classify.label}} == "urgent"`)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluate_NonBooleanResultIsError(t *testing.T) {
	ev, exec := newEvaluator(t)
	exec.SetOutput("classify", map[string]any{"label": "urgent"})

	_, err := ev.Evaluate(exec, "{{classify.label}}")
	assert.Error(t, err)
}

func TestEvaluate_StrayIdentifierRejectedAtCompile(t *testing.T) {
	ev, exec := newEvaluator(t)

	// No {{...}} template here, so "some_free_variable" reaches CEL
	// compilation unsubstituted and must fail: the zero-variable
	// environment has no identifier for it to bind to.
	_, err := ev.Evaluate(exec, "some_free_variable == 1")
	assert.Error(t, err)
}

func TestEvaluate_UnresolvablePathPropagatesError(t *testing.T) {
	ev, exec := newEvaluator(t)
	exec.SetOutput("classify", map[string]any{})

	_, err := ev.Evaluate(exec, "{{classify.missing}} == 1")
	assert.Error(t, err)
}
