package state_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arcflow/wfexec/internal/state"
)

func TestNew_InstallsWorkflowInput(t *testing.T) {
	exec := state.New("wf", "exec-1", map[string]any{"city": "Lisbon"})

	out, ok := exec.Output("workflow_input")
	assert.True(t, ok)
	assert.Equal(t, map[string]any{"city": "Lisbon"}, out.Output)
}

func TestMarkComplete_ClearsPending(t *testing.T) {
	exec := state.New("wf", "exec-1", nil)
	exec.MarkPending("a")
	assert.True(t, exec.PendingNodes["a"])

	exec.MarkComplete("a", state.ArtifactCompletion("result.json"))
	assert.False(t, exec.PendingNodes["a"])
	assert.True(t, exec.IsDone("a"))
}

func TestFail_FirstFailureWins(t *testing.T) {
	exec := state.New("wf", "exec-1", nil)
	exec.Fail("node-a", "agent_failure", "boom")
	exec.Fail("node-b", "agent_failure", "second failure ignored")

	assert.True(t, exec.Failed())
	assert.Equal(t, "node-a", exec.ErrorState.FailedNodeID)
	assert.Equal(t, "boom", exec.ErrorState.ErrorMessage)
}

func TestTracker_SetGetClear(t *testing.T) {
	exec := state.New("wf", "exec-1", nil)
	tr := &state.Tracker{Kind: state.TrackerJoin, Join: &state.JoinTracker{
		JoinID: "join-1", WaitFor: []string{"a", "b"}, Completed: map[string]bool{}, Results: map[string]any{},
	}}
	exec.SetTracker("join-1", tr)

	got, ok := exec.GetTracker("join-1")
	assert.True(t, ok)
	assert.Equal(t, state.TrackerJoin, got.Kind)

	exec.ClearTracker("join-1")
	_, ok = exec.GetTracker("join-1")
	assert.False(t, ok)
}

func TestCompletion_AlwaysSatisfiesDependency(t *testing.T) {
	assert.True(t, state.SkippedCompletion("skipped_by_when").SatisfiesDependency())
	assert.True(t, state.CancelledCompletion().SatisfiesDependency())
	assert.True(t, state.ArtifactCompletion("x.json").SatisfiesDependency())
	assert.True(t, state.ControlCompletion("loop_max_iterations").SatisfiesDependency())
}

func TestMarshalSnapshot_RoundTripsNodeOutputs(t *testing.T) {
	exec := state.New("wf", "exec-1", map[string]any{"a": 1})
	exec.SetOutput("fetch", map[string]any{"ok": true})

	b, err := exec.MarshalSnapshot()
	assert.NoError(t, err)
	assert.Contains(t, string(b), `"execution_id":"exec-1"`)
	assert.Contains(t, string(b), `"fetch"`)
}
