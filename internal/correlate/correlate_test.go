package correlate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/arcflow/wfexec/internal/correlate"
)

func TestRegister_Resolve_IsIdempotent(t *testing.T) {
	r := correlate.New()
	r.Register("sub-1", "exec-1", "node-a", time.Minute)

	entry, ok := r.Resolve("sub-1")
	assert.True(t, ok)
	assert.Equal(t, "exec-1", entry.ExecutionID)
	assert.Equal(t, "node-a", entry.NodeID)

	_, ok = r.Resolve("sub-1")
	assert.False(t, ok, "second resolve of the same sub-task must be dropped")
}

func TestExpired_ReturnsAndRemovesPastDeadlineEntries(t *testing.T) {
	r := correlate.New()
	r.Register("sub-1", "exec-1", "node-a", -time.Second) // already expired
	r.Register("sub-2", "exec-1", "node-b", time.Hour)    // not yet

	expired := r.Expired(time.Now())
	assert.Len(t, expired, 1)
	assert.Equal(t, "sub-1", expired[0].SubTaskID)

	// Already removed, so the same sweep never fires twice.
	assert.Empty(t, r.Expired(time.Now()))

	_, ok := r.Peek("sub-2")
	assert.True(t, ok)
}

func TestCancelExecution_RemovesOnlyThatExecutionsEntries(t *testing.T) {
	r := correlate.New()
	r.Register("sub-1", "exec-1", "node-a", time.Minute)
	r.Register("sub-2", "exec-2", "node-b", time.Minute)

	r.CancelExecution("exec-1")

	_, ok := r.Peek("sub-1")
	assert.False(t, ok)
	_, ok = r.Peek("sub-2")
	assert.True(t, ok)
}
