package metrics_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arcflow/wfexec/internal/metrics"
)

func TestCounters_SnapshotReflectsIncrements(t *testing.T) {
	c := metrics.New()
	c.WorkflowStarted()
	c.WorkflowCompleted()
	c.NodeDispatched()
	c.NodeDispatched()
	c.NodeCompleted()
	c.NodeFailed()

	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.WorkflowsStarted)
	assert.Equal(t, int64(1), snap.WorkflowsCompleted)
	assert.Equal(t, int64(0), snap.WorkflowsFailed)
	assert.Equal(t, int64(2), snap.NodesDispatched)
	assert.Equal(t, int64(1), snap.NodesCompleted)
	assert.Equal(t, int64(1), snap.NodesFailed)
}

func TestCounters_ConcurrentIncrementsAreRace_Free(t *testing.T) {
	c := metrics.New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.NodeDispatched()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), c.Snapshot().NodesDispatched)
}
