package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractNodeResult_FindsDataPart(t *testing.T) {
	data, err := json.Marshal(map[string]any{
		"type": "workflow_node_result", "status": "success", "artifact_name": "out.json", "artifact_version": 2,
	})
	require.NoError(t, err)

	var resp InboundResponse
	resp.Result.Status.Message.Parts = []struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{{Type: "data", Data: data}}

	nr, err := ExtractNodeResult(&resp)
	require.NoError(t, err)
	assert.Equal(t, "success", nr.Status)
	assert.Equal(t, "out.json", nr.ArtifactName)
	assert.Equal(t, 2, nr.ArtifactVersion)
}

func TestExtractNodeResult_MissingDataPartIsProtocolFailure(t *testing.T) {
	var resp InboundResponse
	nr, err := ExtractNodeResult(&resp)
	require.NoError(t, err)
	assert.Equal(t, "failure", nr.Status)
	assert.NotEmpty(t, nr.ErrorMessage)
}
