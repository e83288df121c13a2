package werr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arcflow/wfexec/internal/werr"
)

func TestNode_UnwrapsToSentinel(t *testing.T) {
	err := werr.Node("node-a", werr.ErrResolve, "path not found")
	assert.True(t, errors.Is(err, werr.ErrResolve))
	assert.False(t, errors.Is(err, werr.ErrValidation))
}

func TestNode_ErrorMessageIncludesNodeAndMsg(t *testing.T) {
	err := werr.Node("node-a", werr.ErrResolve, "path not found")
	assert.Contains(t, err.Error(), "node-a")
	assert.Contains(t, err.Error(), "path not found")
}

func TestNode_WithoutMsgOmitsSeparator(t *testing.T) {
	err := werr.Node("node-a", werr.ErrValidation, "")
	assert.Equal(t, "node-a: "+werr.ErrValidation.Error(), err.Error())
}
