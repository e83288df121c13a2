package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arcflow/wfexec/internal/registry"
)

func TestSchemas_NodeOverrideWinsOverCard(t *testing.T) {
	r := registry.New()
	r.Ingest(registry.AgentCard{Name: "weather", InputSchema: map[string]any{"from": "card"}})

	in, _ := r.Schemas("weather", map[string]any{"from": "override"}, nil)
	assert.Equal(t, map[string]any{"from": "override"}, in)
}

func TestSchemas_FallsBackToCardWhenNoOverride(t *testing.T) {
	r := registry.New()
	r.Ingest(registry.AgentCard{Name: "weather", OutputSchema: map[string]any{"from": "card"}})

	_, out := r.Schemas("weather", nil, nil)
	assert.Equal(t, map[string]any{"from": "card"}, out)
}

func TestSchemas_UnknownAgentReturnsOverridesOnly(t *testing.T) {
	r := registry.New()
	in, out := r.Schemas("unknown", map[string]any{"a": 1}, nil)
	assert.Equal(t, map[string]any{"a": 1}, in)
	assert.Nil(t, out)
}

func TestIngest_ReplacesExistingCard(t *testing.T) {
	r := registry.New()
	r.Ingest(registry.AgentCard{Name: "weather", URL: "http://v1"})
	r.Ingest(registry.AgentCard{Name: "weather", URL: "http://v2"})

	card, ok := r.Get("weather")
	assert.True(t, ok)
	assert.Equal(t, "http://v2", card.URL)
}
