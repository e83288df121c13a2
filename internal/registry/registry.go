// Package registry ingests agent-card announcements from the discovery
// topic and serves input/output schema lookups, replacing the teacher's
// ad-hoc global maps with an explicit injected service per spec §9
// ("Global mutable registries... become explicit services injected into
// the engine; tests substitute in-memory doubles").
package registry

import "sync"

// AgentCard mirrors the subset of model.AgentCard's fields the registry
// actually needs; the package does not import internal/model.
type AgentCard struct {
	Name         string
	InputSchema  map[string]any
	OutputSchema map[string]any
	URL          string
}

// Registry holds the latest card per agent name. A single writer
// (card-ingestion) and many concurrent readers is the expected usage
// (spec §3's ownership rule); readers take a consistent snapshot via Get.
type Registry struct {
	mu    sync.RWMutex
	cards map[string]AgentCard
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{cards: make(map[string]AgentCard)}
}

// Ingest records or replaces an agent's card.
func (r *Registry) Ingest(card AgentCard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cards[card.Name] = card
}

// Get returns a copy of the named agent's card, if known.
func (r *Registry) Get(name string) (AgentCard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cards[name]
	return c, ok
}

// Schemas resolves (input_schema, output_schema) with the precedence of
// spec §4.4: node override, then agent card, then none.
func (r *Registry) Schemas(agentName string, inputOverride, outputOverride map[string]any) (map[string]any, map[string]any) {
	in, out := inputOverride, outputOverride
	card, ok := r.Get(agentName)
	if !ok {
		return in, out
	}
	if in == nil {
		in = card.InputSchema
	}
	if out == nil {
		out = card.OutputSchema
	}
	return in, out
}
