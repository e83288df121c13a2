// Package resolver implements the `{{path}}` template/value resolution
// engine of spec §4.1, generalizing the teacher's `$nodes.`-prefixed
// resolver (cmd/workflow-runner/resolver) to the richer grammar: template
// strings, literals, and the `coalesce`/`concat` operator objects, plus
// the reserved map/loop aliases.
package resolver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/arcflow/wfexec/internal/state"
	"github.com/arcflow/wfexec/internal/werr"
	"github.com/tidwall/gjson"
)

// isTemplate, per spec §4.1 and §9 ("implement a small parser that
// returns either a literal or a path; reject anything else at validation
// time"), is checked structurally rather than by a loose regex: a value
// is a template iff, after trimming, it starts with "{{" and ends with
// "}}" with no other occurrence of either delimiter.
func isTemplate(s string) (path string, ok bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
		return "", false
	}
	inner := strings.TrimSpace(s[2 : len(s)-2])
	if inner == "" || strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return inner, true
}

var aliasPrefixes = []struct {
	alias  string
	target string
}{
	{"item", "_map_item"},
	{"index", "_map_index"},
	{"iteration", "_loop_iteration"},
}

// applyAlias rewrites the reserved aliases to their underlying path, per
// spec §4.1.
func applyAlias(path string) string {
	switch path {
	case "item":
		return "_map_item"
	case "index":
		return "_map_index"
	case "iteration":
		return "_loop_iteration"
	}
	for _, a := range aliasPrefixes {
		if strings.HasPrefix(path, a.alias+".") {
			return a.target + strings.TrimPrefix(path, a.alias)
		}
	}
	if strings.HasPrefix(path, "workflow.parameters.") {
		return "workflow.input." + strings.TrimPrefix(path, "workflow.parameters.")
	}
	return path
}

var reservedVars = map[string]bool{
	"_map_item":       true,
	"_map_index":      true,
	"_loop_iteration": true,
}

// Resolver resolves value expressions against an execution's state.
type Resolver struct{}

// New builds a Resolver. It is stateless; execution state is passed per
// call so one Resolver can serve every concurrent workflow.
func New() *Resolver { return &Resolver{} }

// ResolveMap resolves every value in a node's `input` map.
func (r *Resolver) ResolveMap(exec *state.Execution, m map[string]json.RawMessage) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		resolved, err := r.Resolve(exec, v)
		if err != nil {
			return nil, fmt.Errorf("resolve input %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

// Resolve resolves a single value expression: a literal, a `{{path}}`
// template string, or a `coalesce`/`concat` operator object.
func (r *Resolver) Resolve(exec *state.Execution, expr json.RawMessage) (any, error) {
	var raw any
	if err := json.Unmarshal(expr, &raw); err != nil {
		return nil, fmt.Errorf("%w: invalid value expression: %v", werr.ErrResolve, err)
	}
	return r.resolveValue(exec, raw)
}

func (r *Resolver) resolveValue(exec *state.Execution, value any) (any, error) {
	switch v := value.(type) {
	case string:
		if path, ok := isTemplate(v); ok {
			return r.resolvePath(exec, applyAlias(path))
		}
		return v, nil
	case map[string]any:
		return r.resolveOperatorOrMap(exec, v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.resolveValue(exec, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// resolveOperatorOrMap distinguishes the `coalesce`/`concat` operator
// objects (exactly one reserved key) from an ordinary object whose values
// should each be recursively resolved.
func (r *Resolver) resolveOperatorOrMap(exec *state.Execution, m map[string]any) (any, error) {
	if len(m) == 1 {
		if exprs, ok := m["coalesce"]; ok {
			return r.resolveCoalesce(exec, exprs)
		}
		if exprs, ok := m["concat"]; ok {
			return r.resolveConcat(exec, exprs)
		}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		resolved, err := r.resolveValue(exec, v)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func (r *Resolver) resolveCoalesce(exec *state.Execution, exprs any) (any, error) {
	list, ok := exprs.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: coalesce requires a list", werr.ErrResolve)
	}
	for _, e := range list {
		v, err := r.resolveValue(exec, e)
		if err != nil {
			// coalesce swallows missing paths (they surface as nil via
			// resolvePath's lenient branch); real resolver errors for
			// required nodes still propagate.
			return nil, err
		}
		if v != nil {
			return v, nil
		}
	}
	return nil, nil
}

func (r *Resolver) resolveConcat(exec *state.Execution, exprs any) (any, error) {
	list, ok := exprs.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: concat requires a list", werr.ErrResolve)
	}
	var sb strings.Builder
	for _, e := range list {
		v, err := r.resolveValue(exec, e)
		if err != nil {
			return nil, err
		}
		sb.WriteString(stringify(v))
	}
	return sb.String(), nil
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// resolvePath resolves a non-aliased dotted path per spec §4.1.
func (r *Resolver) resolvePath(exec *state.Execution, path string) (any, error) {
	if rest, ok := strings.CutPrefix(path, "workflow.input."); ok {
		return gjsonLookup(exec, "workflow_input", rest, true), nil
	}
	if path == "workflow.input" {
		out, _ := exec.Output("workflow_input")
		return out.Output, nil
	}

	segs := strings.SplitN(path, ".", 2)
	nodeID := segs[0]
	rest := ""
	if len(segs) == 2 {
		rest = segs[1]
	}

	_, present := exec.Output(nodeID)
	if !present {
		if reservedVars[nodeID] {
			return nil, nil
		}
		return nil, nil
	}

	if reservedVars[nodeID] {
		return gjsonLookup(exec, nodeID, rest, true), nil
	}

	if rest == "" {
		out, _ := exec.Output(nodeID)
		return out.Output, nil
	}

	val, found := gjsonLookupChecked(exec, nodeID, rest)
	if !found {
		return nil, fmt.Errorf("%w: path %q not found under node %q", werr.ErrResolve, rest, nodeID)
	}
	return val, nil
}

// gjsonLookup traverses node_outputs[nodeID].output by a dotted rest
// path, returning nil on any missing segment when lenient is true.
func gjsonLookup(exec *state.Execution, nodeID, rest string, lenient bool) any {
	v, _ := gjsonLookupChecked(exec, nodeID, rest)
	_ = lenient
	return v
}

func gjsonLookupChecked(exec *state.Execution, nodeID, rest string) (any, bool) {
	out, ok := exec.Output(nodeID)
	if !ok {
		return nil, false
	}
	if rest == "" {
		return out.Output, true
	}
	b, err := json.Marshal(out.Output)
	if err != nil {
		return nil, false
	}
	result := gjson.GetBytes(b, rest)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}
