// Package condition implements the restricted boolean-expression
// evaluator of spec §4.1: resolve every `{{path}}` occurrence in a
// condition string to its stringified value, then evaluate the
// remaining comparison/logical expression. Grounded on the teacher's
// CEL-based evaluator (cmd/workflow-runner/condition), restricted here
// to declare zero free variables so no identifier can reach outside the
// substituted literals — stray identifiers fail CEL compilation, which
// is how spec §9 asks validation (not evaluation) to reject anything
// beyond a literal/path.
package condition

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/arcflow/wfexec/internal/resolver"
	"github.com/arcflow/wfexec/internal/state"
	"github.com/arcflow/wfexec/internal/werr"
)

var templateRE = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Evaluator evaluates condition strings, caching compiled CEL programs
// per normalized (post-substitution) expression text.
type Evaluator struct {
	resolver *resolver.Resolver
	cache    map[string]cel.Program
	mu       sync.RWMutex
	env      *cel.Env
}

// New builds a condition evaluator. r resolves the `{{path}}` fragments
// embedded in a condition string.
func New(r *resolver.Resolver) (*Evaluator, error) {
	env, err := cel.NewEnv() // zero variables: no identifier may escape substitution
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}
	return &Evaluator{
		resolver: r,
		cache:    make(map[string]cel.Program),
		env:      env,
	}, nil
}

// Evaluate resolves every `{{path}}` in expr against exec's state, then
// evaluates the resulting restricted boolean expression.
func (e *Evaluator) Evaluate(exec *state.Execution, expr string) (bool, error) {
	substituted, err := e.substitute(exec, expr)
	if err != nil {
		return false, err
	}

	prg, err := e.program(substituted)
	if err != nil {
		return false, fmt.Errorf("%w: %v", werr.ErrResolve, err)
	}

	out, _, err := prg.Eval(map[string]any{})
	if err != nil {
		return false, fmt.Errorf("%w: condition evaluation failed: %v", werr.ErrResolve, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: condition did not evaluate to a boolean", werr.ErrResolve)
	}
	return b, nil
}

func (e *Evaluator) substitute(exec *state.Execution, expr string) (string, error) {
	var subErr error
	result := templateRE.ReplaceAllStringFunc(expr, func(match string) string {
		if subErr != nil {
			return match
		}
		path := templateRE.FindStringSubmatch(match)[1]
		raw, err := json.Marshal("{{" + path + "}}")
		if err != nil {
			subErr = err
			return match
		}
		v, err := e.resolver.Resolve(exec, raw)
		if err != nil {
			subErr = err
			return match
		}
		lit, err := toCELLiteral(v)
		if err != nil {
			subErr = err
			return match
		}
		return lit
	})
	if subErr != nil {
		return "", fmt.Errorf("condition substitution: %w", subErr)
	}
	return result, nil
}

// toCELLiteral renders a resolved value as a CEL literal token so the
// substituted string remains a pure literal+operator expression.
func toCELLiteral(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "null", nil
	case bool:
		return strconv.FormatBool(t), nil
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		// Non-scalar: render as a quoted JSON string literal; the
		// restricted grammar only compares scalars, so this is only
		// ever used inside == / != against another literal.
		q, err := json.Marshal(string(b))
		if err != nil {
			return "", err
		}
		return string(q), nil
	}
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

// ClearCache drops all compiled programs.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]cel.Program)
}
