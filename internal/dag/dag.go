// Package dag compiles a model.Workflow into a validated graph: forward
// and reverse dependency maps, inner-node classification, and entry-node
// lookup, generalizing the teacher's compiler/ir.go (cycle detection
// via DFS + recursion stack, entry/terminal node computation) to the
// richer conditional/switch/join/loop/fork/map node union of spec §3-4.2.
package dag

import (
	"fmt"

	"github.com/arcflow/wfexec/internal/model"
	"github.com/arcflow/wfexec/internal/werr"
)

// Graph is the compiled, validated form of a workflow definition.
type Graph struct {
	Workflow   *model.Workflow
	Nodes      map[string]*model.Node
	Dependents map[string][]string // nodeID -> nodes that depend on it
	Inner      map[string]bool     // loop.node / map.node targets
}

// Compile validates wf and returns its compiled Graph.
func Compile(wf *model.Workflow) (*Graph, error) {
	g := &Graph{
		Workflow:   wf,
		Nodes:      make(map[string]*model.Node, len(wf.Nodes)),
		Dependents: make(map[string][]string),
		Inner:      make(map[string]bool),
	}

	for _, n := range wf.Nodes {
		if _, dup := g.Nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %q", werr.ErrValidation, n.ID)
		}
		g.Nodes[n.ID] = n
	}

	for _, n := range wf.Nodes {
		switch n.Type {
		case model.NodeLoop:
			g.Inner[n.LoopNode] = true
		case model.NodeMap:
			g.Inner[n.MapNode] = true
		}
	}

	if err := g.validateReferences(); err != nil {
		return nil, err
	}
	g.buildDependents()
	if err := g.checkCycles(); err != nil {
		return nil, err
	}
	if err := g.checkReachability(); err != nil {
		return nil, err
	}
	for id := range g.Inner {
		if n, ok := g.Nodes[id]; ok {
			n.Inner = true
		}
	}
	return g, nil
}

func (g *Graph) ref(id string) error {
	if id == "" {
		return nil
	}
	if _, ok := g.Nodes[id]; !ok {
		return fmt.Errorf("%w: reference to unknown node %q", werr.ErrValidation, id)
	}
	return nil
}

func (g *Graph) validateReferences() error {
	for _, n := range g.Nodes {
		for _, d := range n.DependsOn {
			if err := g.ref(d); err != nil {
				return err
			}
		}
		switch n.Type {
		case model.NodeConditional:
			if err := g.ref(n.TrueBranch); err != nil {
				return err
			}
			if err := g.ref(n.FalseBranch); err != nil {
				return err
			}
		case model.NodeSwitch:
			for _, c := range n.Cases {
				if err := g.ref(c.Node); err != nil {
					return err
				}
			}
			if err := g.ref(n.Default); err != nil {
				return err
			}
		case model.NodeJoin:
			for _, w := range n.WaitFor {
				if err := g.ref(w); err != nil {
					return err
				}
			}
			if n.Strategy == model.JoinNOfM && (n.N <= 0 || n.N > len(n.WaitFor)) {
				return fmt.Errorf("%w: node %q: n_of_m requires 0 < n <= len(wait_for)", werr.ErrValidation, n.ID)
			}
		case model.NodeLoop:
			if err := g.ref(n.LoopNode); err != nil {
				return err
			}
			if n.MaxIterations <= 0 {
				return fmt.Errorf("%w: node %q: max_iterations must be > 0", werr.ErrValidation, n.ID)
			}
		case model.NodeFork:
			seen := map[string]bool{}
			for _, b := range n.Branches {
				if seen[b.ID] {
					return fmt.Errorf("%w: node %q: duplicate branch id %q", werr.ErrValidation, n.ID, b.ID)
				}
				seen[b.ID] = true
			}
		case model.NodeMap:
			if err := g.ref(n.MapNode); err != nil {
				return err
			}
		}
	}
	return nil
}

// branchTargets returns the node ids a control node can hand control to,
// used for both reverse-dependency wiring and cycle detection.
func branchTargets(n *model.Node) []string {
	switch n.Type {
	case model.NodeConditional:
		var out []string
		if n.TrueBranch != "" {
			out = append(out, n.TrueBranch)
		}
		if n.FalseBranch != "" {
			out = append(out, n.FalseBranch)
		}
		return out
	case model.NodeSwitch:
		out := make([]string, 0, len(n.Cases)+1)
		for _, c := range n.Cases {
			out = append(out, c.Node)
		}
		if n.Default != "" {
			out = append(out, n.Default)
		}
		return out
	}
	return nil
}

func (g *Graph) buildDependents() {
	for _, n := range g.Nodes {
		for _, d := range n.DependsOn {
			g.Dependents[d] = append(g.Dependents[d], n.ID)
		}
		for _, t := range branchTargets(n) {
			g.Dependents[n.ID] = append(g.Dependents[n.ID], t)
		}
	}
}

// checkCycles runs DFS with a recursion stack over the non-inner graph,
// per spec §4.2. Loop/map inner nodes are excluded: their "cycle" back to
// the parent control node is intentional and handled inline, not via
// depends_on.
func (g *Graph) checkCycles() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		if g.Inner[id] {
			return nil
		}
		color[id] = gray
		for _, next := range g.Dependents[id] {
			if g.Inner[next] {
				continue
			}
			switch color[next] {
			case white:
				if err := visit(next); err != nil {
					return err
				}
			case gray:
				return fmt.Errorf("%w: cycle detected through node %q", werr.ErrValidation, next)
			}
		}
		color[id] = black
		return nil
	}

	for id := range g.Nodes {
		if g.Inner[id] {
			continue
		}
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkReachability ensures every non-inner node is reachable from a
// zero-dependency node (spec §4.2: "unreachable from any zero-dependency
// node").
func (g *Graph) checkReachability() error {
	reachable := map[string]bool{}
	var roots []string
	for id, n := range g.Nodes {
		if g.Inner[id] {
			continue
		}
		if len(n.DependsOn) == 0 {
			roots = append(roots, id)
		}
	}
	if len(roots) == 0 {
		return fmt.Errorf("%w: workflow has no entry nodes", werr.ErrValidation)
	}

	var walk func(id string)
	walk = func(id string) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		for _, next := range g.Dependents[id] {
			walk(next)
		}
	}
	for _, r := range roots {
		walk(r)
	}

	for id := range g.Nodes {
		if g.Inner[id] {
			continue
		}
		if !reachable[id] {
			return fmt.Errorf("%w: node %q is unreachable", werr.ErrValidation, id)
		}
	}
	return nil
}

// EntryNodes returns the non-inner nodes with zero dependencies.
func (g *Graph) EntryNodes() []*model.Node {
	var out []*model.Node
	for id, n := range g.Nodes {
		if g.Inner[id] {
			continue
		}
		if len(n.DependsOn) == 0 {
			out = append(out, n)
		}
	}
	return out
}
