package pipeline

import (
	"cmp"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/trainpipe/internal/errs"
)

// CompileSpecs compiles pipeline definitions into validated DAGs.
func CompileSpecs(specs []Spec) (*Set, error) {
	out := &Set{Pipelines: make(map[string]*Pipeline)}

	for i, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, errs.New(errs.ConfigSchema, "pipelines[%d]: name is required", i)
		}
		if _, exists := out.Pipelines[name]; exists {
			return nil, errs.New(errs.ConfigSchema, "duplicate pipeline name %q", name)
		}

		compiled, err := compilePipeline(spec)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", name, err)
		}
		out.Pipelines[name] = compiled
	}
	return out, nil
}

func compilePipeline(spec Spec) (*Pipeline, error) {
	if len(spec.Steps) == 0 {
		return nil, errs.New(errs.ConfigSchema, "steps must be non-empty")
	}

	p := &Pipeline{
		Name:  strings.TrimSpace(spec.Name),
		Nodes: make(map[string]Node),
	}
	b := compileBuilder{pipeline: p}

	entry, terminal, err := b.compileSteps(spec.Steps)
	if err != nil {
		return nil, err
	}
	p.EntryNodeIDs = sortedUnique(entry)
	p.TerminalNodeIDs = sortedUnique(terminal)
	sortEdges(p.Edges)

	order, err := linearize(p, b.declared)
	if err != nil {
		return nil, err
	}
	p.Order = order

	fingerprint, err := fingerprintPipeline(p)
	if err != nil {
		return nil, err
	}
	p.Fingerprint = fingerprint
	return p, nil
}

type compileBuilder struct {
	pipeline *Pipeline
	// declared holds node ids in the order they appear in the definition.
	declared []string
}

func (b *compileBuilder) compileSteps(steps []StepSpec) (entry []string, terminal []string, err error) {
	if len(steps) == 0 {
		return nil, nil, errs.New(errs.ConfigSchema, "steps must be non-empty")
	}

	var previous []string
	for i, step := range steps {
		stepEntry, stepTerminal, err := b.compileStep(step)
		if err != nil {
			return nil, nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		if i == 0 {
			entry = append(entry, stepEntry...)
		}
		if len(previous) > 0 {
			b.addEdges(previous, stepEntry)
		}
		previous = stepTerminal
	}
	return entry, previous, nil
}

func (b *compileBuilder) compileStep(step StepSpec) (entry []string, terminal []string, err error) {
	uses := strings.TrimSpace(step.Uses)
	modes := 0
	for _, set := range []bool{uses != "", len(step.Steps) > 0, len(step.Split) > 0} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		return nil, nil, errs.New(errs.ConfigSchema, "step must define exactly one of uses, steps, or split")
	}

	switch {
	case uses != "":
		id := strings.TrimSpace(step.ID)
		if id == "" {
			id = uses
		}
		if _, exists := b.pipeline.Nodes[id]; exists {
			return nil, nil, errs.New(errs.ConfigSchema, "duplicate step id %q", id)
		}
		b.pipeline.Nodes[id] = Node{ID: id, Stage: uses}
		b.declared = append(b.declared, id)
		return []string{id}, []string{id}, nil

	case len(step.Steps) > 0:
		return b.compileSteps(step.Steps)

	default:
		var allEntry, allTerminal []string
		for i, branch := range step.Split {
			branchEntry, branchTerminal, err := b.compileStep(branch)
			if err != nil {
				return nil, nil, fmt.Errorf("split[%d]: %w", i, err)
			}
			allEntry = append(allEntry, branchEntry...)
			allTerminal = append(allTerminal, branchTerminal...)
		}
		return sortedUnique(allEntry), sortedUnique(allTerminal), nil
	}
}

func (b *compileBuilder) addEdges(fromNodes, toNodes []string) {
	for _, from := range fromNodes {
		for _, to := range toNodes {
			b.pipeline.Edges = append(b.pipeline.Edges, Edge{From: from, To: to})
		}
	}
}

// linearize is Kahn's algorithm; among ready nodes the one declared first
// runs first.
func linearize(p *Pipeline, declared []string) ([]string, error) {
	rank := make(map[string]int, len(declared))
	for i, id := range declared {
		rank[id] = i
	}
	inDegree := make(map[string]int, len(p.Nodes))
	adj := make(map[string][]string, len(p.Nodes))
	for id := range p.Nodes {
		inDegree[id] = 0
	}
	for _, edge := range p.Edges {
		if _, ok := p.Nodes[edge.From]; !ok {
			return nil, errs.New(errs.ConfigSchema, "edge references unknown from node %q", edge.From)
		}
		if _, ok := p.Nodes[edge.To]; !ok {
			return nil, errs.New(errs.ConfigSchema, "edge references unknown to node %q", edge.To)
		}
		adj[edge.From] = append(adj[edge.From], edge.To)
		inDegree[edge.To]++
	}

	var ready []string
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(p.Nodes))
	for len(ready) > 0 {
		slices.SortFunc(ready, func(a, b string) int { return cmp.Compare(rank[a], rank[b]) })
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, next := range adj[n] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(p.Nodes) {
		return nil, errs.New(errs.Cycle, "compiled pipeline graph contains a cycle")
	}
	return order, nil
}

func fingerprintPipeline(p *Pipeline) (string, error) {
	type fingerprintShape struct {
		Name            string   `json:"name"`
		Nodes           []Node   `json:"nodes"`
		Edges           []Edge   `json:"edges"`
		Order           []string `json:"order"`
		EntryNodeIDs    []string `json:"entry_node_ids"`
		TerminalNodeIDs []string `json:"terminal_node_ids"`
	}

	nodes := slices.Collect(maps.Values(p.Nodes))
	slices.SortFunc(nodes, func(a, b Node) int { return cmp.Compare(a.ID, b.ID) })

	shape := fingerprintShape{
		Name:            p.Name,
		Nodes:           nodes,
		Edges:           slices.Clone(p.Edges),
		Order:           p.Order,
		EntryNodeIDs:    p.EntryNodeIDs,
		TerminalNodeIDs: p.TerminalNodeIDs,
	}
	sortEdges(shape.Edges)

	body, err := json.Marshal(shape)
	if err != nil {
		return "", fmt.Errorf("marshal pipeline fingerprint input: %w", err)
	}
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}

func sortEdges(edges []Edge) {
	slices.SortFunc(edges, func(a, b Edge) int {
		return cmp.Or(cmp.Compare(a.From, b.From), cmp.Compare(a.To, b.To))
	})
}

func sortedUnique(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

func sortedMapKeys[V any](in map[string]V) []string {
	return slices.Sorted(maps.Keys(in))
}
