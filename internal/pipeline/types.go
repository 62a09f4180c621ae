package pipeline

// FileSpec is one YAML file containing one or more pipelines.
type FileSpec struct {
	Pipelines []Spec `yaml:"pipelines"`
}

// Spec defines a single pipeline entry in YAML.
type Spec struct {
	Name  string     `yaml:"name"`
	Steps []StepSpec `yaml:"steps"`
}

// StepSpec is one step. Exactly one of uses, steps or split must be set.
type StepSpec struct {
	ID    string     `yaml:"id,omitempty"`
	Uses  string     `yaml:"uses,omitempty"`
	Steps []StepSpec `yaml:"steps,omitempty"`
	Split []StepSpec `yaml:"split,omitempty"`
}

// Node is one stage execution in a compiled pipeline DAG.
type Node struct {
	ID    string `json:"id"`
	Stage string `json:"stage"`
}

// Edge defines a directed dependency between two nodes.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Pipeline is a compiled DAG for one named pipeline.
type Pipeline struct {
	Name            string
	Nodes           map[string]Node
	Edges           []Edge
	EntryNodeIDs    []string
	TerminalNodeIDs []string
	// Order is the execution order: topological, ties broken by
	// declaration order.
	Order       []string
	Fingerprint string // blake3:<hex> of normalized compiled form.
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	out := make([]string, len(p.Order))
	for i, id := range p.Order {
		out[i] = p.Nodes[id].Stage
	}
	return out
}

// Set is a compiled collection of pipelines keyed by name.
type Set struct {
	Pipelines map[string]*Pipeline
}

// Names returns pipeline names, sorted.
func (s *Set) Names() []string {
	return sortedMapKeys(s.Pipelines)
}
