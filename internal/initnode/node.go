// Package initnode is the declarative component graph: config nodes that
// pair a target reference with constructor arguments, their YAML form, load
// time validation against a registry, and realization into live objects.
package initnode

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/trainpipe/internal/errs"
)

// TargetKey is the reserved mapping key naming an init node's target.
const TargetKey = "_target_"

// Node is one config node.
type Node interface {
	node()
}

// Scalar is a primitive leaf (bool, int, float64, string) or null.
type Scalar struct {
	Value any
}

// Sequence is an ordered list of nodes.
type Sequence struct {
	Items []Node
}

// Entry is one key/value pair of a Mapping or one argument of an Init.
type Entry struct {
	Key   string
	Value Node
}

// Mapping is an ordered string-keyed mapping. A mapping whose values are all
// init nodes is a map init node.
type Mapping struct {
	Entries []Entry
}

// Init pairs a target reference with ordered constructor arguments.
type Init struct {
	Target string
	Args   []Entry
}

func (*Scalar) node()   {}
func (*Sequence) node() {}
func (*Mapping) node()  {}
func (*Init) node()     {}

// Get returns the value stored under key.
func (m *Mapping) Get(key string) (Node, bool) {
	if m == nil {
		return nil, false
	}
	return lookup(m.Entries, key)
}

// Set replaces the value under key or appends a new entry.
func (m *Mapping) Set(key string, value Node) {
	m.Entries = set(m.Entries, key, value)
}

// Keys returns keys in document order.
func (m *Mapping) Keys() []string {
	if m == nil {
		return nil
	}
	return keys(m.Entries)
}

// IsMapInit reports whether every value is an init node.
func (m *Mapping) IsMapInit() bool {
	if m == nil || len(m.Entries) == 0 {
		return false
	}
	for _, e := range m.Entries {
		if _, ok := e.Value.(*Init); !ok {
			return false
		}
	}
	return true
}

// Arg returns the argument named name.
func (n *Init) Arg(name string) (Node, bool) {
	if n == nil {
		return nil, false
	}
	return lookup(n.Args, name)
}

// SetArg replaces or appends an argument.
func (n *Init) SetArg(name string, value Node) {
	n.Args = set(n.Args, name, value)
}

// ArgNames returns argument names in order.
func (n *Init) ArgNames() []string {
	return keys(n.Args)
}

func lookup(entries []Entry, key string) (Node, bool) {
	for _, e := range entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

func set(entries []Entry, key string, value Node) []Entry {
	for i := range entries {
		if entries[i].Key == key {
			entries[i].Value = value
			return entries
		}
	}
	return append(entries, Entry{Key: key, Value: value})
}

func keys(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Key)
	}
	return out
}

// Parse converts a YAML node into a config node. Any mapping holding
// TargetKey becomes an Init. Aliases that refer back to one of their own
// ancestors are reported as a cycle.
func Parse(n *yaml.Node) (Node, error) {
	return parse(n, "$", map[*yaml.Node]bool{})
}

func parse(n *yaml.Node, path string, stack map[*yaml.Node]bool) (Node, error) {
	if n == nil {
		return &Scalar{}, nil
	}
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return &Scalar{}, nil
		}
		return parse(n.Content[0], path, stack)

	case yaml.AliasNode:
		if stack[n.Alias] {
			return nil, errs.New(errs.Cycle, "alias at %s refers to an enclosing node", path)
		}
		return parse(n.Alias, path, stack)

	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, errs.Wrap(errs.ConfigSchema, err, "decode scalar at %s", path)
		}
		return &Scalar{Value: normalizeScalar(v)}, nil

	case yaml.SequenceNode:
		stack[n] = true
		defer delete(stack, n)
		seq := &Sequence{Items: make([]Node, 0, len(n.Content))}
		for i, item := range n.Content {
			child, err := parse(item, fmt.Sprintf("%s[%d]", path, i), stack)
			if err != nil {
				return nil, err
			}
			seq.Items = append(seq.Items, child)
		}
		return seq, nil

	case yaml.MappingNode:
		stack[n] = true
		defer delete(stack, n)

		var target *yaml.Node
		entries := make([]Entry, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			keyNode, valNode := n.Content[i], n.Content[i+1]
			if keyNode.Kind != yaml.ScalarNode {
				return nil, errs.New(errs.ConfigSchema, "non-scalar mapping key at %s", path)
			}
			key := keyNode.Value
			if key == TargetKey {
				target = valNode
				continue
			}
			child, err := parse(valNode, path+"."+key, stack)
			if err != nil {
				return nil, err
			}
			entries = append(entries, Entry{Key: key, Value: child})
		}

		if target == nil {
			return &Mapping{Entries: entries}, nil
		}
		if target.Kind != yaml.ScalarNode || target.Value == "" {
			return nil, errs.New(errs.ConfigSchema, "%s at %s must be a non-empty string", TargetKey, path).
				WithDetail("path", path)
		}
		return &Init{Target: target.Value, Args: entries}, nil

	default:
		return nil, errs.New(errs.ConfigSchema, "unsupported YAML node kind %d at %s", n.Kind, path)
	}
}

func normalizeScalar(v any) any {
	switch x := v.(type) {
	case int64:
		return int(x)
	case uint64:
		return int(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}

// Serialize converts a config node to YAML. Init nodes emit TargetKey first
// and then their arguments in order.
func Serialize(n Node) (*yaml.Node, error) {
	switch x := n.(type) {
	case nil:
		return nullNode(), nil
	case *Scalar:
		if x.Value == nil {
			return nullNode(), nil
		}
		if f, ok := x.Value.(float64); ok {
			return floatNode(f), nil
		}
		out := &yaml.Node{}
		if err := out.Encode(x.Value); err != nil {
			return nil, fmt.Errorf("encode scalar %v: %w", x.Value, err)
		}
		return out, nil
	case *Sequence:
		out := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range x.Items {
			child, err := Serialize(item)
			if err != nil {
				return nil, err
			}
			out.Content = append(out.Content, child)
		}
		return out, nil
	case *Mapping:
		out := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		if err := appendEntries(out, x.Entries); err != nil {
			return nil, err
		}
		return out, nil
	case *Init:
		out := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		out.Content = append(out.Content, strNode(TargetKey), strNode(x.Target))
		if err := appendEntries(out, x.Args); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown node type %T", n)
	}
}

func appendEntries(out *yaml.Node, entries []Entry) error {
	for _, e := range entries {
		child, err := Serialize(e.Value)
		if err != nil {
			return fmt.Errorf("%s: %w", e.Key, err)
		}
		out.Content = append(out.Content, strNode(e.Key), child)
	}
	return nil
}

func strNode(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

// floatNode keeps integral floats distinguishable from ints (2 -> 2.0).
func floatNode(f float64) *yaml.Node {
	var s string
	switch {
	case math.IsInf(f, 1):
		s = ".inf"
	case math.IsInf(f, -1):
		s = "-.inf"
	case math.IsNaN(f):
		s = ".nan"
	default:
		s = strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: s}
}

func nullNode() *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
}

// Marshal renders a node as YAML bytes.
func Marshal(n Node) ([]byte, error) {
	y, err := Serialize(n)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(y)
}

// Unmarshal parses YAML bytes into a node.
func Unmarshal(data []byte) (Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.Wrap(errs.ConfigSchema, err, "parse YAML")
	}
	return Parse(&doc)
}

// Plain converts a node into plain Go values: map[string]any, []any and
// scalars. Init nodes keep their target under TargetKey.
func Plain(n Node) any {
	switch x := n.(type) {
	case *Scalar:
		return x.Value
	case *Sequence:
		out := make([]any, 0, len(x.Items))
		for _, item := range x.Items {
			out = append(out, Plain(item))
		}
		return out
	case *Mapping:
		out := make(map[string]any, len(x.Entries))
		for _, e := range x.Entries {
			out[e.Key] = Plain(e.Value)
		}
		return out
	case *Init:
		out := make(map[string]any, len(x.Args)+1)
		out[TargetKey] = x.Target
		for _, e := range x.Args {
			out[e.Key] = Plain(e.Value)
		}
		return out
	default:
		return nil
	}
}

// Equal reports structural equality, including entry order.
func Equal(a, b Node) bool {
	return reflect.DeepEqual(a, b)
}
