package initnode

// NamedEntry is one key/value pair of a realized map init node.
type NamedEntry[T any] struct {
	Key   string `yaml:"key"`
	Value T      `yaml:"value"`
}

// Named is a realized map init node: caller-chosen keys to components of
// one capability, in document order.
type Named[T any] []NamedEntry[T]

type namedEntry interface {
	namedPair() (string, any)
}

func (e NamedEntry[T]) namedPair() (string, any) {
	return e.Key, e.Value
}

// Get returns the value stored under key.
func (n Named[T]) Get(key string) (T, bool) {
	for _, e := range n {
		if e.Key == key {
			return e.Value, true
		}
	}
	var zero T
	return zero, false
}

// Keys returns keys in order.
func (n Named[T]) Keys() []string {
	out := make([]string, 0, len(n))
	for _, e := range n {
		out = append(out, e.Key)
	}
	return out
}

// Values returns values in order.
func (n Named[T]) Values() []T {
	out := make([]T, 0, len(n))
	for _, e := range n {
		out = append(out, e.Value)
	}
	return out
}

// Ordered is a realized mapping that remembers key order.
type Ordered struct {
	Keys   []string
	Values map[string]any
}

func newOrdered(n int) *Ordered {
	return &Ordered{Keys: make([]string, 0, n), Values: make(map[string]any, n)}
}

func (o *Ordered) set(key string, v any) {
	if _, ok := o.Values[key]; !ok {
		o.Keys = append(o.Keys, key)
	}
	o.Values[key] = v
}

// Map returns a plain copy with nested Ordered values flattened.
func (o *Ordered) Map() map[string]any {
	out := make(map[string]any, len(o.Values))
	for k, v := range o.Values {
		out[k] = plainValue(v)
	}
	return out
}

func plainValue(v any) any {
	switch x := v.(type) {
	case *Ordered:
		return x.Map()
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = plainValue(item)
		}
		return out
	default:
		return v
	}
}
