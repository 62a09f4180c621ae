package config

import (
	"slices"

	"gopkg.in/yaml.v3"
)

// RemoveKeys returns a copy of n with every mapping entry whose key is in
// keys dropped, at any depth, including inside sequences.
func RemoveKeys(n *yaml.Node, keys []string) *yaml.Node {
	if n == nil {
		return nil
	}
	if n.Kind == yaml.AliasNode && n.Alias != nil {
		return RemoveKeys(n.Alias, keys)
	}
	out := *n
	out.Content = nil
	if n.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(n.Content); i += 2 {
			if slices.Contains(keys, n.Content[i].Value) {
				continue
			}
			k := *n.Content[i]
			out.Content = append(out.Content, &k, RemoveKeys(n.Content[i+1], keys))
		}
		return &out
	}
	for _, child := range n.Content {
		out.Content = append(out.Content, RemoveKeys(child, keys))
	}
	return &out
}
