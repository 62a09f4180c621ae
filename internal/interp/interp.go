// Package interp resolves $globals references and ${resolver(args)} tokens
// in a pipeline document.
package interp

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/trainpipe/internal/errs"
)

// GlobalsKey is the top-level document key holding global values.
const GlobalsKey = "globals"

var (
	globalPattern   = regexp.MustCompile(`\$globals\.([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)`)
	resolverPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\(([^)]*)\)\}`)
)

// Resolver computes the replacement text for a ${name(args)} token.
type Resolver func(args []string) (string, error)

// Resolvers maps resolver names to implementations.
type Resolvers map[string]Resolver

// DefaultResolvers returns the env resolver bound to env.
func DefaultResolvers(env Env) Resolvers {
	return Resolvers{"env": EnvResolver(env)}
}

// EnvResolver implements ${env(NAME)} and ${env(NAME, default)}.
func EnvResolver(env Env) Resolver {
	return func(args []string) (string, error) {
		if len(args) == 0 || len(args) > 2 || args[0] == "" {
			return "", fmt.Errorf("env takes NAME or NAME, default")
		}
		if v, ok := env.Lookup(args[0]); ok {
			return v, nil
		}
		if len(args) == 2 {
			return args[1], nil
		}
		return "", errs.New(errs.Interpolation, "environment variable %s is not set", args[0]).
			WithDetail("reason", "unset-env").WithDetail("name", args[0])
	}
}

// NowResolver implements ${now()} and ${now(layout)} using clock.
func NowResolver(clock func() time.Time) Resolver {
	return func(args []string) (string, error) {
		layout := time.RFC3339
		if len(args) > 0 && args[0] != "" {
			layout = args[0]
		}
		return clock().UTC().Format(layout), nil
	}
}

// Result is an interpolated document.
type Result struct {
	Doc           *yaml.Node
	UnusedGlobals []string
}

// Interpolate resolves globals first, so a global may itself carry resolver
// tokens, then resolver tokens. The input is not modified; the returned
// document has no globals block.
func Interpolate(doc *yaml.Node, resolvers Resolvers, logger *slog.Logger) (*Result, error) {
	root, err := copyNode(doc, map[*yaml.Node]bool{})
	if err != nil {
		return nil, err
	}
	body := root
	if body.Kind == yaml.DocumentNode && len(body.Content) > 0 {
		body = body.Content[0]
	}

	g := &globals{index: map[string]*yaml.Node{}, resolved: map[string]*yaml.Node{}, used: map[string]bool{}}
	if body.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(body.Content); i += 2 {
			if body.Content[i].Value != GlobalsKey {
				continue
			}
			g.collect("", body.Content[i+1])
			g.order = topLevelKeys(body.Content[i+1])
			body.Content = slices.Delete(body.Content, i, i+2)
			break
		}
	}

	if err := g.substitute(body, "$", nil); err != nil {
		return nil, err
	}
	if err := resolveTokens(body, "$", resolvers); err != nil {
		return nil, err
	}

	res := &Result{Doc: root}
	for _, key := range g.order {
		if !g.used[key] {
			res.UnusedGlobals = append(res.UnusedGlobals, key)
			if logger != nil {
				logger.Warn("unused global", "key", key)
			}
		}
	}
	return res, nil
}

type globals struct {
	index    map[string]*yaml.Node
	resolved map[string]*yaml.Node
	used     map[string]bool
	order    []string
}

// collect indexes every node of the globals tree under its dotted path.
func (g *globals) collect(prefix string, n *yaml.Node) {
	if prefix != "" {
		g.index[prefix] = n
	}
	if n.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		if prefix != "" {
			key = prefix + "." + key
		}
		g.collect(key, n.Content[i+1])
	}
}

func (g *globals) markUsed(path string) {
	top, _, _ := strings.Cut(path, ".")
	g.used[top] = true
}

// resolve returns a fully substituted copy of the global at path. stack
// holds the globals currently being resolved.
func (g *globals) resolve(path string, stack []string) (*yaml.Node, error) {
	if n, ok := g.resolved[path]; ok {
		return n, nil
	}
	if slices.Contains(stack, path) {
		return nil, errs.New(errs.Interpolation, "globals cycle: %s", strings.Join(append(stack, path), " -> ")).
			WithDetail("reason", "global-cycle")
	}
	src, ok := g.index[path]
	if !ok {
		return nil, errs.New(errs.Interpolation, "unknown global %q", path).
			WithDetail("reason", "unknown-global").WithDetail("key", path)
	}
	out, err := copyNode(src, map[*yaml.Node]bool{})
	if err != nil {
		return nil, err
	}
	if err := g.substitute(out, "$globals."+path, append(stack, path)); err != nil {
		return nil, err
	}
	g.resolved[path] = out
	return out, nil
}

func (g *globals) substitute(n *yaml.Node, path string, stack []string) error {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for i, child := range n.Content {
			if err := g.substitute(child, fmt.Sprintf("%s[%d]", path, i), stack); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			if err := g.substitute(n.Content[i+1], path+"."+n.Content[i].Value, stack); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		return g.substituteScalar(n, path, stack)
	}
	return nil
}

func (g *globals) substituteScalar(n *yaml.Node, path string, stack []string) error {
	if n.ShortTag() != "!!str" || !strings.Contains(n.Value, "$globals.") {
		return nil
	}

	if m := globalPattern.FindStringSubmatch(n.Value); m != nil && m[0] == n.Value {
		g.markUsed(m[1])
		v, err := g.resolve(m[1], stack)
		if err != nil {
			return withPath(err, path)
		}
		cp, err := copyNode(v, map[*yaml.Node]bool{})
		if err != nil {
			return err
		}
		*n = *cp
		return nil
	}

	var failure error
	n.Value = globalPattern.ReplaceAllStringFunc(n.Value, func(tok string) string {
		key := tok[len("$globals."):]
		g.markUsed(key)
		v, err := g.resolve(key, stack)
		if err != nil {
			failure = err
			return tok
		}
		if v.Kind != yaml.ScalarNode {
			failure = errs.New(errs.Interpolation, "global %q is not a scalar and cannot be embedded in a string", key).
				WithDetail("reason", "non-scalar-global")
			return tok
		}
		return v.Value
	})
	if failure != nil {
		return withPath(failure, path)
	}
	return nil
}

func resolveTokens(n *yaml.Node, path string, resolvers Resolvers) error {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for i, child := range n.Content {
			if err := resolveTokens(child, fmt.Sprintf("%s[%d]", path, i), resolvers); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			if err := resolveTokens(n.Content[i+1], path+"."+n.Content[i].Value, resolvers); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if n.ShortTag() != "!!str" || !strings.Contains(n.Value, "${") {
			return nil
		}
		whole := false
		if m := resolverPattern.FindStringIndex(n.Value); m != nil && m[0] == 0 && m[1] == len(n.Value) {
			whole = true
		}
		var failure error
		out := resolverPattern.ReplaceAllStringFunc(n.Value, func(tok string) string {
			m := resolverPattern.FindStringSubmatch(tok)
			fn, ok := resolvers[m[1]]
			if !ok {
				failure = errs.New(errs.Interpolation, "unknown resolver %q", m[1]).WithDetail("reason", "unknown-resolver")
				return tok
			}
			v, err := fn(splitArgs(m[2]))
			if err != nil {
				if errs.KindOf(err) == "" {
					err = errs.Wrap(errs.Interpolation, err, "resolver %s", m[1])
				}
				failure = err
				return tok
			}
			return v
		})
		if failure != nil {
			return withPath(failure, path)
		}
		n.Value = out
		if whole {
			// Let YAML re-resolve the type: ${env(EPOCHS)} with EPOCHS=3 is an
			// int. An empty value stays an empty string, not null.
			n.Tag = ""
			n.Style = 0
			if out == "" {
				n.Tag = "!!str"
				n.Style = yaml.DoubleQuotedStyle
			}
		}
	}
	return nil
}

func splitArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func withPath(err error, path string) error {
	if e, ok := err.(*errs.Error); ok {
		if _, set := e.Details["path"]; !set {
			e.WithDetail("path", path)
		}
	}
	return err
}

func topLevelKeys(n *yaml.Node) []string {
	if n.Kind != yaml.MappingNode {
		return nil
	}
	var out []string
	for i := 0; i+1 < len(n.Content); i += 2 {
		out = append(out, n.Content[i].Value)
	}
	return out
}

// copyNode deep-copies n, expanding aliases.
func copyNode(n *yaml.Node, stack map[*yaml.Node]bool) (*yaml.Node, error) {
	if n == nil {
		return nil, nil
	}
	if n.Kind == yaml.AliasNode {
		if stack[n.Alias] {
			return nil, errs.New(errs.ConfigSchema, "alias %s refers to an enclosing node", n.Value)
		}
		return copyNode(n.Alias, stack)
	}
	stack[n] = true
	defer delete(stack, n)

	out := *n
	out.Anchor = ""
	out.Alias = nil
	out.Content = nil
	for _, child := range n.Content {
		c, err := copyNode(child, stack)
		if err != nil {
			return nil, err
		}
		out.Content = append(out.Content, c)
	}
	return &out, nil
}
