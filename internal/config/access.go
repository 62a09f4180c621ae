package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/trainpipe/internal/errs"
	"github.com/mattjoyce/trainpipe/internal/initnode"
)

// GetPath retrieves a node using a dot-notation path such as
// ops.train.epochs or ops.predict.datasets.test. Sequence items are
// addressed by index. The entity forms stage:<name> and resource:<name>
// are shorthands for ops.<name> and resources.<name>.
func (d *Document) GetPath(path string) (initnode.Node, error) {
	if etype, name, ok := strings.Cut(path, ":"); ok {
		rest := ""
		if before, after, nested := strings.Cut(name, "."); nested {
			name, rest = before, after
		}
		switch etype {
		case "stage":
			path = KeyOps + "." + name
		case "resource":
			path = KeyResources + "." + name
		default:
			return nil, fmt.Errorf("unsupported entity type %q", etype)
		}
		if rest != "" {
			path += "." + rest
		}
	}

	root := &initnode.Mapping{Entries: []initnode.Entry{
		{Key: KeyOps, Value: d.Ops},
		{Key: KeyResources, Value: d.Resources},
	}}
	return getNode(root, path)
}

// GetValue is GetPath converted to plain Go values.
func (d *Document) GetValue(path string) (any, error) {
	n, err := d.GetPath(path)
	if err != nil {
		return nil, err
	}
	return initnode.Plain(n), nil
}

func getNode(root initnode.Node, path string) (initnode.Node, error) {
	current := root
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		var next initnode.Node
		var ok bool
		switch n := current.(type) {
		case *initnode.Mapping:
			next, ok = n.Get(part)
		case *initnode.Init:
			if part == initnode.TargetKey {
				next, ok = &initnode.Scalar{Value: n.Target}, true
			} else {
				next, ok = n.Arg(part)
			}
		case *initnode.Sequence:
			i, err := strconv.Atoi(part)
			if err == nil && i >= 0 && i < len(n.Items) {
				next, ok = n.Items[i], true
			}
		default:
			return nil, fmt.Errorf("path %q breaks at %q (not a container)", path, part)
		}
		if !ok {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = next
	}
	return current, nil
}

// LedgerPath returns resources.ledger.path. ok is false when no ledger is
// configured; a configured but malformed entry is an error.
func (d *Document) LedgerPath() (path string, ok bool, err error) {
	if _, present := d.Resource(ResourceLedger); !present {
		return "", false, nil
	}
	v, err := d.GetValue(KeyResources + "." + ResourceLedger + ".path")
	if err != nil {
		return "", false, errs.Wrap(errs.ConfigSchema, err, "resources.%s", ResourceLedger)
	}
	s, isString := v.(string)
	if !isString || strings.TrimSpace(s) == "" {
		return "", false, errs.New(errs.ConfigSchema, "resources.%s.path must be a non-empty string", ResourceLedger)
	}
	return s, true, nil
}
