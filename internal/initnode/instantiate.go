package initnode

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"

	"github.com/mattjoyce/trainpipe/internal/errs"
)

// argError attributes a constructor failure to one argument.
type argError struct {
	arg string
	err error
}

// ArgError marks err as caused by argument arg. Constructors return it so
// initialization failures name the offending argument.
func ArgError(arg string, err error) error {
	return &argError{arg: arg, err: err}
}

func (e *argError) Error() string { return e.arg + ": " + e.err.Error() }
func (e *argError) Unwrap() error { return e.err }

// Instantiate realizes n depth-first, left to right. Nested init nodes are
// built before the constructor of the node holding them; each reference to
// a shared sub-node is realized separately.
func (r *Registry) Instantiate(ctx context.Context, n Node) (any, error) {
	return r.realize(ctx, n, "$", nil)
}

// InstantiateAs realizes n and asserts the result type.
func InstantiateAs[T any](ctx context.Context, r *Registry, n Node) (T, error) {
	var zero T
	v, err := r.Instantiate(ctx, n)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	out, ok := v.(T)
	if !ok {
		return zero, errs.New(errs.ConfigSchema, "realized %T, want %s", v, Iface[T]())
	}
	return out, nil
}

func (r *Registry) realize(ctx context.Context, n Node, path string, stack []Node) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n == nil {
		return nil, nil
	}
	for _, seen := range stack {
		if seen == n {
			return nil, cycleError(path, stack, n)
		}
	}

	switch x := n.(type) {
	case *Scalar:
		return x.Value, nil

	case *Sequence:
		stack = append(stack, x)
		out := make([]any, 0, len(x.Items))
		for i, item := range x.Items {
			v, err := r.realize(ctx, item, fmt.Sprintf("%s[%d]", path, i), stack)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case *Mapping:
		stack = append(stack, x)
		out := newOrdered(len(x.Entries))
		for _, e := range x.Entries {
			v, err := r.realize(ctx, e.Value, path+"."+e.Key, stack)
			if err != nil {
				return nil, err
			}
			out.set(e.Key, v)
		}
		return out, nil

	case *Init:
		spec, err := r.Resolve(x.Target)
		if err != nil {
			return nil, withPath(err, path)
		}
		if err := checkArgNames(spec, x); err != nil {
			return nil, withPath(err, path)
		}
		stack = append(stack, x)
		args := make(map[string]any, len(x.Args))
		for _, e := range x.Args {
			v, err := r.realize(ctx, e.Value, path+"."+e.Key, stack)
			if err != nil {
				return nil, err
			}
			args[e.Key] = v
		}
		obj, err := spec.build(r, args)
		if err != nil {
			return nil, withPath(classifyBuildError(x.Target, err), path)
		}
		return obj, nil

	default:
		return nil, fmt.Errorf("unknown node type %T at %s", n, path)
	}
}

func checkArgNames(spec *Spec, n *Init) error {
	for _, e := range n.Args {
		if _, ok := spec.Param(e.Key); !ok {
			return errs.New(errs.Arity, "%s: unknown parameter %q", spec.Target, e.Key).
				WithDetail("target", spec.Target).WithDetail("argument", e.Key)
		}
	}
	for _, p := range spec.Params {
		if !p.Required {
			continue
		}
		if _, ok := n.Arg(p.Name); !ok {
			return errs.New(errs.Arity, "%s: missing required parameter %q", spec.Target, p.Name).
				WithDetail("target", spec.Target).WithDetail("argument", p.Name)
		}
	}
	return nil
}

func cycleError(path string, stack []Node, n Node) error {
	var chain []string
	for _, s := range stack {
		if in, ok := s.(*Init); ok {
			chain = append(chain, in.Target)
		}
	}
	if in, ok := n.(*Init); ok {
		chain = append(chain, in.Target)
	}
	return errs.New(errs.Cycle, "config graph revisits a node at %s", path).
		WithDetail("path", path).WithDetail("chain", strings.Join(chain, " -> "))
}

func withPath(err error, path string) error {
	var e *errs.Error
	if errors.As(err, &e) {
		if _, ok := e.Details["path"]; !ok {
			e.WithDetail("path", path)
		}
	}
	return err
}

// classifyBuildError keeps decode and validation failures as they are and
// turns everything else into an initialization failure.
func classifyBuildError(target string, err error) error {
	var e *errs.Error
	if errors.As(err, &e) && (e.Kind == errs.Arity || e.Kind == errs.ConfigSchema) {
		return err
	}
	out := errs.Wrap(errs.Initialization, err, "initialize %s", target).WithDetail("target", target)
	var ae *argError
	if errors.As(err, &ae) {
		out.WithDetail("argument", ae.arg)
	}
	return out
}

// decode fills out (a pointer to an args struct) from realized arguments and
// validates it.
func (r *Registry) decode(target string, args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		ZeroFields:       true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			orderedHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return fmt.Errorf("decoder for %s: %w", target, err)
	}
	if err := dec.Decode(args); err != nil {
		kind := errs.ConfigSchema
		if strings.Contains(err.Error(), "invalid keys") {
			kind = errs.Arity
		}
		return errs.Wrap(kind, err, "decode arguments of %s", target).WithDetail("target", target)
	}
	return r.validateArgs(target, out)
}

func (r *Registry) validateArgs(target string, out any) error {
	err := r.validate.Struct(out)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errs.Wrap(errs.ConfigSchema, err, "validate arguments of %s", target)
	}
	fe := verrs[0]
	if fe.Tag() == "required" {
		return errs.New(errs.Arity, "%s: missing required parameter %q", target, fe.Field()).
			WithDetail("target", target).WithDetail("argument", fe.Field())
	}
	return errs.New(errs.ConfigSchema, "%s: parameter %q fails %q (got %v)", target, fe.Field(), fe.ActualTag(), fe.Value()).
		WithDetail("target", target).WithDetail("argument", fe.Field())
}

// orderedHook turns realized mappings into what the destination expects:
// key/value entries for Named fields, plain maps otherwise.
func orderedHook(from, to reflect.Value) (any, error) {
	if !from.IsValid() {
		return nil, nil
	}
	if to.IsValid() && to.Kind() == reflect.Interface && to.Type().NumMethod() == 0 {
		return plainValue(from.Interface()), nil
	}
	om, ok := from.Interface().(*Ordered)
	if !ok {
		return from.Interface(), nil
	}
	if to.IsValid() && to.Kind() == reflect.Slice && to.Type().Elem().Implements(namedEntryType) {
		entries := make([]map[string]any, 0, len(om.Keys))
		for _, k := range om.Keys {
			entries = append(entries, map[string]any{"key": k, "value": om.Values[k]})
		}
		return entries, nil
	}
	out := make(map[string]any, len(om.Values))
	for k, v := range om.Values {
		out[k] = v
	}
	return out, nil
}

// DecodeArgs realizes a mapping of arguments and decodes it into out, a
// pointer to an args struct. Used for stage parameters, which are not
// registry targets.
func (r *Registry) DecodeArgs(ctx context.Context, m *Mapping, out any) error {
	args := make(map[string]any)
	if m != nil {
		for _, e := range m.Entries {
			v, err := r.realize(ctx, e.Value, "$."+e.Key, nil)
			if err != nil {
				return err
			}
			args[e.Key] = v
		}
	}
	return r.decode(fmt.Sprintf("%T", out), args, out)
}
