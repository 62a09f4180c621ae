package initnode

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/trainpipe/internal/errs"
)

// Validate checks n against the registry without building anything: every
// target resolves, argument names are known and required ones present, init
// nodes produce what their slot expects, and leaves have compatible types.
// want is the type of the slot holding n; nil accepts anything.
func (r *Registry) Validate(n Node, want reflect.Type) error {
	return r.check(n, want, "$", nil)
}

// ValidateArgs checks a mapping of arguments against an args struct type.
func (r *Registry) ValidateArgs(m *Mapping, argsType reflect.Type) error {
	if m == nil {
		return nil
	}
	return r.check(m, argsType, "$", nil)
}

func (r *Registry) check(n Node, want reflect.Type, path string, stack []Node) error {
	if n == nil {
		return nil
	}
	for _, seen := range stack {
		if seen == n {
			return cycleError(path, stack, n)
		}
	}
	for want != nil && want.Kind() == reflect.Pointer {
		want = want.Elem()
	}

	switch x := n.(type) {
	case *Init:
		spec, err := r.Resolve(x.Target)
		if err != nil {
			return withPath(err, path)
		}
		if err := checkArgNames(spec, x); err != nil {
			return withPath(err, path)
		}
		if !isAny(want) && !produces(spec, want) {
			return schemaError(path, "target %s produces %s, slot expects %s", x.Target, spec.OutType, want)
		}
		stack = append(stack, x)
		for _, e := range x.Args {
			p, _ := spec.Param(e.Key)
			if err := r.check(e.Value, p.Type, path+"."+e.Key, stack); err != nil {
				return err
			}
		}
		return nil

	case *Mapping:
		stack = append(stack, x)
		if isAny(want) {
			for _, e := range x.Entries {
				if err := r.check(e.Value, nil, path+"."+e.Key, stack); err != nil {
					return err
				}
			}
			return nil
		}
		switch want.Kind() {
		case reflect.Struct:
			for _, e := range x.Entries {
				f, ok := fieldByName(want, e.Key)
				if !ok {
					return errs.New(errs.Arity, "unknown field %q at %s", e.Key, path).WithDetail("path", path)
				}
				if err := r.check(e.Value, f.Type, path+"."+e.Key, stack); err != nil {
					return err
				}
			}
			return checkRequired(x, want, path)
		case reflect.Map:
			for _, e := range x.Entries {
				if err := r.check(e.Value, want.Elem(), path+"."+e.Key, stack); err != nil {
					return err
				}
			}
			return nil
		case reflect.Slice:
			if want.Elem().Implements(namedEntryType) {
				valueField, _ := want.Elem().FieldByName("Value")
				for _, e := range x.Entries {
					if err := r.check(e.Value, valueField.Type, path+"."+e.Key, stack); err != nil {
						return err
					}
				}
				return nil
			}
		}
		return schemaError(path, "mapping where %s is expected", want)

	case *Sequence:
		stack = append(stack, x)
		var elem reflect.Type
		if !isAny(want) {
			if want.Kind() != reflect.Slice && want.Kind() != reflect.Array {
				return schemaError(path, "sequence where %s is expected", want)
			}
			elem = want.Elem()
		}
		for i, item := range x.Items {
			if err := r.check(item, elem, fmt.Sprintf("%s[%d]", path, i), stack); err != nil {
				return err
			}
		}
		return nil

	case *Scalar:
		return checkScalar(x.Value, want, path)

	default:
		return fmt.Errorf("unknown node type %T at %s", n, path)
	}
}

func isAny(t reflect.Type) bool {
	return t == nil || (t.Kind() == reflect.Interface && t.NumMethod() == 0)
}

func produces(spec *Spec, want reflect.Type) bool {
	out := spec.OutType
	switch {
	case want.Kind() == reflect.Interface:
		return out.Implements(want)
	case spec.Enum != nil:
		return want.Kind() == reflect.String
	case out.AssignableTo(want):
		return true
	case out.Kind() == reflect.Pointer:
		return out.Elem().AssignableTo(want)
	}
	return false
}

// checkRequired reports the first field tagged validate:"required" that m
// does not set.
func checkRequired(m *Mapping, t reflect.Type, path string) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		rule, _, _ := strings.Cut(f.Tag.Get("validate"), ",")
		if rule != "required" {
			continue
		}
		name := fieldName(f)
		if _, ok := m.Get(name); !ok {
			return errs.New(errs.Arity, "missing required field %q at %s", name, path).WithDetail("path", path)
		}
	}
	return nil
}

func fieldByName(t reflect.Type, name string) (reflect.StructField, bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.IsExported() && fieldName(f) == name {
			return f, true
		}
	}
	return reflect.StructField{}, false
}

func checkScalar(v any, want reflect.Type, path string) error {
	if v == nil || isAny(want) {
		return nil
	}
	kind := want.Kind()
	switch x := v.(type) {
	case bool:
		if kind == reflect.Bool || kind == reflect.String {
			return nil
		}
	case int:
		if isNumeric(kind) || kind == reflect.String {
			return nil
		}
	case float64:
		if isNumeric(kind) || kind == reflect.String {
			return nil
		}
	case string:
		switch {
		case want == durationType:
			if _, err := time.ParseDuration(x); err != nil {
				return schemaError(path, "invalid duration %q", x)
			}
			return nil
		case kind == reflect.String:
			return nil
		case kind == reflect.Bool:
			if _, err := strconv.ParseBool(x); err == nil {
				return nil
			}
		case isNumeric(kind):
			if _, err := strconv.ParseFloat(x, 64); err == nil {
				return nil
			}
		}
	}
	if kind == reflect.Interface {
		return schemaError(path, "%v where an init node for %s is expected", v, want)
	}
	return schemaError(path, "%T value %v where %s is expected", v, v, want)
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func schemaError(path, format string, args ...any) error {
	return errs.New(errs.ConfigSchema, "%s: %s", path, fmt.Sprintf(format, args...)).WithDetail("path", path)
}
