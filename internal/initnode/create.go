package initnode

import (
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/mattjoyce/trainpipe/internal/errs"
)

// Configurable components report the arguments they were built from, so a
// live instance can be turned back into an init node.
type Configurable interface {
	InitArgs() any
}

// KV is one keyword argument of Create.
type KV struct {
	Key   string
	Value any
}

// Create builds an init node for target from keyword arguments. Values may
// be primitives, slices, maps, structs, nodes, or live components; each is
// converted with ParseValue.
func (r *Registry) Create(target string, kwargs ...KV) (*Init, error) {
	if _, err := r.Resolve(target); err != nil {
		return nil, err
	}
	n := &Init{Target: target}
	for _, kv := range kwargs {
		v, err := r.ParseValue(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", target, kv.Key, err)
		}
		n.SetArg(kv.Key, v)
	}
	return n, nil
}

// CreateInitConfig snapshots a live component as an init node targeting its
// concrete type. Configurable components supply their own argument struct;
// otherwise the exported fields of obj are used.
func (r *Registry) CreateInitConfig(obj any) (*Init, error) {
	target, ok := r.TargetOf(obj)
	if !ok {
		return nil, errs.New(errs.Resolution, "no target registered for %T", obj)
	}
	spec, _ := r.Lookup(target)

	var args any = obj
	if c, ok := obj.(Configurable); ok {
		args = c.InitArgs()
	}
	rv := reflect.Indirect(reflect.ValueOf(args))
	if rv.Kind() != reflect.Struct {
		return nil, errs.New(errs.ConfigSchema, "arguments of %s must be a struct, got %T", target, args)
	}

	n := &Init{Target: target}
	for i := 0; i < rv.NumField(); i++ {
		f := rv.Type().Field(i)
		if !f.IsExported() || fieldName(f) == "-" {
			continue
		}
		name := fieldName(f)
		if _, known := spec.Param(name); !known {
			continue
		}
		fv := rv.Field(i)
		if isNilValue(fv) {
			continue
		}
		v, err := r.parseValue(fv, map[uintptr]bool{})
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", target, name, err)
		}
		n.SetArg(name, v)
	}
	return n, nil
}

// ParseValue converts a Go value into a config node.
func (r *Registry) ParseValue(v any) (Node, error) {
	if v == nil {
		return &Scalar{}, nil
	}
	return r.parseValue(reflect.ValueOf(v), map[uintptr]bool{})
}

func (r *Registry) parseValue(v reflect.Value, seen map[uintptr]bool) (Node, error) {
	if !v.IsValid() {
		return &Scalar{}, nil
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return &Scalar{}, nil
		}
		v = v.Elem()
	}
	if v.CanInterface() {
		switch x := v.Interface().(type) {
		case Node:
			return x, nil
		case time.Duration:
			return &Scalar{Value: x.String()}, nil
		}
		if _, ok := r.TargetOf(v.Interface()); ok {
			if v.Kind() == reflect.Pointer {
				if v.IsNil() {
					return &Scalar{}, nil
				}
				if seen[v.Pointer()] {
					return nil, errs.New(errs.Cycle, "component %s refers back to itself", v.Type())
				}
				seen[v.Pointer()] = true
				defer delete(seen, v.Pointer())
			}
			return r.CreateInitConfig(v.Interface())
		}
	}

	switch v.Kind() {
	case reflect.Bool:
		return &Scalar{Value: v.Bool()}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return &Scalar{Value: int(v.Int())}, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &Scalar{Value: int(v.Uint())}, nil
	case reflect.Float32, reflect.Float64:
		return &Scalar{Value: v.Float()}, nil
	case reflect.String:
		return &Scalar{Value: v.String()}, nil

	case reflect.Pointer:
		if v.IsNil() {
			return &Scalar{}, nil
		}
		return r.parseValue(v.Elem(), seen)

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return &Scalar{}, nil
		}
		if v.Type().Elem().Implements(namedEntryType) {
			m := &Mapping{}
			for i := 0; i < v.Len(); i++ {
				key, val := v.Index(i).Interface().(namedEntry).namedPair()
				child, err := r.parseValue(reflect.ValueOf(val), seen)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", key, err)
				}
				m.Set(key, child)
			}
			return m, nil
		}
		seq := &Sequence{Items: make([]Node, 0, v.Len())}
		for i := 0; i < v.Len(); i++ {
			child, err := r.parseValue(v.Index(i), seen)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			seq.Items = append(seq.Items, child)
		}
		return seq, nil

	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, errs.New(errs.ConfigSchema, "map key must be string, got %s", v.Type().Key())
		}
		if v.IsNil() {
			return &Scalar{}, nil
		}
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, k.String())
		}
		slices.Sort(keys)
		m := &Mapping{}
		for _, k := range keys {
			child, err := r.parseValue(v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key())), seen)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			m.Set(k, child)
		}
		return m, nil

	case reflect.Struct:
		m := &Mapping{}
		for i := 0; i < v.NumField(); i++ {
			f := v.Type().Field(i)
			if !f.IsExported() || fieldName(f) == "-" {
				continue
			}
			child, err := r.parseValue(v.Field(i), seen)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", fieldName(f), err)
			}
			m.Set(fieldName(f), child)
		}
		return m, nil
	}
	return nil, errs.New(errs.ConfigSchema, "value of type %s cannot be expressed in config", v.Type())
}

func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice:
		return v.IsNil()
	}
	return false
}
