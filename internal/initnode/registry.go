package initnode

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mattjoyce/trainpipe/internal/errs"
)

// Param describes one constructor argument of a registered target.
type Param struct {
	Name     string
	Type     reflect.Type
	Required bool
}

// Spec is one registered target: a capability variant, its argument struct
// and the constructor that turns decoded arguments into a component.
type Spec struct {
	Target     string
	Capability string
	ArgsType   reflect.Type
	OutType    reflect.Type
	Params     []Param
	Enum       []string

	build func(r *Registry, args map[string]any) (any, error)
}

// Param returns the parameter named name.
func (s *Spec) Param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Registry maps target references to constructors, grouped by capability.
// It is safe for concurrent use once populated.
type Registry struct {
	mu           sync.RWMutex
	specs        map[string]*Spec
	byType       map[reflect.Type]string
	capabilities map[string]reflect.Type
	validate     *validator.Validate
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := fieldName(f)
		if name == "-" {
			return ""
		}
		return name
	})
	return &Registry{
		specs:        make(map[string]*Spec),
		byType:       make(map[reflect.Type]string),
		capabilities: make(map[string]reflect.Type),
		validate:     v,
	}
}

// Iface returns the reflect.Type of interface T.
func Iface[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// DefineCapability declares a capability: a named interface that registered
// targets implement and that args fields may ask for.
func (r *Registry) DefineCapability(name string, iface reflect.Type) error {
	if iface == nil || iface.Kind() != reflect.Interface {
		return fmt.Errorf("capability %s: %v is not an interface type", name, iface)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.capabilities[name]; exists {
		return fmt.Errorf("capability %s already defined", name)
	}
	r.capabilities[name] = iface
	return nil
}

// Capability returns the interface type registered under name.
func (r *Registry) Capability(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.capabilities[name]
	return t, ok
}

// Capabilities returns capability names, sorted.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.capabilities))
	for name := range r.capabilities {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Register adds target as a variant of capability. A is the argument struct:
// its yaml tags name the parameters, validate tags constrain them, and
// defaults supplies values for parameters the config omits. Interface-typed
// fields of defaults must be left nil. ctor builds the component.
func Register[A any, C any](r *Registry, target, capability string, defaults A, ctor func(A) (C, error)) error {
	if target == "" {
		return fmt.Errorf("register: empty target")
	}
	if ctor == nil {
		return fmt.Errorf("register %s: nil constructor", target)
	}

	argsType := reflect.TypeOf((*A)(nil)).Elem()
	if argsType.Kind() != reflect.Struct {
		return errs.New(errs.ConfigSchema, "register %s: arguments must be a struct, got %s", target, argsType)
	}
	params, err := paramsOf(argsType, reflect.ValueOf(defaults))
	if err != nil {
		return errs.Wrap(errs.ConfigSchema, err, "register %s", target)
	}

	outType := reflect.TypeOf((*C)(nil)).Elem()
	if capability != "" {
		iface, ok := r.Capability(capability)
		if !ok {
			return fmt.Errorf("register %s: unknown capability %s", target, capability)
		}
		if !outType.Implements(iface) {
			return errs.New(errs.ConfigSchema, "register %s: %s does not implement capability %s", target, outType, capability)
		}
	}

	spec := &Spec{
		Target:     target,
		Capability: capability,
		ArgsType:   argsType,
		OutType:    outType,
		Params:     params,
		build: func(r *Registry, args map[string]any) (any, error) {
			a := defaults
			if err := r.decode(target, args, &a); err != nil {
				return nil, err
			}
			obj, err := ctor(a)
			if err != nil {
				return nil, err
			}
			return obj, nil
		},
	}
	return r.add(spec)
}

// MustRegister is Register that panics on error. Intended for package level
// registration tables.
func MustRegister[A any, C any](r *Registry, target, capability string, defaults A, ctor func(A) (C, error)) {
	if err := Register(r, target, capability, defaults, ctor); err != nil {
		panic(err)
	}
}

// EnumArgs are the arguments of an enumeration selection node.
type EnumArgs struct {
	Value string `yaml:"value" validate:"required"`
}

// RegisterEnum adds an enumeration target: {_target_: target, value: v}
// realizes to the string v, which must be one of values.
func (r *Registry) RegisterEnum(target string, values ...string) error {
	if len(values) == 0 {
		return fmt.Errorf("register enum %s: no values", target)
	}
	allowed := slices.Clone(values)
	params, err := paramsOf(reflect.TypeOf(EnumArgs{}), reflect.ValueOf(EnumArgs{}))
	if err != nil {
		return err
	}
	spec := &Spec{
		Target:   target,
		ArgsType: reflect.TypeOf(EnumArgs{}),
		OutType:  reflect.TypeOf(""),
		Params:   params,
		Enum:     allowed,
		build: func(r *Registry, args map[string]any) (any, error) {
			var a EnumArgs
			if err := r.decode(target, args, &a); err != nil {
				return nil, err
			}
			if !slices.Contains(allowed, a.Value) {
				return nil, ArgError("value", fmt.Errorf("%q is not one of %s", a.Value, strings.Join(allowed, ", ")))
			}
			return a.Value, nil
		},
	}
	return r.add(spec)
}

func (r *Registry) add(spec *Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Target]; exists {
		return fmt.Errorf("target %s already registered", spec.Target)
	}
	r.specs[spec.Target] = spec
	if spec.Enum == nil && spec.OutType.Kind() != reflect.Interface {
		if _, taken := r.byType[spec.OutType]; !taken {
			r.byType[spec.OutType] = spec.Target
		}
	}
	return nil
}

// Lookup returns the spec registered for target.
func (r *Registry) Lookup(target string) (*Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[target]
	return s, ok
}

// Resolve is Lookup with a resolution error for unknown targets.
func (r *Registry) Resolve(target string) (*Spec, error) {
	s, ok := r.Lookup(target)
	if !ok {
		return nil, errs.New(errs.Resolution, "unknown target %q", target).WithDetail("target", target)
	}
	return s, nil
}

// TargetOf returns the target registered for the concrete type of obj.
func (r *Registry) TargetOf(obj any) (string, bool) {
	if obj == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byType[reflect.TypeOf(obj)]
	return t, ok
}

// Targets returns all targets, sorted.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.specs))
	for t := range r.specs {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// TargetsOf returns the targets of one capability, sorted.
func (r *Registry) TargetsOf(capability string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for t, s := range r.specs {
		if s.Capability == capability {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

var (
	durationType   = reflect.TypeOf(time.Duration(0))
	namedEntryType = reflect.TypeOf((*namedEntry)(nil)).Elem()
)

func paramsOf(t reflect.Type, defaults reflect.Value) ([]Param, error) {
	var params []Param
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := fieldName(f)
		if name == "-" {
			continue
		}
		if err := checkPermitted(f.Type, name, map[reflect.Type]bool{}); err != nil {
			return nil, err
		}
		required := hasTag(f.Tag.Get("validate"), "required")
		if required && defaults.IsValid() && !defaults.Field(i).IsZero() {
			required = false
		}
		params = append(params, Param{Name: name, Type: f.Type, Required: required})
	}
	return params, nil
}

// checkPermitted enforces the permitted config types: primitives, string
// enums, capability interfaces, and maps, slices, pointers and plain
// structs built from them.
func checkPermitted(t reflect.Type, field string, seen map[reflect.Type]bool) error {
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Interface:
		return nil
	case reflect.Slice, reflect.Array, reflect.Pointer:
		return checkPermitted(t.Elem(), field, seen)
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return fmt.Errorf("field %s: map key must be string, got %s", field, t.Key())
		}
		return checkPermitted(t.Elem(), field, seen)
	case reflect.Struct:
		if seen[t] {
			return nil
		}
		seen[t] = true
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() || fieldName(f) == "-" {
				continue
			}
			if err := checkPermitted(f.Type, field+"."+fieldName(f), seen); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("field %s: type %s is not a permitted config type", field, t)
	}
}

func fieldName(f reflect.StructField) string {
	tag := f.Tag.Get("yaml")
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return strings.ToLower(f.Name)
	}
	return name
}

func hasTag(tag, want string) bool {
	for _, part := range strings.Split(tag, ",") {
		if part == want {
			return true
		}
	}
	return false
}
