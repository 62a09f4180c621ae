package interp

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
)

// Env is an immutable snapshot of environment variables. Interpolation reads
// only from the snapshot it is given, never from the live process.
type Env struct {
	vals map[string]string
}

// FromOS snapshots the process environment.
func FromOS() Env {
	vals := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			vals[k] = v
		}
	}
	return Env{vals: vals}
}

// FromMap builds a snapshot from m.
func FromMap(m map[string]string) Env {
	return Env{vals: maps.Clone(m)}
}

// WithDotEnv returns a snapshot extended with the variables of a .env file.
// Variables already present in e win.
func (e Env) WithDotEnv(path string) (Env, error) {
	fileVals, err := godotenv.Read(path)
	if err != nil {
		return e, fmt.Errorf("read env file %s: %w", path, err)
	}
	merged := make(map[string]string, len(fileVals)+len(e.vals))
	maps.Copy(merged, fileVals)
	maps.Copy(merged, e.vals)
	return Env{vals: merged}, nil
}

// With returns a copy of e with name set to value.
func (e Env) With(name, value string) Env {
	vals := maps.Clone(e.vals)
	if vals == nil {
		vals = make(map[string]string)
	}
	vals[name] = value
	return Env{vals: vals}
}

// Lookup returns the value of name and whether it is set.
func (e Env) Lookup(name string) (string, bool) {
	v, ok := e.vals[name]
	return v, ok
}

// Get returns the value of name, or "" when unset.
func (e Env) Get(name string) string {
	return e.vals[name]
}

// Names returns the variable names, sorted.
func (e Env) Names() []string {
	return slices.Sorted(maps.Keys(e.vals))
}
