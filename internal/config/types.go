// Package config loads pipeline documents: YAML with ops, resources and
// globals blocks, interpolated and parsed into init-node trees.
package config

import (
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/trainpipe/internal/initnode"
)

// Top-level document keys.
const (
	KeyOps       = "ops"
	KeyResources = "resources"

	// ResourceLedger configures the run ledger: resources.ledger.path.
	ResourceLedger = "ledger"
)

// Document is a loaded, interpolated pipeline configuration. It is not
// modified after Load returns.
type Document struct {
	// Path is the file the document was read from, if any.
	Path string
	// Source is the interpolated YAML, globals removed.
	Source *yaml.Node
	// Ops maps stage name to that stage's parameters, in document order.
	Ops *initnode.Mapping
	// Resources is opaque to the loader.
	Resources *initnode.Mapping

	UnusedGlobals []string
}

// Stage returns the parameters configured for stage name.
func (d *Document) Stage(name string) (*initnode.Mapping, bool) {
	n, ok := d.Ops.Get(name)
	if !ok {
		return nil, false
	}
	m, ok := n.(*initnode.Mapping)
	return m, ok
}

// StageNames returns the configured stage names in document order.
func (d *Document) StageNames() []string {
	return d.Ops.Keys()
}

// Resource returns a resources entry.
func (d *Document) Resource(name string) (initnode.Node, bool) {
	return d.Resources.Get(name)
}

// ChecksumManifest is the .checksums file format.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// IntegrityResult collects checksum verification findings.
type IntegrityResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
}
