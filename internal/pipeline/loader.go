package pipeline

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/trainpipe/internal/errs"
)

// Pipeline names.
const (
	Train          = "train"
	Eval           = "eval"
	DataGeneration = "data_generation"
)

//go:embed pipelines.yaml
var builtinPipelines []byte

// Builtin compiles the fixed pipelines shipped with the binary.
func Builtin() (*Set, error) {
	fileSpec, err := Parse(builtinPipelines)
	if err != nil {
		return nil, fmt.Errorf("builtin pipelines: %w", err)
	}
	return CompileSpecs(fileSpec.Pipelines)
}

// LoadFile parses one pipeline YAML file.
func LoadFile(path string) (*FileSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file %q: %w", path, err)
	}
	fileSpec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline file %q: %w", path, err)
	}
	return fileSpec, nil
}

// Parse decodes pipeline definitions.
func Parse(data []byte) (*FileSpec, error) {
	var fileSpec FileSpec
	if err := yaml.Unmarshal(data, &fileSpec); err != nil {
		return nil, errs.Wrap(errs.ConfigSchema, err, "parse pipelines")
	}
	for i, p := range fileSpec.Pipelines {
		fileSpec.Pipelines[i].Name = strings.TrimSpace(p.Name)
	}
	return &fileSpec, nil
}
