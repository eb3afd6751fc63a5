// Package definition loads tenant pipeline definitions from YAML, validates
// them, and serves them from a registry swapped atomically on reload.
package definition

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/pipeline/model"
)

// Loader scans directories for YAML pipeline definitions.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a PipelineDefinition.
func (l *Loader) LoadAll(directories []string) ([]model.PipelineDefinition, error) {
	var defs []model.PipelineDefinition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isYAML(path) {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile parses a single definition file and records its SHA-256 checksum
// and source path.
func (l *Loader) LoadFile(path string) (model.PipelineDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.PipelineDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	def, err := Parse(data)
	if err != nil {
		return model.PipelineDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	def.SourceFile = path
	return def, nil
}

// Parse decodes one definition document. Unknown keys are rejected so a
// misspelt wip_limit does not silently become "unlimited".
func Parse(data []byte) (model.PipelineDefinition, error) {
	var def model.PipelineDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return model.PipelineDefinition{}, err
	}
	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return def, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
