// Package pipeline builds composers from declarative definitions.
//
// A definition lists steps in execution order. Each step is exactly one of:
// an inline template, a prompt from the library, a retrieval, or a
// map-reduce over a sequence in the context.
//
//	name: brief
//	steps:
//	  - name: lookup
//	    retrieve: {query: "{{#user}}{{topic}}{{/user}}", k: 4}
//	  - name: summary
//	    prompt: summarize
//	    output: summary
package pipeline

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/teranos/loom/errors"
)

// Extensions recognised as pipeline definitions
var DefinitionExtensions = []string{".yaml", ".yml", ".toml"}

// Definition is a named sequence of steps
type Definition struct {
	Name        string    `mapstructure:"name"`
	Description string    `mapstructure:"description"`
	Steps       []StepDef `mapstructure:"steps"`

	// Path is the file the definition was read from
	Path string `mapstructure:"-"`
}

// StepDef describes one composer step
type StepDef struct {
	Name string `mapstructure:"name"`

	// Template is inline template source
	Template string `mapstructure:"template"`

	// Prompt names a library document; Version optionally constrains it ("^1.2")
	Prompt  string `mapstructure:"prompt"`
	Version string `mapstructure:"version"`

	// Output and Parser default to the prompt document's frontmatter
	Output string `mapstructure:"output"`
	Parser string `mapstructure:"parser"`

	Retrieve  *RetrieveDef  `mapstructure:"retrieve"`
	MapReduce *MapReduceDef `mapstructure:"map_reduce"`
}

// RetrieveDef binds the top K documents for a rendered query under "retrieved"
type RetrieveDef struct {
	Query string `mapstructure:"query"`
	K     int    `mapstructure:"k"`
}

// MapReduceDef runs Map once per element of Items, then Reduce over the outputs
type MapReduceDef struct {
	Items       string  `mapstructure:"items"`
	As          string  `mapstructure:"as"`
	Map         StepDef `mapstructure:"map"`
	Reduce      StepDef `mapstructure:"reduce"`
	Concurrency int     `mapstructure:"concurrency"`
}

// kind reports which of the mutually exclusive step forms s uses
func (s *StepDef) kind() (string, error) {
	var kinds []string
	if s.Template != "" {
		kinds = append(kinds, "template")
	}
	if s.Prompt != "" {
		kinds = append(kinds, "prompt")
	}
	if s.Retrieve != nil {
		kinds = append(kinds, "retrieve")
	}
	if s.MapReduce != nil {
		kinds = append(kinds, "map_reduce")
	}
	switch len(kinds) {
	case 1:
		return kinds[0], nil
	case 0:
		return "", errors.NewInvalidRequestError("step %q: one of template, prompt, retrieve or map_reduce is required", s.Name)
	}
	return "", errors.NewInvalidRequestError("step %q: %s are mutually exclusive", s.Name, strings.Join(kinds, " and "))
}

// Validate checks the definition's shape. Template syntax and dependencies
// are checked by Build.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.NewInvalidRequestError("pipeline name is required")
	}
	if len(d.Steps) == 0 {
		return errors.NewInvalidRequestError("pipeline %q has no steps", d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.Name == "" {
			return errors.NewInvalidRequestError("pipeline %q: step %d has no name", d.Name, i)
		}
		if seen[s.Name] {
			return errors.NewInvalidRequestError("pipeline %q: duplicate step name %q", d.Name, s.Name)
		}
		seen[s.Name] = true

		kind, err := s.kind()
		if err != nil {
			return errors.Wrapf(err, "pipeline %q", d.Name)
		}
		switch kind {
		case "retrieve":
			if s.Retrieve.K < 1 {
				return errors.NewInvalidRequestError("pipeline %q: step %q: retrieve.k must be at least 1", d.Name, s.Name)
			}
		case "map_reduce":
			mr := s.MapReduce
			if mr.Items == "" {
				return errors.NewInvalidRequestError("pipeline %q: step %q: map_reduce.items is required", d.Name, s.Name)
			}
			for _, sub := range []*StepDef{&mr.Map, &mr.Reduce} {
				k, err := sub.kind()
				if err != nil {
					return errors.Wrapf(err, "pipeline %q: step %q", d.Name, s.Name)
				}
				if k != "template" && k != "prompt" {
					return errors.NewInvalidRequestError("pipeline %q: step %q: map and reduce must be a template or prompt", d.Name, s.Name)
				}
			}
		}
	}
	return nil
}

// Parse decodes and validates a definition. format is "yaml" or "toml".
func Parse(data []byte, format string) (*Definition, error) {
	def, err := decode(data, format)
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func decode(data []byte, format string) (*Definition, error) {
	raw := make(map[string]any)
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "failed to parse pipeline YAML"), errors.ErrInvalidRequest)
		}
	case "toml":
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&raw); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "failed to parse pipeline TOML"), errors.ErrInvalidRequest)
		}
	default:
		return nil, errors.NewInvalidRequestError("unknown pipeline format %q", format)
	}

	var def Definition
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &def,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pipeline decoder")
	}
	if err := dec.Decode(raw); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid pipeline definition"), errors.ErrInvalidRequest)
	}
	return &def, nil
}

// LoadFile reads a definition, picking the format from the extension.
// A definition without a name takes the file's base name.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("pipeline file %s", path)
		}
		return nil, errors.Wrapf(err, "failed to read pipeline %s", path)
	}
	ext := filepath.Ext(path)
	def, err := decode(data, strings.TrimPrefix(ext, "."))
	if err != nil {
		return nil, errors.Wrapf(err, "pipeline %s", path)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), ext)
	}
	def.Path = path
	if err := def.Validate(); err != nil {
		return nil, errors.Wrapf(err, "pipeline %s", path)
	}
	return def, nil
}

// LoadDir reads every definition in dir, keyed by name
func LoadDir(dir string) (map[string]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("pipeline directory %s", dir)
		}
		return nil, errors.Wrapf(err, "failed to read pipeline directory %s", dir)
	}
	defs := make(map[string]*Definition)
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		def, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if prev, ok := defs[def.Name]; ok {
			return nil, errors.NewInvalidRequestError("pipeline %q defined in both %s and %s", def.Name, prev.Path, def.Path)
		}
		defs[def.Name] = def
	}
	return defs, nil
}

// Names returns the sorted keys of defs
func Names(defs map[string]*Definition) []string {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isDefinitionFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range DefinitionExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
