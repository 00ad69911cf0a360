package prompt

import (
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/teranos/loom/errors"
)

// Document is a prompt file: YAML frontmatter plus a template body
type Document struct {
	Metadata Metadata
	Body     string
	Template *Template
	// Path is the file the document was loaded from, empty when parsed from memory
	Path string
}

// Metadata holds configuration from YAML frontmatter
type Metadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Version is a semantic version; the library serves the highest one per name
	Version string `yaml:"version"`

	// Model overrides the configured default, e.g. "anthropic/claude-sonnet-4"
	Model string `yaml:"model,omitempty"`

	// Temperature controls randomness (0.0-2.0, provider-dependent)
	Temperature *float64 `yaml:"temperature,omitempty"`

	MaxTokens *int `yaml:"max_tokens,omitempty"`

	// Output is the context key the chain result is bound under
	Output string `yaml:"output,omitempty"`

	// Parser selects the output parser: "text" (default) or "json"
	Parser string `yaml:"parser,omitempty"`
}

const frontmatterDelim = "---"

// ParseDocument splits optional YAML frontmatter from the body and parses the body as a template.
//
//	---
//	name: capital
//	version: 1.2.0
//	output: capital
//	---
//	{{#user}}Capital of {{country}}?{{/user}}
func ParseDocument(content string) (*Document, error) {
	front, body, hasFront := splitFrontmatter(content)

	var meta Metadata
	if hasFront && strings.TrimSpace(front) != "" {
		if err := yaml.Unmarshal([]byte(front), &meta); err != nil {
			return nil, errors.Wrap(err, "failed to parse frontmatter YAML")
		}
	}
	if err := meta.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid frontmatter")
	}

	tmpl, err := Parse(body)
	if err != nil {
		return nil, err
	}

	return &Document{Metadata: meta, Body: body, Template: tmpl}, nil
}

// splitFrontmatter only treats a leading "---" line as frontmatter, so a body
// may contain horizontal rules.
func splitFrontmatter(content string) (front, body string, ok bool) {
	trimmed := strings.TrimLeft(content, " \t\r\n")
	if !strings.HasPrefix(trimmed, frontmatterDelim+"\n") && !strings.HasPrefix(trimmed, frontmatterDelim+"\r\n") {
		return "", content, false
	}
	rest := trimmed[strings.IndexByte(trimmed, '\n')+1:]

	for offset := 0; offset < len(rest); {
		nl := strings.IndexByte(rest[offset:], '\n')
		line := rest[offset:]
		next := len(rest)
		if nl >= 0 {
			line = rest[offset : offset+nl]
			next = offset + nl + 1
		}
		if strings.TrimRight(line, "\r") == frontmatterDelim {
			return rest[:offset], strings.TrimSpace(rest[next:]), true
		}
		offset = next
	}
	return "", content, false
}

func (m *Metadata) validate() error {
	if m.Version != "" {
		if _, err := semver.NewVersion(m.Version); err != nil {
			return errors.Wrapf(err, "version %q is not a semantic version", m.Version)
		}
	}
	if m.Temperature != nil && (*m.Temperature < 0.0 || *m.Temperature > 2.0) {
		return errors.Newf("temperature must be between 0.0 and 2.0, got %f", *m.Temperature)
	}
	if m.MaxTokens != nil && *m.MaxTokens < 1 {
		return errors.Newf("max_tokens must be positive, got %d", *m.MaxTokens)
	}
	if m.Output != "" && !IsIdentifier(m.Output) {
		return errors.Newf("output %q must be an identifier", m.Output)
	}
	switch m.Parser {
	case "", "text", "json":
	default:
		return errors.Newf("parser must be text or json, got %q", m.Parser)
	}
	return nil
}

// SemVer returns the parsed version, or 0.0.0 when unversioned
func (d *Document) SemVer() *semver.Version {
	if d.Metadata.Version != "" {
		if v, err := semver.NewVersion(d.Metadata.Version); err == nil {
			return v
		}
	}
	return semver.MustParse("0.0.0")
}

// GetModel returns the model specified in metadata, or fallback if not set
func (d *Document) GetModel(fallback string) string {
	if d.Metadata.Model != "" {
		return d.Metadata.Model
	}
	return fallback
}

// GetTemperature returns the temperature specified in metadata, or fallback if not set
func (d *Document) GetTemperature(fallback float64) float64 {
	if d.Metadata.Temperature != nil {
		return *d.Metadata.Temperature
	}
	return fallback
}

// GetMaxTokens returns the max tokens specified in metadata, or fallback if not set
func (d *Document) GetMaxTokens(fallback int) int {
	if d.Metadata.MaxTokens != nil {
		return *d.Metadata.MaxTokens
	}
	return fallback
}
