package pipeline

import (
	"os"
	"path/filepath"
	"strings"

	hjson "github.com/hjson/hjson-go/v4"

	"github.com/teranos/loom/errors"
	"github.com/teranos/loom/prompt"
)

// ParseContext builds a root context from a JSON or Hjson object.
// JSON keeps its key order; Hjson keys are bound in sorted order.
func ParseContext(data []byte, format string) (*prompt.Context, error) {
	switch strings.ToLower(format) {
	case "json":
		return prompt.ParseJSON(data)
	case "hjson":
		var m map[string]any
		if err := hjson.Unmarshal(data, &m); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "failed to parse context Hjson"), errors.ErrInvalidRequest)
		}
		return prompt.NewContextFrom(m)
	}
	return nil, errors.NewInvalidRequestError("unknown context format %q", format)
}

// LoadContext reads a context file, picking the format from the extension.
// Files without a recognised extension are tried as JSON, then Hjson.
func LoadContext(path string) (*prompt.Context, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("context file %s", path)
		}
		return nil, errors.Wrapf(err, "failed to read context %s", path)
	}
	switch ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")); ext {
	case "json", "hjson":
		pctx, err := ParseContext(data, ext)
		return pctx, errors.Wrapf(err, "context %s", path)
	}
	if pctx, err := ParseContext(data, "json"); err == nil {
		return pctx, nil
	}
	pctx, err := ParseContext(data, "hjson")
	return pctx, errors.Wrapf(err, "context %s", path)
}
