package record

import (
	"context"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/teranos/loom/errors"
)

// Text loads a file verbatim
type Text struct{}

// NewText creates a plain text loader
func NewText() *Text { return &Text{} }

// Load implements Loader
func (t *Text) Load(ctx context.Context, source string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, loadError(source, err)
	}
	data, err := readFile(source)
	if err != nil {
		return Record{}, loadError(source, err)
	}
	if !utf8.Valid(data) {
		return Record{}, loadError(source, errors.NewInvalidRequestError("not valid UTF-8 text"))
	}
	return New(strings.TrimSpace(string(data)), map[string]any{
		MetaSource: source,
		MetaFormat: "text",
		MetaTitle:  strings.TrimSuffix(filepath.Base(source), filepath.Ext(source)),
	}), nil
}
