package chain

import (
	"bytes"
	"encoding/json"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"

	"github.com/teranos/loom/ai"
	"github.com/teranos/loom/errors"
)

// Parser names accepted by ParserByName
const (
	ParserText = "text"
	ParserJSON = "json"
)

// Parser turns a completion into the value a chain binds under its output key.
// Failures are reported as a malformed *ai.BackendError.
type Parser interface {
	Parse(c *ai.Completion) (any, error)
}

// ParserFunc adapts a function to Parser
type ParserFunc func(c *ai.Completion) (any, error)

// Parse calls f
func (f ParserFunc) Parse(c *ai.Completion) (any, error) { return f(c) }

// TextParser returns the completion content with surrounding whitespace trimmed
type TextParser struct{}

// Parse implements Parser
func (TextParser) Parse(c *ai.Completion) (any, error) {
	return strings.TrimSpace(c.Content), nil
}

// JSONParser decodes the completion as JSON. Models wrap JSON in code fences,
// add trailing commas and forget closing braces; the content goes through
// json-repair before decoding.
type JSONParser struct{}

// Parse implements Parser
func (JSONParser) Parse(c *ai.Completion) (any, error) {
	raw := stripFences(c.Content)
	if raw == "" {
		return nil, malformed(c, errors.New("empty response, expected JSON"))
	}

	v, err := decodeJSON(raw)
	if err == nil {
		return v, nil
	}

	repaired, repairErr := jsonrepair.RepairJSON(raw)
	if repairErr != nil {
		return nil, malformed(c, errors.WithSecondaryError(errors.Wrap(err, "response is not JSON"), repairErr))
	}
	v, err = decodeJSON(repaired)
	if err != nil {
		return nil, malformed(c, errors.Wrap(err, "repaired response is not JSON"))
	}
	return v, nil
}

// ParserByName returns the parser for name; "" means text
func ParserByName(name string) (Parser, error) {
	switch strings.ToLower(name) {
	case "", ParserText:
		return TextParser{}, nil
	case ParserJSON:
		return JSONParser{}, nil
	}
	return nil, errors.WithHint(
		errors.NewInvalidRequestError("unknown parser %q", name),
		"use text or json",
	)
}

func decodeJSON(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

// stripFences removes a surrounding ```json ... ``` block
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func malformed(c *ai.Completion, err error) error {
	return &ai.BackendError{
		Provider: c.Provider,
		Kind:     ai.KindMalformed,
		// the same prompt may well produce parseable output next time
		Retriable: true,
		Err:       err,
	}
}
