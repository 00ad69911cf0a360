package prompt

import (
	"strings"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

type markerKind int

const (
	markerVariable markerKind = iota
	markerOpen
	markerClose
)

type marker struct {
	kind  markerKind
	name  string // block name for open/close markers
	path  Path   // variable path, or the sequence path of {{#each}}
	alias string
	pos   int
}

type openBlock struct {
	name string
	pos  int
}

// parser is a recursive-descent parser over block markers. open mirrors the
// recursion so errors can name the innermost enclosing block.
type parser struct {
	src  string
	pos  int
	open []openBlock
}

// Parse parses a template source.
//
// Three lexical forms are recognised: literal text, variable markers
// {{path}} and block markers {{#name}} ... {{/name}}. Whitespace inside a
// marker is ignored. There is no escape for a literal "{{".
func Parse(source string) (*Template, error) {
	p := &parser{src: source}
	segs, closing, err := p.parseSegments()
	if err != nil {
		return nil, err
	}
	if closing != nil {
		return nil, &ParseError{Role: closing.name, Offset: closing.pos, Reason: "unexpected close of block"}
	}
	return &Template{source: source, segments: segs}, nil
}

// MustParse is like Parse but panics on error. For templates known at compile time.
func MustParse(source string) *Template {
	t, err := Parse(source)
	if err != nil {
		panic(err)
	}
	return t
}

// parseSegments consumes segments until end of input or a close marker,
// which is returned to the caller for matching.
func (p *parser) parseSegments() ([]Segment, *marker, error) {
	var segs []Segment
	for p.pos < len(p.src) {
		rel := strings.Index(p.src[p.pos:], openDelim)
		if rel < 0 {
			segs = append(segs, &Literal{Text: p.src[p.pos:], Pos: p.pos})
			p.pos = len(p.src)
			break
		}
		if rel > 0 {
			segs = append(segs, &Literal{Text: p.src[p.pos : p.pos+rel], Pos: p.pos})
		}

		m, err := p.readMarker(p.pos + rel)
		if err != nil {
			return nil, nil, err
		}

		switch m.kind {
		case markerClose:
			return segs, m, nil
		case markerVariable:
			segs = append(segs, &Variable{Path: m.path, Pos: m.pos})
		case markerOpen:
			seg, err := p.parseBlock(m)
			if err != nil {
				return nil, nil, err
			}
			segs = append(segs, seg)
		}
	}
	return segs, nil, nil
}

func (p *parser) parseBlock(m *marker) (Segment, error) {
	p.open = append(p.open, openBlock{name: m.name, pos: m.pos})
	children, closing, err := p.parseSegments()
	if err != nil {
		return nil, err
	}
	if closing == nil {
		return nil, &ParseError{Role: m.name, Offset: m.pos, Reason: "unclosed block"}
	}
	if closing.name != m.name {
		return nil, &ParseError{Role: closing.name, Offset: closing.pos, Expected: m.name, Reason: "mismatched close"}
	}
	p.open = p.open[:len(p.open)-1]

	if m.name == BlockEach {
		return &Each{Path: m.path, Alias: m.alias, Children: children, Pos: m.pos}, nil
	}
	return &Block{Name: m.name, Children: children, Pos: m.pos}, nil
}

// readMarker reads the marker starting at start and advances past it
func (p *parser) readMarker(start int) (*marker, error) {
	bodyStart := start + len(openDelim)
	rel := strings.Index(p.src[bodyStart:], closeDelim)
	if rel < 0 {
		return nil, &ParseError{Role: p.enclosing(), Offset: start, Reason: "unterminated marker"}
	}
	body := strings.TrimSpace(p.src[bodyStart : bodyStart+rel])
	p.pos = bodyStart + rel + len(closeDelim)

	if body == "" {
		return nil, &ParseError{Role: p.enclosing(), Offset: start, Reason: "empty marker"}
	}

	switch body[0] {
	case '#':
		return p.openMarker(strings.Fields(body[1:]), start)
	case '/':
		fields := strings.Fields(body[1:])
		if len(fields) != 1 {
			return nil, &ParseError{Role: p.enclosing(), Offset: start, Reason: "malformed close marker"}
		}
		if !knownBlock(fields[0]) {
			return nil, &ParseError{Role: fields[0], Offset: start, Reason: "unknown block"}
		}
		return &marker{kind: markerClose, name: fields[0], pos: start}, nil
	}

	path, err := ParsePath(body)
	if err != nil {
		return nil, &ParseError{Role: p.enclosing(), Offset: start, Reason: "invalid variable: " + err.Error()}
	}
	return &marker{kind: markerVariable, path: path, pos: start}, nil
}

func (p *parser) openMarker(fields []string, start int) (*marker, error) {
	if len(fields) == 0 {
		return nil, &ParseError{Role: p.enclosing(), Offset: start, Reason: "block marker without a name"}
	}
	name := fields[0]
	if !knownBlock(name) {
		return nil, &ParseError{Role: name, Offset: start, Reason: "unknown block"}
	}

	if name != BlockEach {
		if len(fields) != 1 {
			return nil, &ParseError{Role: name, Offset: start, Reason: "unexpected arguments to block"}
		}
		return &marker{kind: markerOpen, name: name, pos: start}, nil
	}

	// {{#each path}} or {{#each path as alias}}
	alias := DefaultLoopAlias
	switch {
	case len(fields) == 2:
	case len(fields) == 4 && fields[2] == "as":
		alias = fields[3]
		if !IsIdentifier(alias) {
			return nil, &ParseError{Role: name, Offset: start, Reason: "invalid loop alias " + alias + " in block"}
		}
	default:
		return nil, &ParseError{Role: name, Offset: start, Reason: "expected {{#each path}} or {{#each path as name}} for block"}
	}
	path, err := ParsePath(fields[1])
	if err != nil {
		return nil, &ParseError{Role: name, Offset: start, Reason: "invalid loop path: " + err.Error() + " in block"}
	}
	return &marker{kind: markerOpen, name: name, path: path, alias: alias, pos: start}, nil
}

func (p *parser) enclosing() string {
	if len(p.open) == 0 {
		return ""
	}
	return p.open[len(p.open)-1].name
}

func knownBlock(name string) bool {
	switch name {
	case BlockChat, BlockSystem, BlockUser, BlockAssistant, BlockEach:
		return true
	}
	return false
}
