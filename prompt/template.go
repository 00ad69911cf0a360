// Package prompt parses prompt templates and renders them against a Context
// into role-tagged messages.
//
// Template syntax:
//
//	{{#system}}You are a terse geography tutor.{{/system}}
//	{{#user}}Capital of {{country.name}}?{{/user}}
//	{{#each facts as fact}}- {{fact}}
//	{{/each}}
//
// Role blocks (system, user, assistant) become messages; chat groups them.
// Text outside any role block belongs to an implicit user message.
// Variables resolve innermost scope first and must name scalars.
package prompt

import (
	"strings"
)

// Template is an immutable parsed template. Safe for concurrent Render calls.
type Template struct {
	source   string
	segments []Segment
}

// Source returns the text the template was parsed from
func (t *Template) Source() string {
	return t.source
}

// Segments returns the top-level segments. Callers must not modify them.
func (t *Template) Segments() []Segment {
	return t.segments
}

// String returns the canonical form; parsing it yields an equal template
func (t *Template) String() string {
	var b strings.Builder
	writeAll(&b, t.segments)
	return b.String()
}

// Equal reports whether two templates have the same segment tree
func (t *Template) Equal(o *Template) bool {
	if t == nil || o == nil {
		return t == o
	}
	return equalSegments(t.segments, o.segments)
}

// Variables returns the root keys the template reads from its context, in
// order of first use. Names bound by an enclosing {{#each}} are excluded.
func (t *Template) Variables() []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(segs []Segment, bound map[string]int)
	walk = func(segs []Segment, bound map[string]int) {
		for _, s := range segs {
			switch x := s.(type) {
			case *Variable:
				root := x.Path.Root()
				if bound[root] == 0 && !seen[root] {
					seen[root] = true
					out = append(out, root)
				}
			case *Block:
				walk(x.Children, bound)
			case *Each:
				root := x.Path.Root()
				if bound[root] == 0 && !seen[root] {
					seen[root] = true
					out = append(out, root)
				}
				bound[x.Alias]++
				walk(x.Children, bound)
				bound[x.Alias]--
			}
		}
	}
	walk(t.segments, make(map[string]int))
	return out
}
