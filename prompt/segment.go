package prompt

import "strings"

// Block names recognised by the parser
const (
	BlockChat      = "chat"
	BlockSystem    = "system"
	BlockUser      = "user"
	BlockAssistant = "assistant"
	BlockEach      = "each"
)

// DefaultLoopAlias is the name an {{#each}} element is bound under when no alias is given
const DefaultLoopAlias = "this"

// Segment is one node of a parsed template: *Literal, *Variable, *Block or *Each
type Segment interface {
	// Offset is the byte offset of the segment in the source it was parsed from
	Offset() int
	write(b *strings.Builder)
}

// Literal is verbatim text
type Literal struct {
	Text string
	Pos  int
}

// Variable substitutes a scalar resolved from the context
type Variable struct {
	Path Path
	Pos  int
}

// Block is a role-scoped block ({{#user}}...{{/user}}) or the {{#chat}} grouping block
type Block struct {
	Name     string
	Children []Segment
	Pos      int
}

// Each renders its children once per element of a sequence, with the element
// bound under Alias in a child scope
type Each struct {
	Path     Path
	Alias    string
	Children []Segment
	Pos      int
}

func (s *Literal) Offset() int  { return s.Pos }
func (s *Variable) Offset() int { return s.Pos }
func (s *Block) Offset() int    { return s.Pos }
func (s *Each) Offset() int     { return s.Pos }

// Role returns the message role of the block; false for chat
func (s *Block) Role() (Role, bool) {
	if s.Name == BlockChat {
		return "", false
	}
	return Role(s.Name), true
}

func (s *Literal) write(b *strings.Builder) {
	b.WriteString(s.Text)
}

func (s *Variable) write(b *strings.Builder) {
	b.WriteString("{{")
	b.WriteString(s.Path.String())
	b.WriteString("}}")
}

func (s *Block) write(b *strings.Builder) {
	b.WriteString("{{#" + s.Name + "}}")
	writeAll(b, s.Children)
	b.WriteString("{{/" + s.Name + "}}")
}

func (s *Each) write(b *strings.Builder) {
	b.WriteString("{{#each " + s.Path.String())
	if s.Alias != DefaultLoopAlias {
		b.WriteString(" as " + s.Alias)
	}
	b.WriteString("}}")
	writeAll(b, s.Children)
	b.WriteString("{{/each}}")
}

func writeAll(b *strings.Builder, segs []Segment) {
	for _, s := range segs {
		s.write(b)
	}
}

// equalSegments compares two segment trees, ignoring offsets
func equalSegments(a, b []Segment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		switch x := a[i].(type) {
		case *Literal:
			y, ok := b[i].(*Literal)
			if !ok || x.Text != y.Text {
				return false
			}
		case *Variable:
			y, ok := b[i].(*Variable)
			if !ok || !x.Path.equal(y.Path) {
				return false
			}
		case *Block:
			y, ok := b[i].(*Block)
			if !ok || x.Name != y.Name || !equalSegments(x.Children, y.Children) {
				return false
			}
		case *Each:
			y, ok := b[i].(*Each)
			if !ok || x.Alias != y.Alias || !x.Path.equal(y.Path) || !equalSegments(x.Children, y.Children) {
				return false
			}
		default:
			return false
		}
	}
	return true
}
