package record

import (
	"context"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Markdown loads a Markdown file as plain text. The first heading becomes the
// record header and title.
type Markdown struct {
	md goldmark.Markdown
}

// NewMarkdown creates a Markdown loader
func NewMarkdown() *Markdown {
	return &Markdown{md: goldmark.New()}
}

// Load implements Loader
func (m *Markdown) Load(ctx context.Context, source string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, loadError(source, err)
	}
	data, err := readFile(source)
	if err != nil {
		return Record{}, loadError(source, err)
	}
	return m.Parse(data).With(MetaSource, source), nil
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// Parse converts Markdown source to a record
func (m *Markdown) Parse(src []byte) Record {
	doc := m.md.Parser().Parse(text.NewReader(src))

	var (
		b       strings.Builder
		heading string
	)
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(src))
				switch {
				case node.HardLineBreak():
					b.WriteByte('\n')
				case node.SoftLineBreak():
					b.WriteByte(' ')
				}
			}
		case *ast.AutoLink:
			if entering {
				b.Write(node.URL(src))
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(src))
				}
				b.WriteString("\n\n")
			}
			return ast.WalkSkipChildren, nil
		case *ast.Heading:
			if entering {
				if heading == "" {
					heading = collapse(inlineText(node, src))
				}
			} else {
				b.WriteString("\n\n")
			}
		case *ast.Paragraph:
			if !entering {
				b.WriteString("\n\n")
			}
		case *ast.TextBlock:
			if !entering {
				b.WriteByte('\n')
			}
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	body := blankRuns.ReplaceAllString(b.String(), "\n\n")
	metadata := map[string]any{MetaFormat: "markdown"}
	if heading != "" {
		metadata[MetaHeader] = heading
		metadata[MetaTitle] = heading
	}
	return New(strings.TrimSpace(body), metadata)
}

// inlineText concatenates the text nodes under n
func inlineText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if t, ok := c.(*ast.Text); ok && entering {
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() {
				b.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}
