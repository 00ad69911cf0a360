package prompt

import (
	"strings"
)

// Render renders t against ctx. See Template.Render.
func Render(t *Template, ctx *Context) ([]Message, error) {
	return t.Render(ctx)
}

// Render walks the segments depth first and returns the messages.
//
// Entering or leaving a role block flushes the pending text into a message.
// Message content is trimmed. Text outside role blocks is emitted as a user
// message only when non-blank; a role block always yields at least one
// message, even when empty. A template producing nothing renders to a
// single empty user message.
func (t *Template) Render(ctx *Context) ([]Message, error) {
	if ctx == nil {
		ctx = NewContext()
	}
	r := &renderer{}
	if err := r.render(t.segments, ctx); err != nil {
		return nil, err
	}
	r.flushPending()
	if len(r.msgs) == 0 {
		return []Message{{Role: RoleUser, Content: ""}}, nil
	}
	return r.msgs, nil
}

type roleFrame struct {
	role    Role
	emitted bool
}

type renderer struct {
	msgs   []Message
	buf    strings.Builder
	frames []roleFrame
}

func (r *renderer) render(segs []Segment, ctx *Context) error {
	for _, s := range segs {
		switch x := s.(type) {
		case *Literal:
			r.buf.WriteString(x.Text)

		case *Variable:
			v, err := ctx.Resolve(x.Path)
			if err != nil {
				return withOffset(err, x.Pos)
			}
			if v == nil {
				return &RenderError{Kind: RenderNull, Path: x.Path.String(), Offset: x.Pos}
			}
			str, ok := FormatScalar(v)
			if !ok {
				return &RenderError{Kind: RenderNonScalar, Path: x.Path.String(), Offset: x.Pos, Detail: "sequences and mappings cannot be substituted"}
			}
			r.buf.WriteString(str)

		case *Block:
			role, isRole := x.Role()
			if !isRole {
				if err := r.render(x.Children, ctx); err != nil {
					return err
				}
				continue
			}
			r.flushPending()
			r.frames = append(r.frames, roleFrame{role: role})
			if err := r.render(x.Children, ctx); err != nil {
				return err
			}
			r.closeFrame()

		case *Each:
			v, err := ctx.Resolve(x.Path)
			if err != nil {
				return withOffset(err, x.Pos)
			}
			seq, ok := v.([]any)
			if !ok {
				return &RenderError{Kind: RenderNotSequence, Path: x.Path.String(), Offset: x.Pos}
			}
			for _, elem := range seq {
				scope := ctx.NewScope()
				// fresh scope: binding cannot conflict
				scope.keys = append(scope.keys, x.Alias)
				scope.values[x.Alias] = elem
				if err := r.render(x.Children, scope); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (r *renderer) current() *roleFrame {
	if len(r.frames) == 0 {
		return nil
	}
	return &r.frames[len(r.frames)-1]
}

// flushPending emits buffered text when it is not blank
func (r *renderer) flushPending() {
	content := strings.TrimSpace(r.buf.String())
	r.buf.Reset()
	if content == "" {
		return
	}
	if f := r.current(); f != nil {
		r.msgs = append(r.msgs, Message{Role: f.role, Content: content})
		f.emitted = true
		return
	}
	r.msgs = append(r.msgs, Message{Role: RoleUser, Content: content})
}

// closeFrame emits the rest of a role block and pops it
func (r *renderer) closeFrame() {
	f := r.current()
	content := strings.TrimSpace(r.buf.String())
	r.buf.Reset()
	if content != "" || !f.emitted {
		r.msgs = append(r.msgs, Message{Role: f.role, Content: content})
	}
	r.frames = r.frames[:len(r.frames)-1]
	// a nested block counts as output of the enclosing one
	if parent := r.current(); parent != nil {
		parent.emitted = true
	}
}

func withOffset(err error, pos int) error {
	if re, ok := err.(*RenderError); ok {
		re.Offset = pos
		return re
	}
	return err
}
