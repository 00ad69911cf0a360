package prompt

import (
	"strconv"
	"strings"

	"github.com/teranos/loom/errors"
)

// PathElem is one step of a variable path: a mapping key or a sequence index
type PathElem struct {
	Key     string
	Index   int
	IsIndex bool
}

// Path is a parsed variable reference such as user.addresses[0].city
type Path struct {
	elems []PathElem
}

// ParsePath parses identifier(.identifier|[index])*
func ParsePath(s string) (Path, error) {
	if s == "" {
		return Path{}, errors.New("empty path")
	}
	var elems []PathElem
	i := 0
	ident, n := scanIdent(s)
	if n == 0 {
		return Path{}, errors.Newf("path %q must start with an identifier", s)
	}
	elems = append(elems, PathElem{Key: ident})
	i = n

	for i < len(s) {
		switch s[i] {
		case '.':
			ident, n := scanIdent(s[i+1:])
			if n == 0 {
				return Path{}, errors.Newf("path %q: expected identifier after '.' at %d", s, i)
			}
			elems = append(elems, PathElem{Key: ident})
			i += 1 + n
		case '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return Path{}, errors.Newf("path %q: unclosed '[' at %d", s, i)
			}
			digits := s[i+1 : i+end]
			if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
				return Path{}, errors.Newf("path %q: index %q is not a non-negative integer", s, digits)
			}
			idx, err := strconv.Atoi(digits)
			if err != nil {
				return Path{}, errors.Wrapf(err, "path %q: index out of range", s)
			}
			elems = append(elems, PathElem{Index: idx, IsIndex: true})
			i += end + 1
		default:
			return Path{}, errors.Newf("path %q: unexpected %q at %d", s, s[i], i)
		}
	}
	return Path{elems: elems}, nil
}

func scanIdent(s string) (string, int) {
	n := 0
	for n < len(s) {
		c := s[n]
		isLetter := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		if !isLetter && !(isDigit && n > 0) {
			break
		}
		n++
	}
	return s[:n], n
}

// IsIdentifier reports whether s is a valid root key or loop alias
func IsIdentifier(s string) bool {
	_, n := scanIdent(s)
	return n > 0 && n == len(s)
}

// Root is the first key of the path
func (p Path) Root() string {
	if len(p.elems) == 0 {
		return ""
	}
	return p.elems[0].Key
}

// Elems returns the path steps
func (p Path) Elems() []PathElem {
	return p.elems
}

// String returns the canonical form
func (p Path) String() string {
	var b strings.Builder
	for i, e := range p.elems {
		switch {
		case e.IsIndex:
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(e.Index))
			b.WriteByte(']')
		case i == 0:
			b.WriteString(e.Key)
		default:
			b.WriteByte('.')
			b.WriteString(e.Key)
		}
	}
	return b.String()
}

func (p Path) equal(o Path) bool {
	if len(p.elems) != len(o.elems) {
		return false
	}
	for i := range p.elems {
		if p.elems[i] != o.elems[i] {
			return false
		}
	}
	return true
}
