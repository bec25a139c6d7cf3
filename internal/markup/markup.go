// Package markup implements the XML-like syntax used by gitfleet config
// files. It is not XML: there are no declarations, comments, or character
// entities, attribute values use backslash escapes, and every error carries
// the exact file position for operator diagnostics.
package markup

import (
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Pos is a location inside a config file. Lines and columns are 1-based.
type Pos struct {
	File string
	Line int
	Col  int
}

func (p Pos) String() string {
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Col)
}

// Error is a syntax error with the position it occurred at.
type Error struct {
	Pos Pos
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Pos, e.Msg)
}

// Content is a node in a parsed document: either *Element or Text.
type Content interface {
	Position() Pos
}

// Text is a run of character data between tags, surrounding whitespace
// trimmed.
type Text struct {
	Pos   Pos
	Value string
}

func (t Text) Position() Pos { return t.Pos }

// Attr is a single attribute on an element. Value is empty for bare
// attributes written without '='.
type Attr struct {
	Pos      Pos
	Name     string
	Value    string
	HasValue bool
}

// Element is a tag with its attributes and nested content.
type Element struct {
	Pos      Pos
	Name     string
	Attrs    []Attr
	Children []Content
}

func (e *Element) Position() Pos { return e.Pos }

// Attr returns the value of the named attribute and whether it is present.
func (e *Element) Attr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a.Value, a.HasValue
		}
	}
	return "", false
}

// Elements returns the child elements, skipping text nodes.
func (e *Element) Elements() []*Element {
	var out []*Element
	for _, c := range e.Children {
		if el, ok := c.(*Element); ok {
			out = append(out, el)
		}
	}
	return out
}

// Text returns the concatenated text content of the element.
func (e *Element) Text() string {
	var b strings.Builder
	for _, c := range e.Children {
		if t, ok := c.(Text); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(t.Value)
		}
	}
	return b.String()
}

// Errorf builds an *Error located at the element's opening tag.
func (e *Element) Errorf(format string, args ...any) *Error {
	return &Error{Pos: e.Pos, Msg: fmt.Sprintf(format, args...)}
}

// ParseFile reads and parses a document from disk.
func ParseFile(path string) ([]Content, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(path, string(data))
}

// Parse parses a document into its top-level content sequence. The file
// name is used only for error positions.
func Parse(file, src string) ([]Content, error) {
	p := &parser{file: file, src: src, line: 1, col: 1}
	var out []Content
	for {
		p.skipSpace()
		if p.eof() {
			return out, nil
		}
		if p.startsWith("</") {
			return nil, p.errorf("unexpected closing tag at top level")
		}
		c, err := p.parseContent()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
}

type parser struct {
	file string
	src  string
	off  int // byte offset into src
	line int
	col  int
}

func (p *parser) pos() Pos {
	return Pos{File: p.file, Line: p.line, Col: p.col}
}

func (p *parser) errorf(format string, args ...any) *Error {
	return &Error{Pos: p.pos(), Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) eof() bool { return p.off >= len(p.src) }

func (p *parser) rest() string { return p.src[p.off:] }

func (p *parser) startsWith(s string) bool {
	return strings.HasPrefix(p.rest(), s)
}

// next consumes and returns the next rune, tracking line/column.
func (p *parser) next() (rune, bool) {
	if p.eof() {
		return 0, false
	}
	r, size := utf8.DecodeRuneInString(p.rest())
	p.off += size
	if r == '\n' {
		p.line++
		p.col = 1
	} else {
		p.col++
	}
	return r, true
}

// skip consumes exactly the given literal, which the caller has already
// matched with startsWith.
func (p *parser) skip(s string) {
	for range s {
		p.next()
	}
}

func (p *parser) skipSpace() {
	for !p.eof() {
		r, _ := utf8.DecodeRuneInString(p.rest())
		if !unicode.IsSpace(r) {
			return
		}
		p.next()
	}
}

// parseContent parses one element or text run. The caller has skipped
// leading whitespace and ruled out EOF and closing tags.
func (p *parser) parseContent() (Content, error) {
	if p.startsWith("<") {
		return p.parseElement()
	}
	pos := p.pos()
	var b strings.Builder
	for !p.eof() && !p.startsWith("<") {
		r, _ := p.next()
		b.WriteRune(r)
	}
	return Text{Pos: pos, Value: strings.TrimSpace(b.String())}, nil
}

func (p *parser) parseElement() (*Element, error) {
	pos := p.pos()
	p.skip("<")
	name, ok := p.parseName()
	if !ok {
		return nil, p.errorf("expected element name")
	}
	el := &Element{Pos: pos, Name: name}

	// Attributes until the tag closes.
	for {
		p.skipSpace()
		if p.startsWith("/>") {
			p.skip("/>")
			return el, nil
		}
		if p.startsWith(">") {
			p.skip(">")
			break
		}
		attr, err := p.parseAttr()
		if err != nil {
			return nil, err
		}
		el.Attrs = append(el.Attrs, attr)
	}

	// Children until the matching closing tag.
	for {
		p.skipSpace()
		if p.eof() {
			return nil, &Error{Pos: pos, Msg: fmt.Sprintf("missing closing tag for <%s>", name)}
		}
		if p.startsWith("</") {
			closePos := p.pos()
			p.skip("</")
			closeName, ok := p.parseName()
			if !ok {
				return nil, p.errorf("expected element name in closing tag")
			}
			if !p.startsWith(">") {
				return nil, p.errorf("expected '>'")
			}
			p.skip(">")
			if closeName != name {
				return nil, &Error{Pos: closePos, Msg: fmt.Sprintf("mismatched closing tag: expected </%s>, got </%s>", name, closeName)}
			}
			return el, nil
		}
		child, err := p.parseContent()
		if err != nil {
			return nil, err
		}
		if t, ok := child.(Text); ok && t.Value == "" {
			continue
		}
		el.Children = append(el.Children, child)
	}
}

// parseName reads an element or attribute name. Names start with a letter
// or underscore, must not start with "xml" in any case, and continue with
// ASCII letters, digits, '.', '_', or '-'.
func (p *parser) parseName() (string, bool) {
	rest := p.rest()
	r, _ := utf8.DecodeRuneInString(rest)
	if !unicode.IsLetter(r) && r != '_' {
		return "", false
	}
	if len(rest) >= 3 && strings.EqualFold(rest[:3], "xml") {
		return "", false
	}
	var b strings.Builder
	for !p.eof() {
		r, _ := utf8.DecodeRuneInString(p.rest())
		if !isNameRune(r) {
			break
		}
		p.next()
		b.WriteRune(r)
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}

func isNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.' || r == '_' || r == '-':
		return true
	}
	return false
}

func (p *parser) parseAttr() (Attr, error) {
	pos := p.pos()
	name, ok := p.parseName()
	if !ok {
		return Attr{}, p.errorf("expected attribute name or '>'")
	}
	attr := Attr{Pos: pos, Name: name}
	if !p.startsWith("=") {
		return attr, nil
	}
	p.skip("=")
	value, err := p.parseAttrValue()
	if err != nil {
		return Attr{}, err
	}
	attr.Value = value
	attr.HasValue = true
	return attr, nil
}

// parseAttrValue reads a single- or double-quoted value. Backslash escapes
// are recognized for backslash and both quote characters only.
func (p *parser) parseAttrValue() (string, error) {
	if p.eof() {
		return "", p.errorf("expected attribute value")
	}
	quote, _ := utf8.DecodeRuneInString(p.rest())
	if quote != '"' && quote != '\'' {
		return "", p.errorf("expected quoted attribute value")
	}
	p.next()
	var b strings.Builder
	for {
		r, ok := p.next()
		if !ok {
			return "", p.errorf("unterminated attribute value")
		}
		switch {
		case r == '\\':
			esc, ok := p.next()
			if !ok {
				return "", p.errorf("unterminated attribute value")
			}
			if esc != '\\' && esc != '\'' && esc != '"' {
				return "", p.errorf("invalid escape '\\%c' in attribute value", esc)
			}
			b.WriteRune(esc)
		case r == quote:
			return b.String(), nil
		default:
			b.WriteRune(r)
		}
	}
}
