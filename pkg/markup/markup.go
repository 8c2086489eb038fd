// Package markup parses description text into a closed node tree.
//
// Description source uses square brackets:
//
//	[target]            link; the target is the sluggified text
//	[text|target]       link with an explicit target
//	[text||more]        the part after || is shown and is also the target
//	[http://...]        external link
//	[$em]...[$/em]      emphasis (also $fixed)
//	[$para]             paragraph break; a blank line does the same
//	[[name]]            interpolation of a named value
//
// Parse never fails outright. Problems are reported in a list of
// ParseErrors and the offending text is kept as literal text.
package markup

import (
	"fmt"
	"regexp"
	"strings"
)

// Node is one element of a Description.
type Node interface {
	node()
}

// Text is a run of literal text.
type Text struct {
	Text string
}

// Style is a styled span. Key is one of the StyleKeys.
type Style struct {
	Key      string
	Children []Node
}

// Link is an in-world link; following it invokes Target as an action.
type Link struct {
	Target   string
	Children []Node
}

// ExternalLink points outside the world.
type ExternalLink struct {
	URL      string
	Children []Node
}

// ParaBreak separates paragraphs.
type ParaBreak struct{}

// Interp is a named value to be substituted at render time.
type Interp struct {
	Name string
}

func (Text) node()         {}
func (Style) node()        {}
func (Link) node()         {}
func (ExternalLink) node() {}
func (ParaBreak) node()    {}
func (Interp) node()       {}

// Description is a parsed piece of description text.
type Description []Node

// StyleKeys lists the accepted style names.
var StyleKeys = []string{"em", "fixed"}

func validStyle(key string) bool {
	for _, k := range StyleKeys {
		if k == key {
			return true
		}
	}
	return false
}

// ParseError describes one problem found while parsing. Pos is a byte
// offset into the source.
type ParseError struct {
	Pos int
	Msg string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("markup: offset %d: %s", e.Pos, e.Msg)
}

var paraBreak = regexp.MustCompile(`[ \t]*\n[ \t]*\n[ \t\n]*`)

// Sluggify turns link text into a link target: lower case, only letters,
// digits, underscores and inner spaces.
func Sluggify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if r == '_' || r == ' ' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), " ")
}

func looksLikeURL(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "http:") || strings.HasPrefix(s, "https:")
}

type frameKind int

const (
	frameRoot frameKind = iota
	frameStyle
	frameLink
)

type frame struct {
	kind     frameKind
	key      string
	start    int
	children []Node
}

type parser struct {
	src    string
	stack  []*frame
	errs   []ParseError
	inLink bool
}

func (p *parser) top() *frame {
	return p.stack[len(p.stack)-1]
}

func (p *parser) errorf(pos int, format string, args ...any) {
	p.errs = append(p.errs, ParseError{Pos: pos, Msg: fmt.Sprintf(format, args...)})
}

func (p *parser) emit(n Node) {
	f := p.top()
	f.children = append(f.children, n)
}

// text appends literal text, turning blank lines into paragraph breaks.
func (p *parser) text(s string) {
	if s == "" {
		return
	}
	parts := paraBreak.Split(s, -1)
	for i, part := range parts {
		if i > 0 {
			p.emit(ParaBreak{})
		}
		if part == "" {
			continue
		}
		if f := p.top(); len(f.children) > 0 {
			if t, ok := f.children[len(f.children)-1].(Text); ok {
				f.children[len(f.children)-1] = Text{Text: t.Text + part}
				continue
			}
		}
		p.emit(Text{Text: part})
	}
}

func (p *parser) push(kind frameKind, key string, start int) {
	p.stack = append(p.stack, &frame{kind: kind, key: key, start: start})
	if kind == frameLink {
		p.inLink = true
	}
}

// pop closes the top frame and appends the resulting node to its parent.
func (p *parser) pop(target string, external bool) {
	f := p.top()
	p.stack = p.stack[:len(p.stack)-1]
	switch f.kind {
	case frameStyle:
		p.emit(Style{Key: f.key, Children: f.children})
	case frameLink:
		p.inLink = false
		if external {
			p.emit(ExternalLink{URL: target, Children: f.children})
		} else {
			p.emit(Link{Target: target, Children: f.children})
		}
	}
}

// closeStylesInLink closes styles opened inside the current link.
func (p *parser) closeStylesInLink(pos int) {
	for p.top().kind == frameStyle {
		p.errorf(pos, "unclosed [$%s] inside link", p.top().key)
		p.pop("", false)
	}
}

// Parse parses description source.
func Parse(src string) (Description, []ParseError) {
	p := &parser{src: src, stack: []*frame{{kind: frameRoot}}}
	pos := 0
	for pos < len(src) {
		specials := "["
		if p.inLink {
			specials = "[]|"
		}
		i := strings.IndexAny(src[pos:], specials)
		if i < 0 {
			p.text(src[pos:])
			pos = len(src)
			break
		}
		i += pos
		p.text(src[pos:i])

		switch {
		case src[i] == ']':
			p.closeStylesInLink(i)
			f := p.top()
			chunk := src[f.start:i]
			if looksLikeURL(chunk) {
				p.pop(strings.TrimSpace(chunk), true)
			} else {
				p.pop(Sluggify(chunk), false)
			}
			pos = i + 1

		case src[i] == '|':
			double := strings.HasPrefix(src[i:], "||")
			start := i + 1
			if double {
				start++
			}
			end := strings.IndexByte(src[start:], ']')
			if end < 0 {
				p.errorf(i, "link | missing ]")
				p.text(src[i:])
				pos = len(src)
				continue
			}
			end += start
			chunk := src[start:end]
			p.closeStylesInLink(i)
			if double {
				p.text(" " + chunk)
				p.pop(Sluggify(chunk), false)
			} else {
				p.pop(strings.TrimSpace(chunk), looksLikeURL(chunk))
			}
			pos = end + 1

		case strings.HasPrefix(src[i:], "[["):
			end := strings.Index(src[i+2:], "]]")
			if end < 0 {
				p.errorf(i, "interpolation missing ]]")
				p.text(src[i:])
				pos = len(src)
				continue
			}
			end += i + 2
			p.interp(i, strings.TrimSpace(src[i+2:end]))
			pos = end + 2

		case strings.HasPrefix(strings.TrimLeft(src[i+1:], " \t"), "$"):
			end := strings.IndexByte(src[i:], ']')
			if end < 0 {
				p.errorf(i, "tag missing ]")
				p.text(src[i:])
				pos = len(src)
				continue
			}
			end += i
			p.tag(i, strings.TrimSpace(src[i+1:end]))
			pos = end + 1

		default:
			if p.inLink {
				p.errorf(i, "links cannot be nested")
				p.text("[")
				pos = i + 1
				continue
			}
			p.push(frameLink, "", i+1)
			pos = i + 1
		}
	}

	for len(p.stack) > 1 {
		f := p.top()
		switch f.kind {
		case frameLink:
			p.errorf(f.start-1, "link missing ]")
			p.pop(Sluggify(src[f.start:]), false)
		case frameStyle:
			p.errorf(f.start, "unclosed [$%s]", f.key)
			p.pop("", false)
		}
	}
	return Description(p.stack[0].children), p.errs
}

// interp handles the contents of [[...]].
func (p *parser) interp(pos int, expr string) {
	if strings.HasPrefix(expr, "$") {
		p.tag(pos, expr)
		return
	}
	if expr == "" {
		p.errorf(pos, "empty interpolation")
		return
	}
	p.emit(Interp{Name: expr})
}

// tag handles a [$name] or [$/name] tag.
func (p *parser) tag(pos int, body string) {
	name := strings.TrimSpace(strings.TrimPrefix(body, "$"))
	switch {
	case name == "para":
		p.emit(ParaBreak{})
	case strings.HasPrefix(name, "/"):
		key := name[1:]
		if !validStyle(key) {
			p.errorf(pos, "unknown tag [$%s]", name)
			return
		}
		f := p.top()
		if f.kind != frameStyle {
			p.errorf(pos, "[$/%s] without matching [$%s]", key, key)
			return
		}
		if f.key != key {
			p.errorf(pos, "[$/%s] does not match open [$%s]", key, f.key)
			return
		}
		p.pop("", false)
	case validStyle(name):
		p.push(frameStyle, name, pos)
	default:
		p.errorf(pos, "unknown tag [$%s]", name)
	}
}
