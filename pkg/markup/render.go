package markup

import (
	"encoding/json"
	"strings"
)

// MarshalJSON encodes the description in the client's flat wire form: a
// list of strings and tag arrays such as ["link", target] ... ["/link"].
func (d Description) MarshalJSON() ([]byte, error) {
	out := make([]any, 0, len(d))
	out = appendWire(out, d)
	return json.Marshal(out)
}

func appendWire(out []any, nodes []Node) []any {
	for _, n := range nodes {
		switch n := n.(type) {
		case Text:
			out = append(out, n.Text)
		case ParaBreak:
			out = append(out, []string{"para"})
		case Style:
			out = append(out, []string{"style", n.Key})
			out = appendWire(out, n.Children)
			out = append(out, []string{"/style", n.Key})
		case Link:
			out = append(out, []string{"link", n.Target})
			out = appendWire(out, n.Children)
			out = append(out, []string{"/link"})
		case ExternalLink:
			out = append(out, []string{"exlink", n.URL})
			out = appendWire(out, n.Children)
			out = append(out, []string{"/exlink"})
		case Interp:
			out = append(out, "[["+n.Name+"]]")
		}
	}
	return out
}

// Lookup resolves an interpolation name. It returns false when the name is
// unknown.
type Lookup func(name string) (string, bool)

// Render substitutes every Interp using lookup. Unknown names render as
// empty text.
func Render(d Description, lookup Lookup) Description {
	return Description(render(d, lookup))
}

func render(nodes []Node, lookup Lookup) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		switch n := n.(type) {
		case Interp:
			if lookup == nil {
				continue
			}
			if v, ok := lookup(n.Name); ok && v != "" {
				out = append(out, Text{Text: v})
			}
		case Style:
			out = append(out, Style{Key: n.Key, Children: render(n.Children, lookup)})
		case Link:
			out = append(out, Link{Target: n.Target, Children: render(n.Children, lookup)})
		case ExternalLink:
			out = append(out, ExternalLink{URL: n.URL, Children: render(n.Children, lookup)})
		default:
			out = append(out, n)
		}
	}
	return out
}

// PlainText flattens a description to text, with paragraph breaks as blank
// lines.
func PlainText(d Description) string {
	var b strings.Builder
	writePlain(&b, d)
	return b.String()
}

func writePlain(b *strings.Builder, nodes []Node) {
	for _, n := range nodes {
		switch n := n.(type) {
		case Text:
			b.WriteString(n.Text)
		case ParaBreak:
			b.WriteString("\n\n")
		case Style:
			writePlain(b, n.Children)
		case Link:
			writePlain(b, n.Children)
		case ExternalLink:
			writePlain(b, n.Children)
		case Interp:
			b.WriteString("[[" + n.Name + "]]")
		}
	}
}

// Plain wraps literal text as a description, without parsing it.
func Plain(s string) Description {
	if s == "" {
		return Description{}
	}
	return Description{Text{Text: s}}
}

// LinkTo returns a single link node.
func LinkTo(target, label string) Link {
	return Link{Target: target, Children: []Node{Text{Text: label}}}
}

// List joins nodes into English list form: "A", "A and B", "A, B, and C".
func List(items []Node) []Node {
	var out []Node
	for i, it := range items {
		switch {
		case i == 0:
		case len(items) == 2:
			out = append(out, Text{Text: " and "})
		case i == len(items)-1:
			out = append(out, Text{Text: ", and "})
		default:
			out = append(out, Text{Text: ", "})
		}
		out = append(out, it)
	}
	return out
}
