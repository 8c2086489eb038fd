package markup

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want Description
	}{
		{"plain", "A dim room.", Description{Text{"A dim room."}}},
		{"link", "Hello [world].", Description{
			Text{"Hello "}, Link{Target: "world", Children: []Node{Text{"world"}}}, Text{"."},
		}},
		{"link with target", "[the door|door_1]", Description{
			Link{Target: "door_1", Children: []Node{Text{"the door"}}},
		}},
		{"double bar", "[red||ball]", Description{
			Link{Target: "ball", Children: []Node{Text{"red ball"}}},
		}},
		{"sluggified target", "[The Big Door!]", Description{
			Link{Target: "the big door", Children: []Node{Text{"The Big Door!"}}},
		}},
		{"external", "[http://example.com]", Description{
			ExternalLink{URL: "http://example.com", Children: []Node{Text{"http://example.com"}}},
		}},
		{"external with label", "[site|https://x.org]", Description{
			ExternalLink{URL: "https://x.org", Children: []Node{Text{"site"}}},
		}},
		{"blank line", "A\n\nB", Description{Text{"A"}, ParaBreak{}, Text{"B"}}},
		{"para tag", "A[$para]B", Description{Text{"A"}, ParaBreak{}, Text{"B"}}},
		{"style", "[$em]hi[$/em]", Description{Style{Key: "em", Children: []Node{Text{"hi"}}}}},
		{"interp", "It is [[weather]].", Description{Text{"It is "}, Interp{Name: "weather"}, Text{"."}}},
		{"style inside link", "[[$fixed]x[$/fixed]|code]", Description{
			Link{Target: "code", Children: []Node{Style{Key: "fixed", Children: []Node{Text{"x"}}}}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, errs := Parse(tt.src)
			assert.Empty(t, errs)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		nerrs int
	}{
		{"unclosed style", "[$em]hi", 1},
		{"mismatched closer", "[$em]x[$/fixed]", 2},
		{"stray closer", "x[$/em]", 1},
		{"unknown tag", "[$blink]", 1},
		{"nested link", "[a [b] c]", 1},
		{"unterminated link", "[unterminated", 1},
		{"unterminated interp", "[[name", 1},
		{"bar without close", "[a|b", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := Parse(tt.src)
			assert.Len(t, errs, tt.nerrs, "%v", errs)
		})
	}
}

func TestParseKeepsTextOnError(t *testing.T) {
	d, errs := Parse("[unterminated")
	require.Len(t, errs, 1)
	assert.Equal(t, Description{Link{Target: "unterminated", Children: []Node{Text{"unterminated"}}}}, d)
	assert.Contains(t, errs[0].Error(), "link missing ]")
}

func TestMarshalJSON(t *testing.T) {
	d, errs := Parse("Go [$em][north][$/em].\n\nOr [http://x.org].")
	require.Empty(t, errs)
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.JSONEq(t, `["Go ",["style","em"],["link","north"],"north",["/link"],["/style","em"],".",
		["para"],"Or ",["exlink","http://x.org"],"http://x.org",["/exlink"],"."]`, string(data))
}

func TestRender(t *testing.T) {
	d, _ := Parse("It is [[weather]] and [[missing]].")
	out := Render(d, func(name string) (string, bool) {
		if name == "weather" {
			return "raining", true
		}
		return "", false
	})
	assert.Equal(t, "It is raining and .", PlainText(out))
}

func TestList(t *testing.T) {
	a, b, c := Text{"A"}, Text{"B"}, Text{"C"}
	assert.Equal(t, "A", PlainText(Description(List([]Node{a}))))
	assert.Equal(t, "A and B", PlainText(Description(List([]Node{a, b}))))
	assert.Equal(t, "A, B, and C", PlainText(Description(List([]Node{a, b, c}))))
}

func TestSluggify(t *testing.T) {
	assert.Equal(t, "open the door", Sluggify("  Open the Door! "))
	assert.Equal(t, "x_1", Sluggify("X_1"))
}
