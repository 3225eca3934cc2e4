// Package markup parses SSML-style narration scripts into an ordered tree of spoken
// and control elements.
//
// The parser is a pure function from bytes to a Document. It validates tag balance
// and attribute well-formedness and reports the byte offset of the first problem so
// a bad script fails before any synthesis work starts.
package markup

import (
	"strings"
	"time"

	"github.com/book-expert/narrator/internal/core"
)

// Kind identifies the variant of a Node.
type Kind int

const (
	// KindText is character data.
	KindText Kind = iota
	// KindPause is a <break> with an explicit duration.
	KindPause
	// KindProsody is a <prosody> scope; children inherit its rate and pitch.
	KindProsody
	// KindGroup is a structural container such as <p>, <s> or <emphasis>.
	KindGroup
	// KindMarker is a control element without duration (<mark/>, <break strength=.../>).
	KindMarker
	// KindRaw is an unknown element kept verbatim in lenient mode.
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindPause:
		return "pause"
	case KindProsody:
		return "prosody"
	case KindGroup:
		return "group"
	case KindMarker:
		return "marker"
	case KindRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// Attr is an element attribute in source order.
type Attr struct {
	Name  string
	Value string
}

// ProsodyOverride holds the values a <prosody> scope sets. A nil field inherits the
// enclosing value.
type ProsodyOverride struct {
	Rate *float64
	// RateRelative makes Rate a factor on the enclosing rate.
	RateRelative bool
	Pitch        *float64
}

// Apply returns the prosody in effect inside the scope.
func (o ProsodyOverride) Apply(outer core.Prosody) core.Prosody {
	inner := outer
	switch {
	case o.Rate == nil:
	case o.RateRelative:
		inner.Rate = outer.Rate * *o.Rate
	default:
		inner.Rate = *o.Rate
	}

	if o.Pitch != nil {
		inner.Pitch = *o.Pitch
	}

	return inner
}

// Node is one element of the speech tree.
type Node struct {
	Kind     Kind
	Name     string
	Attrs    []Attr
	Text     string
	Raw      string
	Pause    time.Duration
	Override ProsodyOverride
	Children []*Node
	// Offset is the byte offset of the node in the parsed input.
	Offset int
}

// SpokenText returns the character data carried by the node and its descendants.
func (n *Node) SpokenText() string {
	var builder strings.Builder

	n.writeSpokenText(&builder)

	return builder.String()
}

func (n *Node) writeSpokenText(builder *strings.Builder) {
	switch n.Kind {
	case KindText, KindRaw:
		builder.WriteString(n.Text)
	case KindProsody, KindGroup:
		for _, child := range n.Children {
			child.writeSpokenText(builder)
		}
	case KindPause, KindMarker:
	}
}

// Document is a parsed narration script. It is immutable once returned by Parse.
type Document struct {
	RootAttrs []Attr
	Nodes     []*Node
}

// SpokenText returns the document's character data in order.
func (d *Document) SpokenText() string {
	var builder strings.Builder

	for _, node := range d.Nodes {
		node.writeSpokenText(&builder)
	}

	return builder.String()
}

// TotalPause sums the explicit pauses in the document.
func (d *Document) TotalPause() time.Duration {
	var total time.Duration

	var walk func(nodes []*Node)

	walk = func(nodes []*Node) {
		for _, node := range nodes {
			if node.Kind == KindPause {
				total += node.Pause
			}

			walk(node.Children)
		}
	}

	walk(d.Nodes)

	return total
}
