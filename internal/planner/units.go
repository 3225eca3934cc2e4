package planner

import (
	"strings"

	"github.com/book-expert/narrator/internal/core"
	"github.com/book-expert/narrator/internal/markup"
)

// Boundary ranks; a higher rank is a better place to cut. The planner never cuts at
// rankArbitrary.
const (
	rankArbitrary = 1
	rankSentence  = 2
	rankPause     = 3
)

// unit is an indivisible piece of the document: one sentence of text, one pause, one
// marker or one raw element, together with the containers that enclose it.
type unit struct {
	node   *markup.Node
	text   string
	path   []*markup.Node
	levels []core.Prosody
	// prosody is the effective prosody at the unit.
	prosody core.Prosody
	offset  int
	blank   bool
	// rank scores the boundary right after the unit.
	rank int
}

func (u *unit) spoken() string {
	switch u.node.Kind {
	case markup.KindText:
		return u.text
	case markup.KindRaw:
		return u.node.Text
	default:
		return ""
	}
}

func (u *unit) isPause() bool {
	return u.node.Kind == markup.KindPause
}

func flatten(doc *markup.Document, base core.Prosody) []unit {
	var units []unit

	var walk func(nodes []*markup.Node, path []*markup.Node, levels []core.Prosody, current core.Prosody)

	walk = func(nodes []*markup.Node, path []*markup.Node, levels []core.Prosody, current core.Prosody) {
		for _, node := range nodes {
			switch node.Kind {
			case markup.KindProsody, markup.KindGroup:
				inner := current
				if node.Kind == markup.KindProsody {
					inner = node.Override.Apply(current)
				}

				childPath := append(append(make([]*markup.Node, 0, len(path)+1), path...), node)
				childLevels := append(append(make([]core.Prosody, 0, len(levels)+1), levels...), inner)
				walk(node.Children, childPath, childLevels, inner)
			case markup.KindText:
				offset := node.Offset
				for _, piece := range markup.SplitSentences(node.Text) {
					units = append(units, unit{
						node:    node,
						text:    piece,
						path:    path,
						levels:  levels,
						prosody: current,
						offset:  offset,
						blank:   strings.TrimSpace(piece) == "",
					})
					offset += len(piece)
				}
			case markup.KindPause, markup.KindMarker, markup.KindRaw:
				units = append(units, unit{
					node:    node,
					path:    path,
					levels:  levels,
					prosody: current,
					offset:  node.Offset,
				})
			}
		}
	}

	walk(doc.Nodes, nil, nil, base)
	assignRanks(units)

	return units
}

func assignRanks(units []unit) {
	for index := range units {
		current := &units[index]
		rank := rankArbitrary

		switch {
		case current.blank:
			if index > 0 {
				rank = units[index-1].rank
			}
		case current.node.Kind == markup.KindPause:
			rank = rankPause
		case current.node.Kind == markup.KindMarker:
			rank = rankSentence
		case markup.EndsSentence(current.spoken()):
			rank = rankSentence
		}

		if index+1 < len(units) && closesSentence(current.path, units[index+1].path) {
			rank = max(rank, rankSentence)
		}

		current.rank = rank
	}
}

// closesSentence reports whether moving from one path to the next closes a <p> or
// <s> element.
func closesSentence(from, to []*markup.Node) bool {
	shared := commonPrefix(from, to)
	for _, node := range from[shared:] {
		if node.Name == "p" || node.Name == "s" {
			return true
		}
	}

	return false
}

func commonPrefix(left, right []*markup.Node) int {
	limit := min(len(left), len(right))
	for index := range limit {
		if left[index] != right[index] {
			return index
		}
	}

	return limit
}

func containsNode(path []*markup.Node, target *markup.Node) bool {
	for _, node := range path {
		if node == target {
			return true
		}
	}

	return false
}
