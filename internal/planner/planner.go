// Package planner splits a parsed narration script into chunks that each fit the
// provider's request ceiling.
//
// Every chunk is a standalone <speak> document. Elements left open at a cut are
// closed at the end of the chunk and re-opened at the start of the next one, with
// re-opened <prosody> scopes carrying the rate and pitch in effect at the cut. The
// size ceiling is measured on the final request payload, wrapping included.
package planner

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/book-expert/narrator/internal/core"
	"github.com/book-expert/narrator/internal/markup"
)

// DefaultMaxChunkBytes is the usual provider ceiling per request.
const DefaultMaxChunkBytes = 5000

const excerptRunes = 60

// Options configure a planning run.
type Options struct {
	MaxChunkBytes int
	// Base is the voice's prosody outside any <prosody> scope.
	Base core.Prosody
}

// DefaultOptions returns the ceiling and base prosody used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		MaxChunkBytes: DefaultMaxChunkBytes,
		Base:          core.Prosody{Rate: core.DefaultRate, Pitch: core.DefaultPitch},
	}
}

// Plan splits doc into chunks. The result depends only on its inputs.
func Plan(doc *markup.Document, opts Options) ([]core.Chunk, error) {
	if opts.MaxChunkBytes <= 0 || opts.Base.Rate <= 0 {
		return nil, fmt.Errorf("%w: max chunk bytes %d, base rate %v", ErrInvalidOptions, opts.MaxChunkBytes, opts.Base.Rate)
	}

	units := flatten(doc, opts.Base)
	if !hasSpeech(units) {
		return nil, ErrEmptyDocument
	}

	state := &planState{doc: doc, opts: opts, units: units}

	return state.run()
}

type planState struct {
	doc    *markup.Document
	opts   Options
	units  []unit
	chunks []core.Chunk
}

type rendered struct {
	markup   string
	spoken   string
	trailing time.Duration
}

func (s *planState) run() ([]core.Chunk, error) {
	limit := s.opts.MaxChunkBytes
	start := 0

	for start < len(s.units) {
		first := s.render(start, start+1)
		if len(first.markup) > limit {
			return nil, s.tooLarge(start, start+1, len(first.markup))
		}

		sizes := map[int]int{start + 1: len(first.markup)}
		end := start + 1

		for end < len(s.units) {
			size := len(s.render(start, end+1).markup)
			if size > limit {
				break
			}

			end++
			sizes[end] = size
		}

		if end < len(s.units) {
			cut, found := s.chooseCut(start, end, sizes)
			if !found {
				return nil, s.sentenceTooLarge(start)
			}

			end = cut
		}

		s.emit(start, end)
		start = end
	}

	return s.chunks, nil
}

// chooseCut picks the boundary to close the chunk at, among cuts after units
// start..end-1. Only sentence and pause boundaries qualify. A cut that leaves the
// chunk at least half full wins over a better ranked cut that does not; the latest
// cut wins ties. found is false when the run holds no qualifying boundary.
func (s *planState) chooseCut(start, end int, sizes map[int]int) (cut int, found bool) {
	half := s.opts.MaxChunkBytes / 2
	bestFull, bestAny := -1, -1

	for candidate := start + 1; candidate <= end; candidate++ {
		rank := s.units[candidate-1].rank
		if rank < rankSentence {
			continue
		}

		if bestAny < 0 || rank >= s.units[bestAny-1].rank {
			bestAny = candidate
		}

		if sizes[candidate] >= half && (bestFull < 0 || rank >= s.units[bestFull-1].rank) {
			bestFull = candidate
		}
	}

	switch {
	case bestFull > 0:
		return bestFull, true
	case bestAny > 0:
		return bestAny, true
	default:
		return 0, false
	}
}

// sentenceTooLarge reports the sentence starting at units[start] that cannot be
// closed under the ceiling.
func (s *planState) sentenceTooLarge(start int) *ChunkTooLargeError {
	stop := start + 1
	for stop < len(s.units) && s.units[stop-1].rank < rankSentence {
		stop++
	}

	return s.tooLarge(start, stop, len(s.render(start, stop).markup))
}

func (s *planState) emit(start, end int) {
	if allBlank(s.units[start:end]) {
		// Whitespace left over after the last cut carries nothing to synthesize.
		return
	}

	output := s.render(start, end)

	s.chunks = append(s.chunks, core.Chunk{
		Index:         len(s.chunks),
		Markup:        output.markup,
		ActiveProsody: s.units[start].prosody,
		ByteSize:      len(output.markup),
		TrailingPause: output.trailing,
		SourceOffset:  s.units[start].offset,
		SpokenText:    output.spoken,
	})
}

// render serializes units[start:end] as a standalone request payload.
func (s *planState) render(start, end int) rendered {
	units := s.units[start:end]
	first := units[0]
	base := s.opts.Base

	var previous *unit
	if start > 0 {
		previous = &s.units[start-1]
	}

	skip := trailingPauseIndex(units)

	var (
		builder strings.Builder
		spoken  strings.Builder
		output  rendered
	)

	markup.WriteStartTag(&builder, "speak", s.doc.RootAttrs, false)

	wrapped := first.prosody != base
	if wrapped {
		markup.WriteStartTag(&builder, "prosody", []markup.Attr{
			{Name: "rate", Value: markup.FormatRate(base.Rate)},
			{Name: "pitch", Value: markup.FormatPitch(base.Pitch)},
		}, false)
	}

	for level, node := range first.path {
		attrs := node.Attrs
		if node.Kind == markup.KindProsody && previous != nil && containsNode(previous.path, node) {
			effective := first.levels[level]
			attrs = markup.WithAttr(attrs, "rate", markup.FormatRate(effective.Rate))
			attrs = markup.WithAttr(attrs, "pitch", markup.FormatPitch(effective.Pitch))
		}

		markup.WriteStartTag(&builder, node.Name, attrs, false)
	}

	open := first.path

	for index := range units {
		current := &units[index]
		if index == skip {
			output.trailing = current.node.Pause

			continue
		}

		shared := commonPrefix(open, current.path)
		for level := len(open) - 1; level >= shared; level-- {
			markup.WriteEndTag(&builder, open[level].Name)
		}

		for _, node := range current.path[shared:] {
			markup.WriteStartTag(&builder, node.Name, node.Attrs, false)
		}

		open = current.path

		markup.WriteLeaf(&builder, current.node, current.text)
		spoken.WriteString(current.spoken())
	}

	for level := len(open) - 1; level >= 0; level-- {
		markup.WriteEndTag(&builder, open[level].Name)
	}

	if wrapped {
		markup.WriteEndTag(&builder, "prosody")
	}

	markup.WriteEndTag(&builder, "speak")

	output.markup = builder.String()
	output.spoken = spoken.String()

	return output
}

func (s *planState) tooLarge(start, stop, size int) *ChunkTooLargeError {
	var spoken strings.Builder
	for index := start; index < stop; index++ {
		spoken.WriteString(s.units[index].spoken())
	}

	excerpt := strings.TrimSpace(spoken.String())
	if excerpt == "" {
		excerpt = s.units[start].node.Raw
	}

	if utf8.RuneCountInString(excerpt) > excerptRunes {
		excerpt = string([]rune(excerpt)[:excerptRunes]) + "..."
	}

	return &ChunkTooLargeError{
		Offset:  s.units[start].offset,
		Size:    size,
		Limit:   s.opts.MaxChunkBytes,
		Excerpt: excerpt,
	}
}

// trailingPauseIndex returns the index of a pause that ends the run, or -1. A pause
// is only lifted out when something else in the run is spoken or marked.
func trailingPauseIndex(units []unit) int {
	last := -1

	for index := len(units) - 1; index >= 0; index-- {
		if !units[index].blank {
			last = index

			break
		}
	}

	if last <= 0 || !units[last].isPause() {
		return -1
	}

	for index := range last {
		if !units[index].blank {
			return last
		}
	}

	return -1
}

func hasSpeech(units []unit) bool {
	for index := range units {
		kind := units[index].node.Kind
		if !units[index].blank && (kind == markup.KindText || kind == markup.KindRaw) {
			return true
		}
	}

	return false
}

func allBlank(units []unit) bool {
	for index := range units {
		if !units[index].blank {
			return false
		}
	}

	return true
}
