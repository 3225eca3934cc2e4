package markup_test

import (
	"errors"
	"testing"
	"time"

	"github.com/book-expert/narrator/internal/core"
	"github.com/book-expert/narrator/internal/markup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_BuildsTree(t *testing.T) {
	t.Parallel()

	input := `<speak><p><s>Hello there.</s><break time="500ms"/>` +
		`<prosody rate="90%" pitch="+1st">Slow part.</prosody></p><mark name="m1"/></speak>`

	doc, err := markup.Parse([]byte(input), markup.Strict)
	require.NoError(t, err)
	require.Len(t, doc.Nodes, 2)

	paragraph := doc.Nodes[0]
	assert.Equal(t, markup.KindGroup, paragraph.Kind)
	assert.Equal(t, "p", paragraph.Name)
	require.Len(t, paragraph.Children, 3)

	sentence := paragraph.Children[0]
	assert.Equal(t, markup.KindGroup, sentence.Kind)
	require.Len(t, sentence.Children, 1)
	assert.Equal(t, "Hello there.", sentence.Children[0].Text)

	pause := paragraph.Children[1]
	assert.Equal(t, markup.KindPause, pause.Kind)
	assert.Equal(t, 500*time.Millisecond, pause.Pause)

	prosody := paragraph.Children[2]
	assert.Equal(t, markup.KindProsody, prosody.Kind)
	require.NotNil(t, prosody.Override.Rate)
	require.NotNil(t, prosody.Override.Pitch)
	assert.InDelta(t, 0.9, *prosody.Override.Rate, 1e-9)
	assert.InDelta(t, 1.0, *prosody.Override.Pitch, 1e-9)

	marker := doc.Nodes[1]
	assert.Equal(t, markup.KindMarker, marker.Kind)
	assert.Equal(t, "Hello there.Slow part.", doc.SpokenText())
	assert.Equal(t, 500*time.Millisecond, doc.TotalPause())
}

func TestParse_DecodesEntitiesAndKeepsRootAttrs(t *testing.T) {
	t.Parallel()

	input := `<?xml version="1.0"?><speak version="1.1" xml:lang="en-US">Tom &amp; Jerry</speak>`

	doc, err := markup.Parse([]byte(input), markup.Strict)
	require.NoError(t, err)
	assert.Equal(t, "Tom & Jerry", doc.SpokenText())
	require.Len(t, doc.RootAttrs, 2)
	assert.Equal(t, "xml:lang", doc.RootAttrs[1].Name)
}

func TestParse_BreakWithoutTimeIsMarker(t *testing.T) {
	t.Parallel()

	doc, err := markup.Parse([]byte(`<speak>One<break strength="weak"/>two</speak>`), markup.Strict)
	require.NoError(t, err)
	require.Len(t, doc.Nodes, 3)
	assert.Equal(t, markup.KindMarker, doc.Nodes[1].Kind)
	assert.Equal(t, time.Duration(0), doc.TotalPause())
}

func TestParse_ProsodyDefaultInherits(t *testing.T) {
	t.Parallel()

	doc, err := markup.Parse([]byte(`<speak><prosody rate="default" pitch="-4st">x</prosody></speak>`), markup.Strict)
	require.NoError(t, err)

	override := doc.Nodes[0].Override
	assert.Nil(t, override.Rate)

	effective := override.Apply(core.Prosody{Rate: core.DefaultRate, Pitch: core.DefaultPitch})
	assert.InDelta(t, core.DefaultRate, effective.Rate, 1e-9)
	assert.InDelta(t, -4.0, effective.Pitch, 1e-9)
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		input  string
		mode   markup.Mode
		offset int
	}{
		{name: "mismatched closing tag", input: `<speak><p>Hello</speak>`, offset: 15},
		{name: "unclosed element", input: `<speak><p>Hello</p>`, offset: 19},
		{name: "unsupported element in strict mode", input: `<speak><voice name="x">Hi</voice></speak>`, offset: 7},
		{name: "invalid rate", input: `<speak><prosody rate="fast-ish">x</prosody></speak>`, offset: 7},
		{name: "zero rate", input: `<speak><prosody rate="0%">x</prosody></speak>`, offset: 7},
		{name: "invalid break time", input: `<speak>a<break time="soon"/></speak>`, offset: 8},
		{name: "text without root", input: `Hello world`, offset: 0},
		{name: "wrong root element", input: `<text>Hello</text>`, offset: 0},
		{name: "content inside break", input: `<speak><break time="1s">words</break></speak>`, offset: 24},
		{name: "nested speak", input: `<speak><speak>x</speak></speak>`, offset: 7},
		{name: "lenient raw element left open", input: `Hello <b>world`, mode: markup.Lenient, offset: 14},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			doc, err := markup.Parse([]byte(testCase.input), testCase.mode)
			require.Error(t, err)
			assert.Nil(t, doc)
			require.ErrorIs(t, err, markup.ErrMalformedMarkup)

			var malformedErr *markup.MalformedMarkupError
			require.True(t, errors.As(err, &malformedErr))
			assert.Equal(t, testCase.offset, malformedErr.Offset)
			assert.NotEmpty(t, malformedErr.Reason)
		})
	}
}

func TestParse_MalformedWithoutFixedOffset(t *testing.T) {
	t.Parallel()

	inputs := []string{
		`<speak><prosody rate="1" rate="2">x</prosody></speak>`,
		`<speak>Tom & Jerry</speak>`,
		`<speak><p>unterminated`,
	}

	for _, input := range inputs {
		_, err := markup.Parse([]byte(input), markup.Strict)
		require.ErrorIs(t, err, markup.ErrMalformedMarkup, input)
	}
}

func TestParse_LenientWrapsBareScript(t *testing.T) {
	t.Parallel()

	doc, err := markup.Parse([]byte(`Hello <b>bold <i>world</i></b>!`), markup.Lenient)
	require.NoError(t, err)
	require.Len(t, doc.Nodes, 3)

	raw := doc.Nodes[1]
	assert.Equal(t, markup.KindRaw, raw.Kind)
	assert.Equal(t, `<b>bold <i>world</i></b>`, raw.Raw)
	assert.Equal(t, 6, raw.Offset)
	assert.Equal(t, "Hello bold world!", doc.SpokenText())
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	mode, err := markup.ParseMode("Lenient")
	require.NoError(t, err)
	assert.Equal(t, markup.Lenient, mode)

	mode, err = markup.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, markup.Strict, mode)

	_, err = markup.ParseMode("relaxed")
	require.Error(t, err)
}

func TestAttributeFormatting(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "85%", markup.FormatRate(0.85))
	assert.Equal(t, "-2st", markup.FormatPitch(-2))
	assert.Equal(t, "+1.5st", markup.FormatPitch(1.5))

	rate, err := markup.ParseRate(markup.FormatRate(0.85))
	require.NoError(t, err)
	assert.False(t, rate.Inherit)
	assert.False(t, rate.Relative)
	assert.InDelta(t, 0.85, rate.Factor, 1e-9)

	pitch, _, err := markup.ParsePitch(markup.FormatPitch(-2))
	require.NoError(t, err)
	assert.InDelta(t, -2.0, pitch, 1e-9)

	_, _, err = markup.ParsePitch("120Hz")
	require.Error(t, err)
}

func TestParseRate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		value    string
		factor   float64
		relative bool
		inherit  bool
	}{
		{value: "0.85", factor: 0.85},
		{value: "120%", factor: 1.2},
		{value: "slow", factor: 0.75},
		{value: "+10%", factor: 1.1, relative: true},
		{value: "-10%", factor: 0.9, relative: true},
		{value: "+0%", factor: 1, relative: true},
		{value: "default", inherit: true},
	}

	for _, testCase := range testCases {
		t.Run(testCase.value, func(t *testing.T) {
			t.Parallel()

			setting, err := markup.ParseRate(testCase.value)
			require.NoError(t, err)
			assert.InDelta(t, testCase.factor, setting.Factor, 1e-9)
			assert.Equal(t, testCase.relative, setting.Relative)
			assert.Equal(t, testCase.inherit, setting.Inherit)
		})
	}

	for _, value := range []string{"", "-100%", "-150%", "0", "-0.5", "fastest", "10x"} {
		_, err := markup.ParseRate(value)
		require.Error(t, err, "rate %q", value)
	}
}

func TestParse_RelativeRateScalesEnclosingScope(t *testing.T) {
	t.Parallel()

	doc, err := markup.Parse([]byte(`<speak><prosody rate="-10%">Quieter now.</prosody></speak>`), markup.Strict)
	require.NoError(t, err)
	require.Len(t, doc.Nodes, 1)

	override := doc.Nodes[0].Override
	require.NotNil(t, override.Rate)
	assert.True(t, override.RateRelative)

	inner := override.Apply(core.Prosody{Rate: 0.8, Pitch: -2})
	assert.InDelta(t, 0.72, inner.Rate, 1e-9)
	assert.InDelta(t, -2.0, inner.Pitch, 1e-9)
}
