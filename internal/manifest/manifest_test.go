package manifest_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narrator/internal/core"
	"github.com/book-expert/narrator/internal/manifest"
	"github.com/book-expert/narrator/internal/tts/audio"
)

func sampleManifest() *manifest.BuildManifest {
	chunks := []core.Chunk{
		{Index: 0, Markup: "<speak>a</speak>", ByteSize: 16, ActiveProsody: core.Prosody{Rate: 0.85, Pitch: -2}, TrailingPause: 700 * time.Millisecond},
		{Index: 1, Markup: "<speak>bb</speak>", ByteSize: 17, ActiveProsody: core.Prosody{Rate: 1.2, Pitch: 2}},
	}

	results := map[int]core.SynthesisResult{
		1: {ChunkIndex: 1, Audio: make([]byte, 40), Duration: 1500 * time.Millisecond, Attempts: 3},
		0: {ChunkIndex: 0, Audio: make([]byte, 20), Duration: 800 * time.Millisecond, Attempts: 0, Cached: true},
	}

	return &manifest.BuildManifest{
		BuildID:            "0d6c3b9e-7a43-4b8e-9a57-1c0f0f1b9e11",
		SourceDocument:     "chapter-01.ssml",
		SourceDocumentHash: manifest.HashBytes([]byte("<speak>a bb</speak>")),
		ChunkCount:         len(chunks),
		VoiceID:            "en-US-narrator",
		Rate:               0.85,
		Pitch:              -2,
		MaxChunkBytes:      5000,
		Provider:           "http",
		Codec:              "wav",
		AudioFormat:        audio.DefaultFormat(),
		Chunks:             manifest.ChunkRecords(chunks, results),
		SilenceMS:          700,
		TotalDurationMS:    3000,
		OutputPath:         "/srv/audio/chapter-01.wav",
		OutputChecksum:     "abc123",
		OutputBytes:        1234,
		BuildTimestamp:     time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
		ElapsedMS:          4200,
	}
}

func TestPathFor(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		output string
		format manifest.Format
		want   string
	}{
		{output: "/out/chapter.mp3", format: manifest.FormatJSON, want: "/out/chapter.manifest.json"},
		{output: "/out/chapter.wav", format: manifest.FormatYAML, want: "/out/chapter.manifest.yaml"},
		{output: "relative/take.2.wav", format: manifest.FormatJSON, want: "relative/take.2.manifest.json"},
		{output: "noext", format: manifest.FormatJSON, want: "noext.manifest.json"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.output, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.want, manifest.PathFor(testCase.output, testCase.format))
		})
	}
}

func TestChunkRecords(t *testing.T) {
	t.Parallel()

	records := sampleManifest().Chunks
	require.Len(t, records, 2)

	assert.Equal(t, 0, records[0].Index)
	assert.Equal(t, int64(700), records[0].TrailingPauseMS)
	assert.Equal(t, int64(800), records[0].DurationMS)
	assert.True(t, records[0].Cached)
	assert.Equal(t, 20, records[0].AudioBytes)
	assert.Equal(t, manifest.HashBytes([]byte("<speak>a</speak>")), records[0].MarkupSHA256)

	assert.Equal(t, 3, records[1].AttemptCount)
	assert.InDelta(t, 1.2, records[1].Rate, 1e-9)
}

func TestWriteRead_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, format := range []manifest.Format{manifest.FormatJSON, manifest.FormatYAML} {
		t.Run(string(format), func(t *testing.T) {
			t.Parallel()

			original := sampleManifest()
			path := manifest.PathFor(filepath.Join(t.TempDir(), "out", "chapter.wav"), format)

			require.NoError(t, manifest.Write(path, original, format))

			loaded, err := manifest.Read(path)
			require.NoError(t, err)
			assert.Equal(t, original, loaded)

			entries, err := os.ReadDir(filepath.Dir(path))
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestWrite_RejectsNilAndUnknownFormat(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "x.manifest.json")

	require.ErrorIs(t, manifest.Write(path, nil, manifest.FormatJSON), manifest.ErrManifestNil)
	require.ErrorIs(t, manifest.Write(path, sampleManifest(), "toml"), manifest.ErrUnknownFormat)
	assert.NoFileExists(t, path)
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	first := sampleManifest()
	second := sampleManifest()
	second.BuildID = "another"
	second.Chunks[0].DurationMS = 812
	second.Chunks[1].AttemptCount = 1

	assert.True(t, first.Fingerprint().Equal(second.Fingerprint()))
	assert.Equal(t, manifest.Fingerprint{ChunkCount: 2, ByteSizes: []int{16, 17}}, first.Fingerprint())

	second.Chunks[1].ByteSize++
	assert.False(t, first.Fingerprint().Equal(second.Fingerprint()))
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	format, err := manifest.ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, manifest.FormatJSON, format)

	format, err = manifest.ParseFormat("YML")
	require.NoError(t, err)
	assert.Equal(t, manifest.FormatYAML, format)

	_, err = manifest.ParseFormat("xml")
	require.ErrorIs(t, err, manifest.ErrUnknownFormat)
}
