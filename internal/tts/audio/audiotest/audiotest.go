// Package audiotest builds and reads WAV fixtures for tests.
package audiotest

import (
	"bytes"
	"os"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narrator/internal/tts/audio"
)

const wavFormatPCM = 1

// WAV encodes interleaved samples as a PCM WAV file.
func WAV(t testing.TB, format audio.Format, samples []int) []byte {
	t.Helper()

	file, err := os.CreateTemp(t.TempDir(), "*.wav")
	require.NoError(t, err)

	encoder := wav.NewEncoder(file, format.SampleRate, format.BitDepth, format.Channels, wavFormatPCM)
	require.NoError(t, encoder.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           samples,
		SourceBitDepth: format.BitDepth,
	}))
	require.NoError(t, encoder.Close())
	require.NoError(t, file.Close())

	data, err := os.ReadFile(file.Name())
	require.NoError(t, err)

	return data
}

// Silent returns frames frames of silence in the default format.
func Silent(t testing.TB, frames int) []byte {
	t.Helper()

	format := audio.DefaultFormat()

	return WAV(t, format, make([]int, frames*format.Channels))
}

// Samples decodes WAV data into its interleaved samples and format.
func Samples(t testing.TB, data []byte) ([]int, audio.Format) {
	t.Helper()

	decoder := wav.NewDecoder(bytes.NewReader(data))
	require.True(t, decoder.IsValidFile(), "not a wav file")

	buffer, err := decoder.FullPCMBuffer()
	require.NoError(t, err)

	return buffer.Data, audio.Format{
		SampleRate: int(decoder.SampleRate),
		BitDepth:   int(decoder.BitDepth),
		Channels:   int(decoder.NumChans),
	}
}
