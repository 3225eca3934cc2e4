// Package audio decodes synthesized chunk audio, validates its format and stitches
// the chunks of a build into one output file.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Defaults for generated audio.
const (
	DefaultSampleRate = 24000
	DefaultBitDepth   = 16
	DefaultChannels   = 1
)

// Supported bit depths.
const (
	bitDepth8  = 8
	bitDepth16 = 16
	bitDepth24 = 24
	bitDepth32 = 32
)

// Limits for format validation.
const (
	maxSampleRate = 192000
	maxChannels   = 8
	wavFormatPCM  = 1
)

const (
	errFmtSampleRateRange = "%w: sample rate must be between 1 and %d Hz, got %d"
	errFmtBitDepthValues  = "%w: bit depth must be 8, 16, 24, or 32, got %d"
	errFmtChannelsRange   = "%w: channels must be between 1 and %d, got %d"
)

var (
	// ErrInvalidFormat is returned for audio parameters outside the supported range.
	ErrInvalidFormat = errors.New("invalid audio format")
	// ErrInvalidWAV is returned for data that is not a decodable PCM WAV file.
	ErrInvalidWAV = errors.New("invalid wav data")
	// ErrUnknownCodec is returned for an output codec other than wav or mp3.
	ErrUnknownCodec = errors.New("unknown output codec")
)

// Codec is the container written for the final output.
type Codec string

const (
	// CodecWAV writes PCM WAV.
	CodecWAV Codec = "wav"
	// CodecMP3 transcodes the assembled WAV with ffmpeg.
	CodecMP3 Codec = "mp3"
)

// ParseCodec maps a configuration value to a Codec.
func ParseCodec(value string) (Codec, error) {
	switch Codec(value) {
	case CodecWAV, CodecMP3:
		return Codec(value), nil
	case "":
		return CodecWAV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCodec, value)
	}
}

// Extension returns the file extension for the codec, dot included.
func (c Codec) Extension() string {
	return "." + string(c)
}

// Format describes PCM audio.
type Format struct {
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`
	BitDepth   int `json:"bit_depth"   yaml:"bit_depth"`
	Channels   int `json:"channels"    yaml:"channels"`
}

// DefaultFormat returns 24 kHz 16-bit mono PCM.
func DefaultFormat() Format {
	return Format{
		SampleRate: DefaultSampleRate,
		BitDepth:   DefaultBitDepth,
		Channels:   DefaultChannels,
	}
}

// Validate checks that the format is within supported bounds.
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.SampleRate > maxSampleRate {
		return fmt.Errorf(errFmtSampleRateRange, ErrInvalidFormat, maxSampleRate, f.SampleRate)
	}

	switch f.BitDepth {
	case bitDepth8, bitDepth16, bitDepth24, bitDepth32:
	default:
		return fmt.Errorf(errFmtBitDepthValues, ErrInvalidFormat, f.BitDepth)
	}

	if f.Channels <= 0 || f.Channels > maxChannels {
		return fmt.Errorf(errFmtChannelsRange, ErrInvalidFormat, maxChannels, f.Channels)
	}

	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%d Hz / %d-bit / %d ch", f.SampleRate, f.BitDepth, f.Channels)
}

// FramesFor returns the number of frames covering d, rounded to the nearest frame.
func (f Format) FramesFor(d time.Duration) int {
	return int((int64(d)*int64(f.SampleRate) + int64(time.Second)/2) / int64(time.Second))
}

// DurationOf returns the playing time of the given number of frames.
func (f Format) DurationOf(frames int) time.Duration {
	return time.Duration(int64(frames) * int64(time.Second) / int64(f.SampleRate))
}

// Probe decodes WAV data and reports its format and duration.
func Probe(data []byte) (Format, time.Duration, error) {
	buffer, format, err := decode(data)
	if err != nil {
		return Format{}, 0, err
	}

	return format, format.DurationOf(len(buffer.Data) / format.Channels), nil
}

func decode(data []byte) (*goaudio.IntBuffer, Format, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return nil, Format{}, ErrInvalidWAV
	}

	format := Format{
		SampleRate: int(decoder.SampleRate),
		BitDepth:   int(decoder.BitDepth),
		Channels:   int(decoder.NumChans),
	}

	formatErr := format.Validate()
	if formatErr != nil {
		return nil, Format{}, formatErr
	}

	buffer, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("%w: %w", ErrInvalidWAV, err)
	}

	return buffer, format, nil
}

func newEncoder(sink io.WriteSeeker, format Format) *wav.Encoder {
	return wav.NewEncoder(sink, format.SampleRate, format.BitDepth, format.Channels, wavFormatPCM)
}

func intBuffer(format Format, samples []int) *goaudio.IntBuffer {
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           samples,
		SourceBitDepth: format.BitDepth,
	}
}
