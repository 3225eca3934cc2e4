package core

import (
	"errors"
	"fmt"
	"time"
)

// Defaults for a narration voice.
const (
	DefaultRate  = 0.85
	DefaultPitch = -2.0
)

// ErrVoiceIDEmpty indicates that no voice id was configured.
var ErrVoiceIDEmpty = errors.New("voice id cannot be empty")

// ErrRateNotPositive indicates a non-positive speaking rate.
var ErrRateNotPositive = errors.New("rate must be greater than zero")

// Prosody is the voice modulation in effect for a stretch of speech. Rate is a
// multiplier (0.85 reads at 85% speed), Pitch is an offset in semitones.
type Prosody struct {
	Rate  float64 `json:"rate"  yaml:"rate"`
	Pitch float64 `json:"pitch" yaml:"pitch"`
}

// String renders the prosody the way it is logged and listed.
func (p Prosody) String() string {
	return fmt.Sprintf("rate=%.2f pitch=%+.1fst", p.Rate, p.Pitch)
}

// VoiceConfig is the fixed voice configuration of one build. It is passed explicitly
// so concurrent builds can use different voices.
type VoiceConfig struct {
	VoiceID string
	Rate    float64
	Pitch   float64
}

// NewVoiceConfig returns a voice configuration with the default rate and pitch.
func NewVoiceConfig(voiceID string) VoiceConfig {
	return VoiceConfig{
		VoiceID: voiceID,
		Rate:    DefaultRate,
		Pitch:   DefaultPitch,
	}
}

// Prosody returns the base prosody of the voice.
func (v VoiceConfig) Prosody() Prosody {
	return Prosody{Rate: v.Rate, Pitch: v.Pitch}
}

// Validate checks the voice configuration.
func (v VoiceConfig) Validate() error {
	if v.VoiceID == "" {
		return ErrVoiceIDEmpty
	}

	if v.Rate <= 0 {
		return fmt.Errorf("%w: got %f", ErrRateNotPositive, v.Rate)
	}

	return nil
}

// Chunk is an independently synthesizable fragment of a document. Chunks are created
// once by the planner and never mutated.
type Chunk struct {
	// Index is 0-based and assigned once at planning time.
	Index int
	// Markup is the exact request payload, re-wrapped and well-formed.
	Markup string
	// ActiveProsody is the prosody in effect where the chunk begins.
	ActiveProsody Prosody
	// ByteSize is len(Markup).
	ByteSize int
	// TrailingPause is explicit silence taken from a pause at the cut point; the
	// assembler inserts it after this chunk's audio.
	TrailingPause time.Duration
	// SourceOffset is the byte offset of the chunk's first unit in the source.
	SourceOffset int
	// SpokenText is the character data carried by the chunk, without re-wrapping.
	SpokenText string
}

// SynthesisResult is the audio produced for one chunk.
type SynthesisResult struct {
	ChunkIndex int
	Audio      []byte
	Duration   time.Duration
	Attempts   int
	VoiceID    string
	Cached     bool
}
