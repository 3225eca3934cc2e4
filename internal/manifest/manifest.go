// Package manifest records how an audio file was produced. A manifest is written
// beside the output once the output is in place and is never read back by the
// pipeline itself.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/book-expert/narrator/internal/core"
	"github.com/book-expert/narrator/internal/tts/audio"
)

const (
	dirPermissions  = 0o750
	filePermissions = 0o644
	manifestSuffix  = ".manifest"
	tempPattern     = ".manifest-*.tmp"
	jsonIndent      = "  "
)

var (
	// ErrUnknownFormat is returned for a manifest format other than json or yaml.
	ErrUnknownFormat = errors.New("unknown manifest format")
	// ErrManifestNil is returned when writing a nil manifest.
	ErrManifestNil = errors.New("manifest cannot be nil")
)

// Format is the serialization of a manifest file.
type Format string

const (
	// FormatJSON writes <output>.manifest.json.
	FormatJSON Format = "json"
	// FormatYAML writes <output>.manifest.yaml.
	FormatYAML Format = "yaml"
)

// ParseFormat maps a configuration value to a Format. Empty means JSON.
func ParseFormat(value string) (Format, error) {
	switch strings.ToLower(value) {
	case "", string(FormatJSON):
		return FormatJSON, nil
	case string(FormatYAML), "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, value)
	}
}

// ChunkRecord summarizes the planning and synthesis of one chunk.
type ChunkRecord struct {
	Index           int     `json:"index"             yaml:"index"`
	ByteSize        int     `json:"byte_size"         yaml:"byte_size"`
	MarkupSHA256    string  `json:"markup_sha256"     yaml:"markup_sha256"`
	Rate            float64 `json:"rate"              yaml:"rate"`
	Pitch           float64 `json:"pitch"             yaml:"pitch"`
	TrailingPauseMS int64   `json:"trailing_pause_ms" yaml:"trailing_pause_ms"`
	DurationMS      int64   `json:"duration_ms"       yaml:"duration_ms"`
	AttemptCount    int     `json:"attempt_count"     yaml:"attempt_count"`
	AudioBytes      int     `json:"audio_bytes"       yaml:"audio_bytes"`
	Cached          bool    `json:"cached"            yaml:"cached"`
}

// BuildManifest is the sidecar record of one successful build.
type BuildManifest struct {
	BuildID            string        `json:"build_id"             yaml:"build_id"`
	SourceDocument     string        `json:"source_document"      yaml:"source_document"`
	SourceDocumentHash string        `json:"source_document_hash" yaml:"source_document_hash"`
	ChunkCount         int           `json:"chunk_count"          yaml:"chunk_count"`
	VoiceID            string        `json:"voice_id"             yaml:"voice_id"`
	Rate               float64       `json:"rate"                 yaml:"rate"`
	Pitch              float64       `json:"pitch"                yaml:"pitch"`
	MaxChunkBytes      int           `json:"max_chunk_bytes"      yaml:"max_chunk_bytes"`
	Provider           string        `json:"provider"             yaml:"provider"`
	Codec              string        `json:"codec"                yaml:"codec"`
	AudioFormat        audio.Format  `json:"audio_format"         yaml:"audio_format"`
	Chunks             []ChunkRecord `json:"chunks"               yaml:"chunks"`
	SilenceMS          int64         `json:"silence_ms"           yaml:"silence_ms"`
	TotalDurationMS    int64         `json:"total_duration_ms"    yaml:"total_duration_ms"`
	OutputPath         string        `json:"output_path"          yaml:"output_path"`
	OutputChecksum     string        `json:"output_checksum"      yaml:"output_checksum"`
	OutputBytes        int64         `json:"output_bytes"         yaml:"output_bytes"`
	BuildTimestamp     time.Time     `json:"build_timestamp"      yaml:"build_timestamp"`
	ElapsedMS          int64         `json:"elapsed_ms"           yaml:"elapsed_ms"`
}

// Fingerprint is the part of a manifest expected to be stable across re-runs of
// the same document and voice.
type Fingerprint struct {
	ChunkCount int
	ByteSizes  []int
}

// Fingerprint returns the chunk count and per-chunk markup sizes.
func (m *BuildManifest) Fingerprint() Fingerprint {
	sizes := make([]int, len(m.Chunks))
	for index, chunk := range m.Chunks {
		sizes[index] = chunk.ByteSize
	}

	return Fingerprint{ChunkCount: m.ChunkCount, ByteSizes: sizes}
}

// Equal reports whether two fingerprints describe the same plan.
func (f Fingerprint) Equal(other Fingerprint) bool {
	if f.ChunkCount != other.ChunkCount || len(f.ByteSizes) != len(other.ByteSizes) {
		return false
	}

	for index := range f.ByteSizes {
		if f.ByteSizes[index] != other.ByteSizes[index] {
			return false
		}
	}

	return true
}

// ChunkRecords summarizes chunks and their results in index order.
func ChunkRecords(chunks []core.Chunk, results map[int]core.SynthesisResult) []ChunkRecord {
	records := make([]ChunkRecord, len(chunks))

	for _, chunk := range chunks {
		result := results[chunk.Index]
		records[chunk.Index] = ChunkRecord{
			Index:           chunk.Index,
			ByteSize:        chunk.ByteSize,
			MarkupSHA256:    HashBytes([]byte(chunk.Markup)),
			Rate:            chunk.ActiveProsody.Rate,
			Pitch:           chunk.ActiveProsody.Pitch,
			TrailingPauseMS: chunk.TrailingPause.Milliseconds(),
			DurationMS:      result.Duration.Milliseconds(),
			AttemptCount:    result.Attempts,
			AudioBytes:      len(result.Audio),
			Cached:          result.Cached,
		}
	}

	return records
}

// HashBytes returns the hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// PathFor returns the manifest path for an output file: the output path without
// its extension plus ".manifest.json" or ".manifest.yaml".
func PathFor(outputPath string, format Format) string {
	base := strings.TrimSuffix(outputPath, filepath.Ext(outputPath))

	return base + manifestSuffix + "." + string(format)
}

// Write serializes m to path through a temp file in the same directory.
func Write(path string, m *BuildManifest, format Format) error {
	if m == nil {
		return ErrManifestNil
	}

	data, err := marshal(m, format)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)

	mkdirErr := os.MkdirAll(dir, dirPermissions)
	if mkdirErr != nil {
		return fmt.Errorf("failed to create manifest directory: %w", mkdirErr)
	}

	tempFile, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}

	tempPath := tempFile.Name()

	_, writeErr := tempFile.Write(data)
	closeErr := tempFile.Close()

	if writeErr == nil {
		writeErr = closeErr
	}

	if writeErr == nil {
		writeErr = os.Chmod(tempPath, filePermissions)
	}

	if writeErr == nil {
		writeErr = os.Rename(tempPath, path)
	}

	if writeErr != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf("failed to write manifest: %w", writeErr)
	}

	return nil
}

// Read loads a manifest, choosing the decoder by file extension.
func Read(path string) (*BuildManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m BuildManifest

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	default:
		err = json.Unmarshal(data, &m)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", path, err)
	}

	return &m, nil
}

// Marshal renders m in the given format.
func Marshal(m *BuildManifest, format Format) ([]byte, error) {
	if m == nil {
		return nil, ErrManifestNil
	}

	return marshal(m, format)
}

func marshal(m *BuildManifest, format Format) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		data, err := json.MarshalIndent(m, "", jsonIndent)
		if err != nil {
			return nil, fmt.Errorf("failed to encode manifest: %w", err)
		}

		return append(data, '\n'), nil
	case FormatYAML:
		data, err := yaml.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("failed to encode manifest: %w", err)
		}

		return data, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}
