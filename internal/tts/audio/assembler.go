package audio

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/go-audio/wav"

	"github.com/book-expert/narrator/internal/core"
)

const (
	defaultFFmpegPath = "ffmpeg"
	dirPermissions    = 0o750
	tempPattern       = ".narrator-*.wav"
)

var (
	// ErrAssemblyGap is matched by every AssemblyGapError.
	ErrAssemblyGap = errors.New("assembly gap")
	// ErrFormatMismatch is returned when chunks disagree on sample rate, bit depth or
	// channel count.
	ErrFormatMismatch = errors.New("chunk audio formats differ")
	// ErrOutputPathEmpty is returned when no output path is given.
	ErrOutputPathEmpty = errors.New("output path cannot be empty")
)

// AssemblyGapError reports result indices missing from, or unexpected in, the
// contiguous range [0, Expected). It always indicates a defect upstream.
type AssemblyGapError struct {
	Missing    []int
	Unexpected []int
	Expected   int
}

func (e *AssemblyGapError) Error() string {
	if len(e.Unexpected) > 0 {
		return fmt.Sprintf("assembly gap: expected %d chunks, missing %v, unexpected %v", e.Expected, e.Missing, e.Unexpected)
	}

	return fmt.Sprintf("assembly gap: expected %d chunks, missing %v", e.Expected, e.Missing)
}

// Is makes errors.Is(err, ErrAssemblyGap) hold.
func (e *AssemblyGapError) Is(target error) bool {
	return target == ErrAssemblyGap
}

// AssemblerOptions configure output encoding.
type AssemblerOptions struct {
	Codec      Codec
	FFmpegPath string
}

// Output describes the published audio file.
type Output struct {
	Path     string
	Checksum string
	Bytes    int64
	Duration time.Duration
	Silence  time.Duration
	Format   Format
}

// Assembler concatenates chunk audio in index order.
type Assembler struct {
	opts AssemblerOptions
	log  *logger.Logger
}

// NewAssembler validates the options and returns an Assembler.
func NewAssembler(opts AssemblerOptions, log *logger.Logger) (*Assembler, error) {
	codec, err := ParseCodec(string(opts.Codec))
	if err != nil {
		return nil, err
	}

	opts.Codec = codec
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = defaultFFmpegPath
	}

	return &Assembler{opts: opts, log: log}, nil
}

// Codec returns the output codec.
func (a *Assembler) Codec() Codec {
	return a.opts.Codec
}

// Assemble writes the audio of every chunk, in index order and with each chunk's
// trailing pause rendered as silence, to outputPath. Nothing is left at outputPath
// when it fails.
func (a *Assembler) Assemble(
	ctx context.Context,
	chunks []core.Chunk,
	results map[int]core.SynthesisResult,
	outputPath string,
) (*Output, error) {
	if outputPath == "" {
		return nil, ErrOutputPathEmpty
	}

	ordered, gapErr := orderChunks(chunks, results)
	if gapErr != nil {
		return nil, gapErr
	}

	output, writeErr := a.publish(ctx, ordered, results, outputPath)
	if writeErr != nil {
		return nil, writeErr
	}

	a.log.Info("Assembled %d chunks into %s (%s, %s, %s of silence)",
		len(ordered), output.Path, output.Format, output.Duration, output.Silence)

	return output, nil
}

// orderChunks returns the chunks sorted by index after checking that chunks and
// results both cover exactly [0, len(chunks)).
func orderChunks(chunks []core.Chunk, results map[int]core.SynthesisResult) ([]core.Chunk, error) {
	expected := len(chunks)
	ordered := make([]core.Chunk, expected)
	seen := make([]bool, expected)

	var unexpected []int

	for _, chunk := range chunks {
		if chunk.Index < 0 || chunk.Index >= expected || seen[chunk.Index] {
			unexpected = append(unexpected, chunk.Index)

			continue
		}

		seen[chunk.Index] = true
		ordered[chunk.Index] = chunk
	}

	var missing []int

	for index := range expected {
		_, found := results[index]
		if !seen[index] || !found {
			missing = append(missing, index)
		}
	}

	for index := range results {
		if index < 0 || index >= expected {
			unexpected = append(unexpected, index)
		}
	}

	if expected == 0 || len(missing) > 0 || len(unexpected) > 0 {
		slices.Sort(unexpected)

		return nil, &AssemblyGapError{Missing: missing, Unexpected: unexpected, Expected: expected}
	}

	return ordered, nil
}

// stream decodes the chunks one at a time, in index order, and appends their samples
// and trailing silence to the encoder. Only one chunk is held decoded at a time.
func stream(
	ctx context.Context,
	sink io.WriteSeeker,
	ordered []core.Chunk,
	results map[int]core.SynthesisResult,
) (*Output, error) {
	var (
		encoder *wav.Encoder
		output  Output
		frames  int
	)

	for _, chunk := range ordered {
		ctxErr := ctx.Err()
		if ctxErr != nil {
			return nil, fmt.Errorf("assembly interrupted: %w", ctxErr)
		}

		buffer, chunkFormat, err := decode(results[chunk.Index].Audio)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", chunk.Index, err)
		}

		if encoder == nil {
			output.Format = chunkFormat
			encoder = newEncoder(sink, chunkFormat)
		} else if chunkFormat != output.Format {
			return nil, fmt.Errorf("%w: chunk %d is %s, chunk 0 is %s", ErrFormatMismatch, chunk.Index, chunkFormat, output.Format)
		}

		writeErr := encoder.Write(buffer)
		if writeErr != nil {
			return nil, fmt.Errorf("failed to encode chunk %d: %w", chunk.Index, writeErr)
		}

		frames += len(buffer.Data) / output.Format.Channels

		if chunk.TrailingPause > 0 {
			silent := output.Format.FramesFor(chunk.TrailingPause)

			writeErr = encoder.Write(intBuffer(output.Format, make([]int, silent*output.Format.Channels)))
			if writeErr != nil {
				return nil, fmt.Errorf("failed to encode pause after chunk %d: %w", chunk.Index, writeErr)
			}

			frames += silent
			output.Silence += output.Format.DurationOf(silent)
		}
	}

	closeErr := encoder.Close()
	if closeErr != nil {
		return nil, fmt.Errorf("failed to finalize wav: %w", closeErr)
	}

	output.Duration = output.Format.DurationOf(frames)

	return &output, nil
}

// publish encodes into a temp file beside outputPath, transcodes when needed, and
// renames the finished file into place.
func (a *Assembler) publish(
	ctx context.Context,
	ordered []core.Chunk,
	results map[int]core.SynthesisResult,
	outputPath string,
) (*Output, error) {
	dir := filepath.Dir(outputPath)

	mkdirErr := os.MkdirAll(dir, dirPermissions)
	if mkdirErr != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", mkdirErr)
	}

	tempFile, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp output file: %w", err)
	}

	tempPaths := []string{tempFile.Name()}

	defer func() {
		for _, path := range tempPaths {
			removeErr := os.Remove(path)
			if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				a.log.Warn("Failed to remove temp file '%s': %v", path, removeErr)
			}
		}
	}()

	output, streamErr := stream(ctx, tempFile, ordered, results)
	closeErr := tempFile.Close()

	if streamErr != nil {
		return nil, streamErr
	}

	if closeErr != nil {
		return nil, fmt.Errorf("failed to close temp output file: %w", closeErr)
	}

	finalPath := tempFile.Name()

	if a.opts.Codec == CodecMP3 {
		mp3Path := strings.TrimSuffix(finalPath, ".wav") + CodecMP3.Extension()
		tempPaths = append(tempPaths, mp3Path)

		transcodeErr := a.transcode(ctx, finalPath, mp3Path)
		if transcodeErr != nil {
			return nil, transcodeErr
		}

		finalPath = mp3Path
	}

	checksum, size, sumErr := fileChecksum(finalPath)
	if sumErr != nil {
		return nil, sumErr
	}

	renameErr := os.Rename(finalPath, outputPath)
	if renameErr != nil {
		return nil, fmt.Errorf("failed to move output into place: %w", renameErr)
	}

	output.Path = outputPath
	output.Checksum = checksum
	output.Bytes = size

	return output, nil
}

func (a *Assembler) transcode(ctx context.Context, wavPath, mp3Path string) error {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", wavPath,
		"-codec:a", "libmp3lame", "-q:a", "2",
		mp3Path,
	}

	// #nosec G204 -- the binary comes from configuration, the paths are our temp files
	cmd := exec.CommandContext(ctx, a.opts.FFmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg interrupted: %w", ctx.Err())
		}

		return fmt.Errorf("ffmpeg failed: %w, stderr: %s", runErr, stderr.String())
	}

	return nil
}

func fileChecksum(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open output for checksum: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()

	size, err := io.Copy(hasher, file)
	if err != nil {
		return "", 0, fmt.Errorf("failed to checksum output: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

