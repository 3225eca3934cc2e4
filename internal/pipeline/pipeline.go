// Package pipeline runs one narration build end to end: parse, plan, synthesize,
// assemble, then record the manifest. A failed build leaves neither an output file
// nor a manifest behind.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/narrator/internal/core"
	"github.com/book-expert/narrator/internal/manifest"
	"github.com/book-expert/narrator/internal/markup"
	"github.com/book-expert/narrator/internal/planner"
	"github.com/book-expert/narrator/internal/tts"
	"github.com/book-expert/narrator/internal/tts/audio"
)

const defaultSourceName = "stdin"

var (
	// ErrOutputPathEmpty is returned for a request without an output path.
	ErrOutputPathEmpty = errors.New("output path cannot be empty")
	// ErrDispatcherNil is returned when a builder has no dispatcher.
	ErrDispatcherNil = errors.New("dispatcher cannot be nil")
	// ErrAssemblerNil is returned when a builder has no assembler.
	ErrAssemblerNil = errors.New("assembler cannot be nil")
)

// Recorder stores manifests of finished builds.
type Recorder interface {
	Record(ctx context.Context, m *manifest.BuildManifest) error
}

// Dependencies are the collaborators of a Builder. History is optional.
type Dependencies struct {
	Dispatcher   *tts.Dispatcher
	Assembler    *audio.Assembler
	History      Recorder
	ProviderName string
}

// Options configure every build run by a Builder.
type Options struct {
	ParseMode      markup.Mode
	MaxChunkBytes  int
	ManifestFormat manifest.Format
	// BuildTimeout bounds a whole build. Zero means no limit beyond the caller's
	// context.
	BuildTimeout time.Duration
}

// DefaultOptions returns strict parsing, the default ceiling and JSON manifests.
func DefaultOptions() Options {
	return Options{
		ParseMode:      markup.Strict,
		MaxChunkBytes:  planner.DefaultMaxChunkBytes,
		ManifestFormat: manifest.FormatJSON,
	}
}

// Request describes one build.
type Request struct {
	Markup     []byte
	SourceName string
	OutputPath string
	Voice      core.VoiceConfig
}

// Builder runs builds. It holds no per-build state and may run builds concurrently.
type Builder struct {
	deps  Dependencies
	opts  Options
	log   *logger.Logger
	clock func() time.Time
}

// NewBuilder returns a Builder.
func NewBuilder(deps Dependencies, opts Options, log *logger.Logger) (*Builder, error) {
	if deps.Dispatcher == nil {
		return nil, ErrDispatcherNil
	}

	if deps.Assembler == nil {
		return nil, ErrAssemblerNil
	}

	if opts.ManifestFormat == "" {
		opts.ManifestFormat = manifest.FormatJSON
	}

	return &Builder{deps: deps, opts: opts, log: log, clock: time.Now}, nil
}

// Plan parses and plans a document without synthesizing it.
func Plan(input []byte, mode markup.Mode, opts planner.Options) ([]core.Chunk, error) {
	doc, err := markup.Parse(input, mode)
	if err != nil {
		return nil, err
	}

	return planner.Plan(doc, opts)
}

// Build produces the audio file and its manifest. Parse and planning errors are
// returned before any provider call.
func (b *Builder) Build(ctx context.Context, req Request) (*manifest.BuildManifest, error) {
	started := b.clock()

	if req.OutputPath == "" {
		return nil, ErrOutputPathEmpty
	}

	if req.SourceName == "" {
		req.SourceName = defaultSourceName
	}

	voiceErr := req.Voice.Validate()
	if voiceErr != nil {
		return nil, voiceErr
	}

	if b.opts.BuildTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, b.opts.BuildTimeout)
		defer cancel()
	}

	chunks, err := Plan(req.Markup, b.opts.ParseMode, planner.Options{
		MaxChunkBytes: b.opts.MaxChunkBytes,
		Base:          req.Voice.Prosody(),
	})
	if err != nil {
		b.log.Error("Failed to plan %s: %v", req.SourceName, err)

		return nil, err
	}

	b.log.Info("Planned %s into %d chunk(s) for voice %s", req.SourceName, len(chunks), req.Voice.VoiceID)

	results, err := b.deps.Dispatcher.Dispatch(ctx, chunks, req.Voice)
	if err != nil {
		b.log.Error("Synthesis of %s failed: %v", req.SourceName, err)

		return nil, err
	}

	output, err := b.deps.Assembler.Assemble(ctx, chunks, results, req.OutputPath)
	if err != nil {
		b.log.Error("Assembly of %s failed: %v", req.SourceName, err)

		return nil, err
	}

	built := b.newManifest(req, chunks, results, output, started)

	publishErr := b.publishManifest(ctx, built)
	if publishErr != nil {
		b.discardOutput(output.Path)

		return nil, publishErr
	}

	b.record(ctx, built)

	b.log.Info("Built %s -> %s (%d chunks, %s) in %s",
		req.SourceName, output.Path, len(chunks), output.Duration, b.clock().Sub(started))

	return built, nil
}

func (b *Builder) newManifest(
	req Request,
	chunks []core.Chunk,
	results map[int]core.SynthesisResult,
	output *audio.Output,
	started time.Time,
) *manifest.BuildManifest {
	finished := b.clock()

	return &manifest.BuildManifest{
		BuildID:            uuid.NewString(),
		SourceDocument:     req.SourceName,
		SourceDocumentHash: manifest.HashBytes(req.Markup),
		ChunkCount:         len(chunks),
		VoiceID:            req.Voice.VoiceID,
		Rate:               req.Voice.Rate,
		Pitch:              req.Voice.Pitch,
		MaxChunkBytes:      b.opts.MaxChunkBytes,
		Provider:           b.deps.ProviderName,
		Codec:              string(b.deps.Assembler.Codec()),
		AudioFormat:        output.Format,
		Chunks:             manifest.ChunkRecords(chunks, results),
		SilenceMS:          output.Silence.Milliseconds(),
		TotalDurationMS:    output.Duration.Milliseconds(),
		OutputPath:         output.Path,
		OutputChecksum:     output.Checksum,
		OutputBytes:        output.Bytes,
		BuildTimestamp:     finished.UTC(),
		ElapsedMS:          finished.Sub(started).Milliseconds(),
	}
}

// publishManifest writes the sidecar unless the build ran out of time, in which
// case the build fails as a whole.
func (b *Builder) publishManifest(ctx context.Context, built *manifest.BuildManifest) error {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return fmt.Errorf("build interrupted before manifest: %w", ctxErr)
	}

	path := manifest.PathFor(built.OutputPath, b.opts.ManifestFormat)

	writeErr := manifest.Write(path, built, b.opts.ManifestFormat)
	if writeErr != nil {
		b.log.Error("Failed to write manifest %s: %v", path, writeErr)

		return writeErr
	}

	return nil
}

func (b *Builder) discardOutput(path string) {
	removeErr := os.Remove(path)
	if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		b.log.Warn("Failed to remove output '%s' of a failed build: %v", path, removeErr)
	}
}

// record appends to the history store. History is an audit trail; a failure is
// logged and the build still succeeds.
func (b *Builder) record(ctx context.Context, built *manifest.BuildManifest) {
	if b.deps.History == nil {
		return
	}

	err := b.deps.History.Record(context.WithoutCancel(ctx), built)
	if err != nil {
		b.log.Warn("Failed to record build %s in history: %v", built.BuildID, err)
	}
}
