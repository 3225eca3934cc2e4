package pipeline_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narrator/internal/config"
	"github.com/book-expert/narrator/internal/core"
	"github.com/book-expert/narrator/internal/manifest"
	"github.com/book-expert/narrator/internal/markup"
	"github.com/book-expert/narrator/internal/pipeline"
	"github.com/book-expert/narrator/internal/planner"
	"github.com/book-expert/narrator/internal/tts"
	"github.com/book-expert/narrator/internal/tts/audio"
	"github.com/book-expert/narrator/internal/tts/audio/audiotest"
)

const (
	testMaxChunkBytes = 160
	testVoiceID       = "en-US-narrator"
)

const threeParagraphs = `<speak>` +
	`<p>Alpha begins the story on a quiet morning by the sea. The narrator speaks slowly and clearly for everyone.</p>` +
	`<p>Beta continues with the journey across the hills. Travelers pause to look back at the fading harbor lights.</p>` +
	`<p>Gamma closes the chapter as night falls over town. Everyone rests and the story waits for the next day.</p>` +
	`</speak>`

var errUpstream = errors.New("upstream unavailable")

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "pipeline-test.log")
	require.NoError(t, err)

	return log
}

func wavOf(t *testing.T, frames int) []byte {
	t.Helper()

	return audiotest.Silent(t, frames)
}

// scriptedProvider returns fixed audio, failing every request whose markup
// contains failOn.
type scriptedProvider struct {
	mu     sync.Mutex
	audio  []byte
	failOn string
	block  bool
	calls  int
}

func (p *scriptedProvider) Name() string {
	return "scripted"
}

func (p *scriptedProvider) Synthesize(ctx context.Context, req core.SynthesisRequest) ([]byte, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if p.block {
		<-ctx.Done()

		return nil, ctx.Err()
	}

	if p.failOn != "" && strings.Contains(req.Markup, p.failOn) {
		return nil, core.NewProviderError(core.ServerError, "", errUpstream)
	}

	return p.audio, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.calls
}

type recorder struct {
	mu        sync.Mutex
	manifests []*manifest.BuildManifest
	err       error
}

func (r *recorder) Record(_ context.Context, m *manifest.BuildManifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.manifests = append(r.manifests, m)

	return r.err
}

func newBuilder(t *testing.T, provider core.Provider, history pipeline.Recorder, mutate func(*pipeline.Options)) *pipeline.Builder {
	t.Helper()

	log := testLogger(t)

	dispatcherOpts := tts.DefaultDispatcherOptions()
	dispatcherOpts.Retry = tts.NoDelayRetryPolicy(3)
	dispatcherOpts.RequestTimeout = 0

	dispatcher, err := tts.NewDispatcher(provider, dispatcherOpts, log)
	require.NoError(t, err)

	assembler, err := audio.NewAssembler(audio.AssemblerOptions{}, log)
	require.NoError(t, err)

	opts := pipeline.DefaultOptions()
	opts.MaxChunkBytes = testMaxChunkBytes

	if mutate != nil {
		mutate(&opts)
	}

	builder, err := pipeline.NewBuilder(pipeline.Dependencies{
		Dispatcher:   dispatcher,
		Assembler:    assembler,
		History:      history,
		ProviderName: provider.Name(),
	}, opts, log)
	require.NoError(t, err)

	return builder
}

func request(t *testing.T, input string) pipeline.Request {
	t.Helper()

	return pipeline.Request{
		Markup:     []byte(input),
		SourceName: "chapter-01.ssml",
		OutputPath: filepath.Join(t.TempDir(), "out", "chapter-01.wav"),
		Voice:      core.NewVoiceConfig(testVoiceID),
	}
}

func TestPlan_SplitsAtParagraphs(t *testing.T) {
	t.Parallel()

	chunks, err := pipeline.Plan([]byte(threeParagraphs), markup.Strict, planner.Options{
		MaxChunkBytes: testMaxChunkBytes,
		Base:          core.NewVoiceConfig(testVoiceID).Prosody(),
	})
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Contains(t, chunks[0].Markup, "Alpha")
	assert.Contains(t, chunks[1].Markup, "Beta")
	assert.Contains(t, chunks[2].Markup, "Gamma")
}

func TestBuild_WritesOutputAndManifest(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{audio: wavOf(t, 4800)}
	history := &recorder{}
	req := request(t, threeParagraphs)

	built, err := newBuilder(t, provider, history, nil).Build(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 3, built.ChunkCount)
	assert.Len(t, built.Chunks, 3)
	assert.Equal(t, testVoiceID, built.VoiceID)
	assert.InDelta(t, core.DefaultRate, built.Rate, 1e-9)
	assert.Equal(t, "scripted", built.Provider)
	assert.Equal(t, "wav", built.Codec)
	assert.Equal(t, int64(600), built.TotalDurationMS)
	assert.Equal(t, manifest.HashBytes(req.Markup), built.SourceDocumentHash)
	assert.NotEmpty(t, built.BuildID)

	data, err := os.ReadFile(req.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, manifest.HashBytes(data), built.OutputChecksum)

	onDisk, err := manifest.Read(manifest.PathFor(req.OutputPath, manifest.FormatJSON))
	require.NoError(t, err)
	assert.Equal(t, built.BuildID, onDisk.BuildID)
	assert.Equal(t, built.Fingerprint(), onDisk.Fingerprint())

	require.Len(t, history.manifests, 1)
	assert.Equal(t, built.BuildID, history.manifests[0].BuildID)

	for _, chunk := range built.Chunks {
		assert.Equal(t, 1, chunk.AttemptCount)
		assert.Equal(t, int64(200), chunk.DurationMS)
	}
}

func TestBuild_ChunkFailureLeavesNothing(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{audio: wavOf(t, 4800), failOn: "Gamma"}
	history := &recorder{}
	req := request(t, threeParagraphs)

	built, err := newBuilder(t, provider, history, nil).Build(context.Background(), req)
	require.Error(t, err)
	assert.Nil(t, built)

	var synthErr *tts.SynthesisError
	require.ErrorAs(t, err, &synthErr)
	assert.Equal(t, 2, synthErr.ChunkIndex)
	assert.Equal(t, 3, synthErr.Attempts)
	assert.Equal(t, pipeline.ExitSynthesis, pipeline.ExitCode(err))

	assert.NoFileExists(t, req.OutputPath)
	assert.NoFileExists(t, manifest.PathFor(req.OutputPath, manifest.FormatJSON))
	assert.Empty(t, history.manifests)
}

func TestBuild_RepeatedRunsShareFingerprint(t *testing.T) {
	t.Parallel()

	builder := newBuilder(t, &scriptedProvider{audio: wavOf(t, 2400)}, nil, nil)

	first, err := builder.Build(context.Background(), request(t, threeParagraphs))
	require.NoError(t, err)

	second, err := builder.Build(context.Background(), request(t, threeParagraphs))
	require.NoError(t, err)

	assert.NotEqual(t, first.BuildID, second.BuildID)
	assert.Equal(t, first.ChunkCount, second.ChunkCount)
	assert.True(t, first.Fingerprint().Equal(second.Fingerprint()))
}

func TestBuild_PlanningErrorsStopBeforeSynthesis(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		wantErr  error
		wantCode int
	}{
		{
			name:     "malformed",
			input:    "<speak><p>unclosed</speak>",
			wantErr:  markup.ErrMalformedMarkup,
			wantCode: pipeline.ExitParse,
		},
		{
			name:     "too large",
			input:    "<speak>" + strings.Repeat("word ", 60) + "end.</speak>",
			wantErr:  planner.ErrChunkTooLarge,
			wantCode: pipeline.ExitChunkTooLarge,
		},
		{
			name:     "empty",
			input:    "<speak>   </speak>",
			wantErr:  planner.ErrEmptyDocument,
			wantCode: pipeline.ExitParse,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			provider := &scriptedProvider{audio: wavOf(t, 100)}
			req := request(t, testCase.input)

			_, err := newBuilder(t, provider, nil, nil).Build(context.Background(), req)
			require.ErrorIs(t, err, testCase.wantErr)
			assert.Equal(t, testCase.wantCode, pipeline.ExitCode(err))
			assert.Zero(t, provider.callCount())
			assert.NoFileExists(t, req.OutputPath)
		})
	}
}

func TestBuild_TimeoutCancelsInFlightWork(t *testing.T) {
	t.Parallel()

	provider := &scriptedProvider{block: true}
	req := request(t, threeParagraphs)

	builder := newBuilder(t, provider, nil, func(opts *pipeline.Options) {
		opts.BuildTimeout = 50 * time.Millisecond
	})

	_, err := builder.Build(context.Background(), req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, pipeline.ExitTimeout, pipeline.ExitCode(err))
	assert.NoFileExists(t, req.OutputPath)
	assert.NoFileExists(t, manifest.PathFor(req.OutputPath, manifest.FormatJSON))
}

func TestBuild_HistoryFailureDoesNotFailBuild(t *testing.T) {
	t.Parallel()

	history := &recorder{err: errors.New("disk full")}
	req := request(t, threeParagraphs)

	built, err := newBuilder(t, &scriptedProvider{audio: wavOf(t, 240)}, history, func(opts *pipeline.Options) {
		opts.ManifestFormat = manifest.FormatYAML
	}).Build(context.Background(), req)
	require.NoError(t, err)
	assert.FileExists(t, req.OutputPath)
	assert.FileExists(t, manifest.PathFor(req.OutputPath, manifest.FormatYAML))
	assert.Len(t, history.manifests, 1)
	assert.Equal(t, built.BuildID, history.manifests[0].BuildID)
}

func TestBuild_RejectsBadRequests(t *testing.T) {
	t.Parallel()

	builder := newBuilder(t, &scriptedProvider{audio: wavOf(t, 240)}, nil, nil)

	req := request(t, threeParagraphs)
	req.OutputPath = ""

	_, err := builder.Build(context.Background(), req)
	require.ErrorIs(t, err, pipeline.ErrOutputPathEmpty)
	assert.Equal(t, pipeline.ExitFailure, pipeline.ExitCode(err))

	req = request(t, threeParagraphs)
	req.Voice.VoiceID = ""

	_, err = builder.Build(context.Background(), req)
	require.ErrorIs(t, err, core.ErrVoiceIDEmpty)
}

func TestNewService_CachesAndRecordsHistory(t *testing.T) {
	t.Parallel()

	wav := wavOf(t, 2400)

	var (
		mu    sync.Mutex
		calls int
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()

		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wav)
	}))
	defer server.Close()

	dir := t.TempDir()

	cfg := config.Default()
	cfg.Provider.ServiceURL = server.URL
	cfg.Planner.MaxChunkBytes = testMaxChunkBytes
	cfg.Cache.Enabled = true
	cfg.Cache.Dir = filepath.Join(dir, "cache")
	cfg.History.Path = filepath.Join(dir, "history.db")

	service, err := pipeline.NewService(context.Background(), &cfg, testLogger(t))
	require.NoError(t, err)

	defer service.Close()

	voice := pipeline.VoiceFromConfig(&cfg)

	first, err := service.Builder.Build(context.Background(), pipeline.Request{
		Markup:     []byte(threeParagraphs),
		OutputPath: filepath.Join(dir, "first.wav"),
		Voice:      voice,
	})
	require.NoError(t, err)
	assert.Equal(t, "http", first.Provider)
	assert.Equal(t, "stdin", first.SourceDocument)

	second, err := service.Builder.Build(context.Background(), pipeline.Request{
		Markup:     []byte(threeParagraphs),
		OutputPath: filepath.Join(dir, "second.wav"),
		Voice:      voice,
	})
	require.NoError(t, err)

	for _, chunk := range second.Chunks {
		assert.True(t, chunk.Cached)
		assert.Zero(t, chunk.AttemptCount)
	}

	assert.Equal(t, first.OutputChecksum, second.OutputChecksum)

	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()

	entries, err := service.History.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second.BuildID, entries[0].BuildID)
}

func TestNewService_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Dispatcher.MaxConcurrency = 0

	_, err := pipeline.NewService(context.Background(), &cfg, testLogger(t))
	require.ErrorIs(t, err, config.ErrConcurrency)
}
