package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/book-expert/narrator/internal/core"
	"github.com/book-expert/narrator/internal/tts/audio"
)

// Dispatcher defaults.
const (
	DefaultMaxConcurrency = 4
	DefaultRequestTimeout = 60 * time.Second
)

const (
	logFmtChunkDone      = "Synthesized chunk %d/%d (%d bytes of markup, %d attempt(s), %s)"
	logFmtChunkCached    = "Chunk %d/%d served from cache (%s)"
	logFmtRetry          = "Chunk %d attempt %d failed, retrying in %s: %v"
	logFmtChunkFailed    = "Chunk %d failed after %d attempt(s): %v"
	logFmtCachePutFailed = "Failed to cache audio for chunk %d: %v"
	errFmtInterrupted    = "synthesis interrupted: %w"
)

// DispatcherOptions configure concurrency, pacing and retries.
type DispatcherOptions struct {
	// MaxConcurrency bounds the number of in-flight provider calls.
	MaxConcurrency int
	// RequestTimeout bounds one provider call. Zero disables the per-call timeout.
	RequestTimeout time.Duration
	// RequestsPerSecond paces provider calls across all workers. Zero is unlimited.
	RequestsPerSecond float64
	Burst             int
	Retry             RetryPolicy
	// Cache is optional.
	Cache core.AudioCache
	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherOptions returns four workers, three attempts with exponential
// backoff and no rate limit.
func DefaultDispatcherOptions() DispatcherOptions {
	return DispatcherOptions{
		MaxConcurrency: DefaultMaxConcurrency,
		RequestTimeout: DefaultRequestTimeout,
		Retry:          DefaultRetryPolicy(),
	}
}

// Dispatcher sends chunks to a provider with bounded concurrency and collects the
// audio keyed by chunk index.
type Dispatcher struct {
	provider core.Provider
	opts     DispatcherOptions
	limiter  *rate.Limiter
	metrics  *dispatchMetrics
	log      *logger.Logger
}

// NewDispatcher validates the options and returns a Dispatcher.
func NewDispatcher(provider core.Provider, opts DispatcherOptions, log *logger.Logger) (*Dispatcher, error) {
	if provider == nil {
		return nil, ErrProviderNil
	}

	if opts.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidConcurrency, opts.MaxConcurrency)
	}

	if opts.Retry.MaxAttempts <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidAttempts, opts.Retry.MaxAttempts)
	}

	metrics, err := newDispatchMetrics(opts.MeterProvider)
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		provider: provider,
		opts:     opts,
		limiter:  newLimiter(opts.RequestsPerSecond, opts.Burst),
		metrics:  metrics,
		log:      log,
	}, nil
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}

	if burst < 1 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Dispatch synthesizes every chunk and returns the results keyed by chunk index.
// Results may complete in any order. When any chunk fails for good the remaining
// work is cancelled and no results are returned.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	chunks []core.Chunk,
	voice core.VoiceConfig,
) (map[int]core.SynthesisResult, error) {
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}

	voiceErr := voice.Validate()
	if voiceErr != nil {
		return nil, voiceErr
	}

	seen := make(map[int]bool, len(chunks))
	for _, chunk := range chunks {
		if seen[chunk.Index] {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateChunkIndex, chunk.Index)
		}

		seen[chunk.Index] = true
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.opts.MaxConcurrency)

	var mu sync.Mutex

	results := make(map[int]core.SynthesisResult, len(chunks))

	for _, chunk := range chunks {
		group.Go(func() error {
			result, err := d.synthesizeChunk(groupCtx, chunk, voice, len(chunks))
			if err != nil {
				return err
			}

			mu.Lock()
			results[chunk.Index] = result
			mu.Unlock()

			return nil
		})
	}

	waitErr := group.Wait()
	if waitErr != nil {
		var synthErr *SynthesisError
		if !errors.As(waitErr, &synthErr) && ctx.Err() != nil {
			return nil, fmt.Errorf(errFmtInterrupted, ctx.Err())
		}

		return nil, waitErr
	}

	return results, nil
}

func (d *Dispatcher) synthesizeChunk(
	ctx context.Context,
	chunk core.Chunk,
	voice core.VoiceConfig,
	total int,
) (core.SynthesisResult, error) {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return core.SynthesisResult{}, ctxErr
	}

	req := core.SynthesisRequest{
		Markup:  chunk.Markup,
		VoiceID: voice.VoiceID,
		Prosody: chunk.ActiveProsody,
	}

	cached, hit := d.fromCache(ctx, chunk, req)
	if hit {
		d.log.Info(logFmtChunkCached, chunk.Index+1, total, cached.Duration)

		return cached, nil
	}

	var (
		attempts int
		lastErr  error
		fatal    bool
	)

	operation := func() (core.SynthesisResult, error) {
		attempts++

		waitErr := d.limiter.Wait(ctx)
		if waitErr != nil {
			return core.SynthesisResult{}, backoff.Permanent(waitErr)
		}

		started := time.Now()

		data, duration, err := d.call(ctx, req)
		if err != nil {
			lastErr = err

			switch {
			case ctx.Err() != nil:
				return core.SynthesisResult{}, backoff.Permanent(err)
			case !core.IsRetryableProviderError(err):
				fatal = true

				d.metrics.attempt(ctx, outcomeRejected, time.Since(started))

				return core.SynthesisResult{}, backoff.Permanent(err)
			default:
				d.metrics.attempt(ctx, outcomeRetry, time.Since(started))

				return core.SynthesisResult{}, err
			}
		}

		d.metrics.attempt(ctx, outcomeOK, time.Since(started))

		return core.SynthesisResult{
			ChunkIndex: chunk.Index,
			Audio:      data,
			Duration:   duration,
			Attempts:   attempts,
			VoiceID:    voice.VoiceID,
		}, nil
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(d.opts.Retry.backOff()),
		backoff.WithMaxTries(uint(d.opts.Retry.MaxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			d.log.Warn(logFmtRetry, chunk.Index, attempts, wait, err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return core.SynthesisResult{}, ctx.Err()
		}

		cause := lastErr
		if cause == nil {
			cause = err
		}

		if fatal {
			d.metrics.chunk(ctx, outcomeRejected)
		} else {
			d.metrics.chunk(ctx, outcomeFailed)
		}

		d.log.Error(logFmtChunkFailed, chunk.Index, attempts, cause)

		return core.SynthesisResult{}, &SynthesisError{
			ChunkIndex: chunk.Index,
			Attempts:   attempts,
			Fatal:      fatal,
			Err:        cause,
		}
	}

	d.metrics.chunk(ctx, outcomeOK)
	d.toCache(chunk, req, result.Audio)
	d.log.Info(logFmtChunkDone, chunk.Index+1, total, chunk.ByteSize, result.Attempts, result.Duration)

	return result, nil
}

// call makes one provider request under the per-request timeout and checks that
// the answer is decodable audio.
func (d *Dispatcher) call(ctx context.Context, req core.SynthesisRequest) ([]byte, time.Duration, error) {
	callCtx := ctx

	if d.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc

		callCtx, cancel = context.WithTimeout(ctx, d.opts.RequestTimeout)
		defer cancel()
	}

	data, err := d.provider.Synthesize(callCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, 0, core.NewProviderError(core.Transient, "request timed out", err)
		}

		return nil, 0, err
	}

	if len(data) == 0 {
		return nil, 0, core.NewProviderError(core.Transient, "", ErrEmptyAudio)
	}

	_, duration, probeErr := audio.Probe(data)
	if probeErr != nil {
		return nil, 0, core.NewProviderError(core.Transient, "undecodable audio", probeErr)
	}

	return data, duration, nil
}

func (d *Dispatcher) fromCache(ctx context.Context, chunk core.Chunk, req core.SynthesisRequest) (core.SynthesisResult, bool) {
	if d.opts.Cache == nil {
		return core.SynthesisResult{}, false
	}

	data, found := d.opts.Cache.Get(req)
	if !found {
		return core.SynthesisResult{}, false
	}

	_, duration, err := audio.Probe(data)
	if err != nil {
		return core.SynthesisResult{}, false
	}

	d.metrics.cacheHit(ctx)
	d.metrics.chunk(ctx, outcomeCached)

	return core.SynthesisResult{
		ChunkIndex: chunk.Index,
		Audio:      data,
		Duration:   duration,
		Attempts:   0,
		VoiceID:    req.VoiceID,
		Cached:     true,
	}, true
}

func (d *Dispatcher) toCache(chunk core.Chunk, req core.SynthesisRequest, data []byte) {
	if d.opts.Cache == nil {
		return
	}

	err := d.opts.Cache.Put(req, data)
	if err != nil {
		d.log.Warn(logFmtCachePutFailed, chunk.Index, err)
	}
}
