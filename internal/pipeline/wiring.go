package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/logger"

	"github.com/book-expert/narrator/internal/cache"
	"github.com/book-expert/narrator/internal/config"
	"github.com/book-expert/narrator/internal/core"
	"github.com/book-expert/narrator/internal/history"
	"github.com/book-expert/narrator/internal/manifest"
	"github.com/book-expert/narrator/internal/markup"
	"github.com/book-expert/narrator/internal/tts"
	"github.com/book-expert/narrator/internal/tts/audio"
)

// Service is a Builder together with the resources it owns.
type Service struct {
	Builder  *Builder
	Provider core.Provider
	History  *history.Store

	cache *cache.DiskCache
}

// Close releases the cache and the history database.
func (s *Service) Close() error {
	var errs []error

	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}

	if s.History != nil {
		errs = append(errs, s.History.Close())
	}

	return errors.Join(errs...)
}

// VoiceFromConfig returns the configured voice.
func VoiceFromConfig(cfg *config.Config) core.VoiceConfig {
	return core.VoiceConfig{
		VoiceID: cfg.Voice.ID,
		Rate:    cfg.Voice.Rate,
		Pitch:   cfg.Voice.Pitch,
	}
}

// NewProvider builds the provider selected by provider.kind.
func NewProvider(cfg *config.Config, log *logger.Logger) (core.Provider, error) {
	switch cfg.Provider.Kind {
	case config.ProviderHTTP:
		return tts.NewHTTPClient(cfg.Provider.ServiceURL, cfg.ProviderTimeout()), nil
	case config.ProviderCommand:
		return tts.NewCommandProvider(tts.CommandConfig{
			BinaryPath: cfg.Provider.BinaryPath,
			Args:       cfg.Provider.Args,
		}, log)
	default:
		return nil, fmt.Errorf("%w: got %q", config.ErrProviderKind, cfg.Provider.Kind)
	}
}

// NewService validates cfg and wires provider, cache, history, dispatcher and
// assembler into a Builder.
func NewService(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Service, error) {
	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	provider, err := NewProvider(cfg, log)
	if err != nil {
		return nil, err
	}

	service := &Service{Provider: provider}

	opts, err := builderOptions(cfg)
	if err != nil {
		return nil, err
	}

	dispatcherOpts := tts.DispatcherOptions{
		MaxConcurrency:    cfg.Dispatcher.MaxConcurrency,
		RequestTimeout:    cfg.RequestTimeout(),
		RequestsPerSecond: cfg.Dispatcher.RequestsPerSecond,
		Burst:             cfg.Dispatcher.Burst,
		Retry:             tts.ExponentialRetryPolicy(cfg.Dispatcher.MaxAttempts, cfg.InitialBackoff(), cfg.MaxBackoff()),
	}

	if cfg.Cache.Enabled {
		dir := cfg.Cache.Dir
		if dir == "" {
			dir = cache.DefaultDir()
		}

		diskCache, cacheErr := cache.NewDiskCache(dir)
		if cacheErr != nil {
			return nil, cacheErr
		}

		service.cache = diskCache
		dispatcherOpts.Cache = diskCache

		log.Info("Chunk audio cache enabled at %s", dir)
	}

	if cfg.History.Path != "" {
		store, historyErr := history.Open(ctx, cfg.History.Path, log)
		if historyErr != nil {
			_ = service.Close()

			return nil, historyErr
		}

		service.History = store
	}

	dispatcher, err := tts.NewDispatcher(provider, dispatcherOpts, log)
	if err != nil {
		_ = service.Close()

		return nil, err
	}

	assembler, err := audio.NewAssembler(audio.AssemblerOptions{
		Codec:      audio.Codec(cfg.Output.Codec),
		FFmpegPath: cfg.Output.FFmpegPath,
	}, log)
	if err != nil {
		_ = service.Close()

		return nil, err
	}

	deps := Dependencies{
		Dispatcher:   dispatcher,
		Assembler:    assembler,
		ProviderName: provider.Name(),
	}

	if service.History != nil {
		deps.History = service.History
	}

	builder, err := NewBuilder(deps, opts, log)
	if err != nil {
		_ = service.Close()

		return nil, err
	}

	service.Builder = builder

	return service, nil
}

func builderOptions(cfg *config.Config) (Options, error) {
	mode, err := markup.ParseMode(cfg.Planner.Mode)
	if err != nil {
		return Options{}, err
	}

	format, err := manifest.ParseFormat(cfg.Output.ManifestFormat)
	if err != nil {
		return Options{}, err
	}

	return Options{
		ParseMode:      mode,
		MaxChunkBytes:  cfg.Planner.MaxChunkBytes,
		ManifestFormat: format,
		BuildTimeout:   cfg.BuildTimeout(),
	}, nil
}

// CodecExtension returns the file extension of the configured output codec.
func CodecExtension(cfg *config.Config) string {
	codec, err := audio.ParseCodec(cfg.Output.Codec)
	if err != nil {
		return audio.CodecWAV.Extension()
	}

	return codec.Extension()
}
