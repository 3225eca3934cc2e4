// Package config provides the configuration structure for narrator.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Provider kinds.
const (
	ProviderHTTP    = "http"
	ProviderCommand = "command"
)

// Defaults.
const (
	DefaultVoiceID               = "en-US-narrator"
	DefaultRate                  = 0.85
	DefaultPitch                 = -2.0
	DefaultMaxChunkBytes         = 5000
	DefaultParseMode             = "strict"
	DefaultMaxConcurrency        = 4
	DefaultMaxAttempts           = 3
	DefaultRequestTimeoutSeconds = 60
	DefaultInitialBackoffMillis  = 500
	DefaultMaxBackoffMillis      = 8000
	DefaultServiceURL            = "http://localhost:8000"
	DefaultProviderTimeout       = 120
	DefaultCodec                 = "wav"
	DefaultFFmpegPath            = "ffmpeg"
	DefaultManifestFormat        = "json"
	DefaultBuildTimeoutSeconds   = 1800
	DefaultNATSURL               = "nats://127.0.0.1:4222"
	DefaultBuildRequestSubject   = "narrator.build.requested"
	DefaultTextBucket            = "TEXT_FILES"
	DefaultAudioBucket           = "AUDIO_FILES"
	DefaultMetricsBind           = ":9464"
	DefaultLogsDir               = "logs"
)

var (
	// ErrVoiceIDEmpty indicates that no voice id is configured.
	ErrVoiceIDEmpty = errors.New("voice.id cannot be empty")
	// ErrRateNotPositive indicates a non-positive voice rate.
	ErrRateNotPositive = errors.New("voice.rate must be greater than zero")
	// ErrMaxChunkBytes indicates a non-positive chunk ceiling.
	ErrMaxChunkBytes = errors.New("planner.max_chunk_bytes must be greater than zero")
	// ErrParseMode indicates an unknown parse mode.
	ErrParseMode = errors.New("planner.mode must be strict or lenient")
	// ErrConcurrency indicates a non-positive worker count.
	ErrConcurrency = errors.New("dispatcher.max_concurrency must be greater than zero")
	// ErrAttempts indicates a non-positive attempt budget.
	ErrAttempts = errors.New("dispatcher.max_attempts must be greater than zero")
	// ErrNegativeValue indicates a negative timeout, rate or burst.
	ErrNegativeValue = errors.New("value cannot be negative")
	// ErrProviderKind indicates an unknown provider kind.
	ErrProviderKind = errors.New("provider.kind must be http or command")
	// ErrServiceURLEmpty indicates an HTTP provider without a URL.
	ErrServiceURLEmpty = errors.New("provider.service_url cannot be empty for the http provider")
	// ErrBinaryPathEmpty indicates a command provider without a binary.
	ErrBinaryPathEmpty = errors.New("provider.binary_path cannot be empty for the command provider")
	// ErrCodec indicates an unknown output codec.
	ErrCodec = errors.New("output.codec must be wav or mp3")
	// ErrManifestFormat indicates an unknown manifest format.
	ErrManifestFormat = errors.New("output.manifest_format must be json or yaml")
)

// VoiceConfig holds the voice used for every chunk of a build.
type VoiceConfig struct {
	ID    string  `toml:"id"`
	Rate  float64 `toml:"rate"`
	Pitch float64 `toml:"pitch"`
}

// PlannerConfig holds the chunking parameters.
type PlannerConfig struct {
	MaxChunkBytes int    `toml:"max_chunk_bytes"`
	Mode          string `toml:"mode"`
}

// DispatcherConfig holds concurrency, pacing and retry parameters.
type DispatcherConfig struct {
	MaxConcurrency        int     `toml:"max_concurrency"`
	MaxAttempts           int     `toml:"max_attempts"`
	RequestTimeoutSeconds int     `toml:"request_timeout_seconds"`
	RequestsPerSecond     float64 `toml:"requests_per_second"`
	Burst                 int     `toml:"burst"`
	InitialBackoffMillis  int     `toml:"initial_backoff_ms"`
	MaxBackoffMillis      int     `toml:"max_backoff_ms"`
}

// ProviderConfig selects and configures the synthesis provider.
type ProviderConfig struct {
	Kind           string   `toml:"kind"`
	ServiceURL     string   `toml:"service_url"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	HealthCheck    bool     `toml:"health_check"`
	BinaryPath     string   `toml:"binary_path"`
	Args           []string `toml:"args"`
}

// OutputConfig holds the output encoding.
type OutputConfig struct {
	Codec          string `toml:"codec"`
	FFmpegPath     string `toml:"ffmpeg_path"`
	ManifestFormat string `toml:"manifest_format"`
}

// BuildConfig holds the global build limits.
type BuildConfig struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// CacheConfig holds the chunk audio cache settings.
type CacheConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// HistoryConfig holds the build history database. An empty path disables it.
type HistoryConfig struct {
	Path string `toml:"path"`
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                    string `toml:"url"`
	BuildRequestSubject    string `toml:"build_request_subject"`
	TextObjectStoreBucket  string `toml:"text_object_store_bucket"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
}

// TelemetryConfig holds the metrics endpoint.
type TelemetryConfig struct {
	MetricsBind string `toml:"metrics_bind"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Voice      VoiceConfig      `toml:"voice"`
	Planner    PlannerConfig    `toml:"planner"`
	Dispatcher DispatcherConfig `toml:"dispatcher"`
	Provider   ProviderConfig   `toml:"provider"`
	Output     OutputConfig     `toml:"output"`
	Build      BuildConfig      `toml:"build"`
	Cache      CacheConfig      `toml:"cache"`
	History    HistoryConfig    `toml:"history"`
	NATS       NATSConfig       `toml:"nats"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	Paths      PathsConfig      `toml:"paths"`
}

// Default returns a configuration that works against a local TTS service.
func Default() Config {
	return Config{
		Voice: VoiceConfig{
			ID:    DefaultVoiceID,
			Rate:  DefaultRate,
			Pitch: DefaultPitch,
		},
		Planner: PlannerConfig{
			MaxChunkBytes: DefaultMaxChunkBytes,
			Mode:          DefaultParseMode,
		},
		Dispatcher: DispatcherConfig{
			MaxConcurrency:        DefaultMaxConcurrency,
			MaxAttempts:           DefaultMaxAttempts,
			RequestTimeoutSeconds: DefaultRequestTimeoutSeconds,
			InitialBackoffMillis:  DefaultInitialBackoffMillis,
			MaxBackoffMillis:      DefaultMaxBackoffMillis,
		},
		Provider: ProviderConfig{
			Kind:           ProviderHTTP,
			ServiceURL:     DefaultServiceURL,
			TimeoutSeconds: DefaultProviderTimeout,
		},
		Output: OutputConfig{
			Codec:          DefaultCodec,
			FFmpegPath:     DefaultFFmpegPath,
			ManifestFormat: DefaultManifestFormat,
		},
		Build: BuildConfig{
			TimeoutSeconds: DefaultBuildTimeoutSeconds,
		},
		NATS: NATSConfig{
			URL:                    DefaultNATSURL,
			BuildRequestSubject:    DefaultBuildRequestSubject,
			TextObjectStoreBucket:  DefaultTextBucket,
			AudioObjectStoreBucket: DefaultAudioBucket,
		},
		Telemetry: TelemetryConfig{
			MetricsBind: DefaultMetricsBind,
		},
		Paths: PathsConfig{
			BaseLogsDir: DefaultLogsDir,
		},
	}
}

// Load discovers project.toml through the configurator and layers it over the
// defaults.
func Load(log *logger.Logger) (*Config, error) {
	cfg := Default()

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return &cfg, nil
}

// LoadFile decodes an explicit TOML file over the defaults. Unknown keys are
// rejected so that typos do not silently fall back to defaults.
func LoadFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Default()

	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()

	decodeErr := decoder.Decode(&cfg)
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, decodeErr)
	}

	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateVoice,
		c.validatePlanner,
		c.validateDispatcher,
		c.validateProvider,
		c.validateOutput,
	}

	for _, validate := range validators {
		err := validate()
		if err != nil {
			return err
		}
	}

	if c.Build.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: build.timeout_seconds = %d", ErrNegativeValue, c.Build.TimeoutSeconds)
	}

	return nil
}

func (c *Config) validateVoice() error {
	if c.Voice.ID == "" {
		return ErrVoiceIDEmpty
	}

	if c.Voice.Rate <= 0 {
		return fmt.Errorf("%w: got %g", ErrRateNotPositive, c.Voice.Rate)
	}

	return nil
}

func (c *Config) validatePlanner() error {
	if c.Planner.MaxChunkBytes <= 0 {
		return fmt.Errorf("%w: got %d", ErrMaxChunkBytes, c.Planner.MaxChunkBytes)
	}

	switch c.Planner.Mode {
	case "", "strict", "lenient":
		return nil
	default:
		return fmt.Errorf("%w: got %q", ErrParseMode, c.Planner.Mode)
	}
}

func (c *Config) validateDispatcher() error {
	dispatcher := c.Dispatcher

	if dispatcher.MaxConcurrency <= 0 {
		return fmt.Errorf("%w: got %d", ErrConcurrency, dispatcher.MaxConcurrency)
	}

	if dispatcher.MaxAttempts <= 0 {
		return fmt.Errorf("%w: got %d", ErrAttempts, dispatcher.MaxAttempts)
	}

	if dispatcher.RequestTimeoutSeconds < 0 || dispatcher.RequestsPerSecond < 0 || dispatcher.Burst < 0 ||
		dispatcher.InitialBackoffMillis < 0 || dispatcher.MaxBackoffMillis < 0 {
		return fmt.Errorf("%w: dispatcher", ErrNegativeValue)
	}

	return nil
}

func (c *Config) validateProvider() error {
	switch c.Provider.Kind {
	case ProviderHTTP:
		if c.Provider.ServiceURL == "" {
			return ErrServiceURLEmpty
		}
	case ProviderCommand:
		if c.Provider.BinaryPath == "" {
			return ErrBinaryPathEmpty
		}
	default:
		return fmt.Errorf("%w: got %q", ErrProviderKind, c.Provider.Kind)
	}

	if c.Provider.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: provider.timeout_seconds = %d", ErrNegativeValue, c.Provider.TimeoutSeconds)
	}

	return nil
}

func (c *Config) validateOutput() error {
	switch c.Output.Codec {
	case "", "wav", "mp3":
	default:
		return fmt.Errorf("%w: got %q", ErrCodec, c.Output.Codec)
	}

	switch c.Output.ManifestFormat {
	case "", "json", "yaml", "yml":
	default:
		return fmt.Errorf("%w: got %q", ErrManifestFormat, c.Output.ManifestFormat)
	}

	return nil
}

// RequestTimeout returns the per-request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Dispatcher.RequestTimeoutSeconds) * time.Second
}

// ProviderTimeout returns the HTTP client timeout.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

// BuildTimeout returns the global build timeout; zero means none.
func (c *Config) BuildTimeout() time.Duration {
	return time.Duration(c.Build.TimeoutSeconds) * time.Second
}

// InitialBackoff returns the first retry delay.
func (c *Config) InitialBackoff() time.Duration {
	return time.Duration(c.Dispatcher.InitialBackoffMillis) * time.Millisecond
}

// MaxBackoff returns the retry delay cap.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Dispatcher.MaxBackoffMillis) * time.Millisecond
}
