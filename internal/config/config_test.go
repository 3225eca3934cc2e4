// Package config_test tests the configuration loading for narrator.
package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narrator/internal/config"
)

const fullConfig = `
[voice]
id = "en-GB-reader"
rate = 0.9
pitch = -1.5

[planner]
max_chunk_bytes = 4000
mode = "lenient"

[dispatcher]
max_concurrency = 8
max_attempts = 5
request_timeout_seconds = 30
requests_per_second = 2.5
burst = 3
initial_backoff_ms = 250
max_backoff_ms = 4000

[provider]
kind = "command"
binary_path = "/usr/local/bin/synth"
args = ["--voice", "{voice}", "--out", "{output}"]

[output]
codec = "mp3"
ffmpeg_path = "/usr/bin/ffmpeg"
manifest_format = "yaml"

[build]
timeout_seconds = 600

[cache]
enabled = true
dir = "/var/cache/narrator"

[history]
path = "/var/lib/narrator/history.db"

[nats]
url = "nats://127.0.0.1:4222"
build_request_subject = "narrator.build"
text_object_store_bucket = "TEXT"
audio_object_store_bucket = "AUDIO"

[telemetry]
metrics_bind = ":9100"

[paths]
base_logs_dir = "/var/log/narrator"
`

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()

	err := toml.Unmarshal([]byte(fullConfig), &cfg)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "en-GB-reader", cfg.Voice.ID)
	assert.InEpsilon(t, 0.9, cfg.Voice.Rate, 0.001)
	assert.InEpsilon(t, -1.5, cfg.Voice.Pitch, 0.001)
	assert.Equal(t, 4000, cfg.Planner.MaxChunkBytes)
	assert.Equal(t, "lenient", cfg.Planner.Mode)
	assert.Equal(t, 8, cfg.Dispatcher.MaxConcurrency)
	assert.Equal(t, 5, cfg.Dispatcher.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.InEpsilon(t, 2.5, cfg.Dispatcher.RequestsPerSecond, 0.001)
	assert.Equal(t, 250*time.Millisecond, cfg.InitialBackoff())
	assert.Equal(t, 4*time.Second, cfg.MaxBackoff())
	assert.Equal(t, config.ProviderCommand, cfg.Provider.Kind)
	assert.Equal(t, []string{"--voice", "{voice}", "--out", "{output}"}, cfg.Provider.Args)
	assert.Equal(t, "mp3", cfg.Output.Codec)
	assert.Equal(t, "yaml", cfg.Output.ManifestFormat)
	assert.Equal(t, 10*time.Minute, cfg.BuildTimeout())
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "/var/lib/narrator/history.db", cfg.History.Path)
	assert.Equal(t, "narrator.build", cfg.NATS.BuildRequestSubject)
	assert.Equal(t, "AUDIO", cfg.NATS.AudioObjectStoreBucket)
	assert.Equal(t, ":9100", cfg.Telemetry.MetricsBind)
	assert.Equal(t, "/var/log/narrator", cfg.Paths.BaseLogsDir)
}

func TestDefault_IsValid(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	assert.InEpsilon(t, 0.85, cfg.Voice.Rate, 0.001)
	assert.InEpsilon(t, -2.0, cfg.Voice.Pitch, 0.001)
	assert.Equal(t, 5000, cfg.Planner.MaxChunkBytes)
	assert.Equal(t, 4, cfg.Dispatcher.MaxConcurrency)
	assert.Equal(t, 3, cfg.Dispatcher.MaxAttempts)
}

func TestLoadFile_KeepsDefaultsForMissingKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "narrator.toml")
	require.NoError(t, os.WriteFile(path, []byte("[voice]\nid = \"custom\"\n"), 0o600))

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "custom", cfg.Voice.ID)
	assert.InEpsilon(t, config.DefaultRate, cfg.Voice.Rate, 0.001)
	assert.Equal(t, config.DefaultMaxChunkBytes, cfg.Planner.MaxChunkBytes)
}

func TestLoadFile_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "narrator.toml")
	require.NoError(t, os.WriteFile(path, []byte("[planner]\nmax_chunk_byte = 10\n"), 0o600))

	_, err := config.LoadFile(path)
	require.Error(t, err)

	_, err = config.LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{name: "empty voice", mutate: func(c *config.Config) { c.Voice.ID = "" }, wantErr: config.ErrVoiceIDEmpty},
		{name: "zero rate", mutate: func(c *config.Config) { c.Voice.Rate = 0 }, wantErr: config.ErrRateNotPositive},
		{name: "zero ceiling", mutate: func(c *config.Config) { c.Planner.MaxChunkBytes = 0 }, wantErr: config.ErrMaxChunkBytes},
		{name: "bad mode", mutate: func(c *config.Config) { c.Planner.Mode = "loose" }, wantErr: config.ErrParseMode},
		{name: "zero workers", mutate: func(c *config.Config) { c.Dispatcher.MaxConcurrency = 0 }, wantErr: config.ErrConcurrency},
		{name: "zero attempts", mutate: func(c *config.Config) { c.Dispatcher.MaxAttempts = 0 }, wantErr: config.ErrAttempts},
		{name: "negative rps", mutate: func(c *config.Config) { c.Dispatcher.RequestsPerSecond = -1 }, wantErr: config.ErrNegativeValue},
		{name: "unknown provider", mutate: func(c *config.Config) { c.Provider.Kind = "grpc" }, wantErr: config.ErrProviderKind},
		{name: "http without url", mutate: func(c *config.Config) { c.Provider.ServiceURL = "" }, wantErr: config.ErrServiceURLEmpty},
		{
			name:    "command without binary",
			mutate:  func(c *config.Config) { c.Provider.Kind = config.ProviderCommand },
			wantErr: config.ErrBinaryPathEmpty,
		},
		{name: "bad codec", mutate: func(c *config.Config) { c.Output.Codec = "ogg" }, wantErr: config.ErrCodec},
		{name: "bad manifest", mutate: func(c *config.Config) { c.Output.ManifestFormat = "xml" }, wantErr: config.ErrManifestFormat},
		{name: "negative build timeout", mutate: func(c *config.Config) { c.Build.TimeoutSeconds = -1 }, wantErr: config.ErrNegativeValue},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.Default()
			testCase.mutate(&cfg)

			require.ErrorIs(t, cfg.Validate(), testCase.wantErr)
		})
	}
}
