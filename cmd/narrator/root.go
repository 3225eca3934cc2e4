package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/book-expert/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/book-expert/narrator/internal/config"
)

const (
	envPrefix            = "NARRATOR"
	bootstrapLogFileName = "narrator-bootstrap.log"
	logFileName          = "narrator.log"
)

// Viper keys. Flags of the same name bind to them, and NARRATOR_<KEY> environment
// variables override the config file.
const (
	keyConfig        = "config"
	keyVoice         = "voice"
	keyRate          = "rate"
	keyPitch         = "pitch"
	keyMaxChunkBytes = "max-chunk-bytes"
	keyConcurrency   = "concurrency"
	keyAttempts      = "attempts"
	keyCodec         = "codec"
	keyMode          = "mode"
	keyProviderURL   = "provider-url"
	keyHistory       = "history"
	keyLogsDir       = "logs-dir"
)

// app is the state shared by every subcommand of one invocation.
type app struct {
	settings *viper.Viper
	stdin    io.Reader
	stdout   io.Writer
	stderr   io.Writer

	cfg *config.Config
	log *logger.Logger
}

func newRootCommand(stdin io.Reader, stdout, stderr io.Writer) (*cobra.Command, *app) {
	application := &app{
		settings: viper.New(),
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
	}

	root := &cobra.Command{
		Use:           "narrator",
		Short:         "Turn speech markup into one narrated audio file",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return application.setup(cmd)
		},
	}

	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.String(keyConfig, "", "TOML config file (default: project.toml found by searching up the directory tree)")
	flags.String(keyVoice, "", "voice id")
	flags.Float64(keyRate, 0, "speaking rate multiplier")
	flags.Float64(keyPitch, 0, "pitch offset in semitones")
	flags.Int(keyMaxChunkBytes, 0, "ceiling on the byte size of one provider request")
	flags.Int(keyConcurrency, 0, "maximum provider calls in flight")
	flags.Int(keyAttempts, 0, "attempts per chunk, first try included")
	flags.String(keyCodec, "", "output codec (wav or mp3)")
	flags.String(keyMode, "", "parse mode (strict or lenient)")
	flags.String(keyProviderURL, "", "base URL of the HTTP synthesis service")
	flags.String(keyHistory, "", "path of the build history database")
	flags.String(keyLogsDir, "", "directory for log files")

	_ = application.settings.BindPFlags(flags)
	application.settings.SetEnvPrefix(envPrefix)
	application.settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	application.settings.AutomaticEnv()

	root.AddCommand(
		newSynthesizeCommand(application),
		newPlanCommand(application),
		newServeCommand(application),
		newHistoryCommand(application),
		newCacheCommand(application),
	)

	return root, application
}

// setup loads the configuration with a bootstrap logger in the temp directory,
// applies flag and environment overrides, then opens the final logger.
func (a *app) setup(cmd *cobra.Command) error {
	bootstrapLog, err := logger.New(os.TempDir(), bootstrapLogFileName)
	if err != nil {
		return fmt.Errorf("failed to create bootstrap logger: %w", err)
	}

	defer func() {
		_ = bootstrapLog.Close()
	}()

	cfg, err := a.loadConfig(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return err
	}

	a.applyOverrides(cfg)

	finalLog, err := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	a.cfg = cfg
	a.log = finalLog

	finalLog.System("narrator %s started (voice %s, provider %s)", cmd.Name(), cfg.Voice.ID, cfg.Provider.Kind)

	return nil
}

func (a *app) loadConfig(bootstrapLog *logger.Logger) (*config.Config, error) {
	path := a.settings.GetString(keyConfig)
	if path != "" {
		return config.LoadFile(path)
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Warn("No project configuration found, using defaults: %v", err)

		defaults := config.Default()

		return &defaults, nil
	}

	return cfg, nil
}

func (a *app) applyOverrides(cfg *config.Config) {
	settings := a.settings

	if settings.IsSet(keyVoice) {
		cfg.Voice.ID = settings.GetString(keyVoice)
	}

	if settings.IsSet(keyRate) {
		cfg.Voice.Rate = settings.GetFloat64(keyRate)
	}

	if settings.IsSet(keyPitch) {
		cfg.Voice.Pitch = settings.GetFloat64(keyPitch)
	}

	if settings.IsSet(keyMaxChunkBytes) {
		cfg.Planner.MaxChunkBytes = settings.GetInt(keyMaxChunkBytes)
	}

	if settings.IsSet(keyConcurrency) {
		cfg.Dispatcher.MaxConcurrency = settings.GetInt(keyConcurrency)
	}

	if settings.IsSet(keyAttempts) {
		cfg.Dispatcher.MaxAttempts = settings.GetInt(keyAttempts)
	}

	if settings.IsSet(keyCodec) {
		cfg.Output.Codec = settings.GetString(keyCodec)
	}

	if settings.IsSet(keyMode) {
		cfg.Planner.Mode = settings.GetString(keyMode)
	}

	if settings.IsSet(keyProviderURL) {
		cfg.Provider.Kind = config.ProviderHTTP
		cfg.Provider.ServiceURL = settings.GetString(keyProviderURL)
	}

	if settings.IsSet(keyHistory) {
		cfg.History.Path = settings.GetString(keyHistory)
	}

	if settings.IsSet(keyLogsDir) {
		cfg.Paths.BaseLogsDir = settings.GetString(keyLogsDir)
	}
}

func (a *app) close() {
	if a.log == nil {
		return
	}

	closeErr := a.log.Close()
	if closeErr != nil {
		fmt.Fprintf(a.stderr, "error closing logger: %v\n", closeErr)
	}

	a.log = nil
}

// readInput reads a file, or standard input when path is "-".
func (a *app) readInput(path string) ([]byte, string, error) {
	if path == "-" {
		data, err := io.ReadAll(a.stdin)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read standard input: %w", err)
		}

		return data, "stdin", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	return data, path, nil
}
