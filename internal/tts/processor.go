package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/book-expert/logger"

	"github.com/book-expert/narrator/internal/core"
)

// Argument placeholders expanded for every call.
const (
	PlaceholderVoice  = "{voice}"
	PlaceholderRate   = "{rate}"
	PlaceholderPitch  = "{pitch}"
	PlaceholderOutput = "{output}"
)

const (
	providerNameCommand = "command"
	commandTempPattern  = "narrator-chunk-*.wav"
	maxStderrInError    = 512
)

// ErrBinaryPathEmpty is returned when a CommandProvider has no binary configured.
var ErrBinaryPathEmpty = errors.New("binary path cannot be empty")

// CommandConfig describes a local synthesis binary. The markup is written to its
// stdin. When Args contain {output} the audio is read from that file, otherwise
// from stdout.
type CommandConfig struct {
	BinaryPath string
	Args       []string
}

// CommandProvider implements core.Provider by running a synthesis binary per chunk.
type CommandProvider struct {
	config CommandConfig
	log    *logger.Logger
}

// NewCommandProvider returns a provider for the configured binary.
func NewCommandProvider(cfg CommandConfig, log *logger.Logger) (*CommandProvider, error) {
	if cfg.BinaryPath == "" {
		return nil, ErrBinaryPathEmpty
	}

	return &CommandProvider{
		config: cfg,
		log:    log,
	}, nil
}

// Name identifies the provider in manifests and logs.
func (p *CommandProvider) Name() string {
	return providerNameCommand
}

// Synthesize runs the binary for one chunk and returns the audio it produced.
func (p *CommandProvider) Synthesize(ctx context.Context, req core.SynthesisRequest) ([]byte, error) {
	if req.Markup == "" {
		return nil, core.NewProviderError(core.InvalidRequest, "", ErrMarkupEmpty)
	}

	binary, err := exec.LookPath(p.config.BinaryPath)
	if err != nil {
		return nil, core.NewProviderError(core.InvalidRequest, "synthesis binary not found", err)
	}

	outputPath := ""
	if p.usesOutputFile() {
		tempFile, tempErr := os.CreateTemp("", commandTempPattern)
		if tempErr != nil {
			return nil, core.NewProviderError(core.Transient, "failed to create temp file for tts output", tempErr)
		}

		outputPath = tempFile.Name()
		_ = tempFile.Close()

		defer func() {
			removeErr := os.Remove(outputPath)
			if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				p.log.Warn("Failed to remove temp file '%s': %v", outputPath, removeErr)
			}
		}()
	}

	// #nosec G204 -- the binary and argument templates come from configuration
	cmd := exec.CommandContext(ctx, binary, p.expandArgs(req, outputPath)...)
	cmd.Stdin = strings.NewReader(req.Markup)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, core.NewProviderError(
			core.Transient,
			fmt.Sprintf("synthesis binary failed: %v - stderr: %s", runErr, truncate(stderr.String(), maxStderrInError)),
			runErr,
		)
	}

	if outputPath == "" {
		return stdout.Bytes(), nil
	}

	audioData, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, core.NewProviderError(core.Transient, "failed to read audio data from temp file", err)
	}

	return audioData, nil
}

func (p *CommandProvider) usesOutputFile() bool {
	for _, arg := range p.config.Args {
		if strings.Contains(arg, PlaceholderOutput) {
			return true
		}
	}

	return false
}

func (p *CommandProvider) expandArgs(req core.SynthesisRequest, outputPath string) []string {
	replacer := strings.NewReplacer(
		PlaceholderVoice, req.VoiceID,
		PlaceholderRate, strconv.FormatFloat(req.Prosody.Rate, 'f', -1, 64),
		PlaceholderPitch, strconv.FormatFloat(req.Prosody.Pitch, 'f', -1, 64),
		PlaceholderOutput, outputPath,
	)

	args := make([]string, len(p.config.Args))
	for index, arg := range p.config.Args {
		args[index] = replacer.Replace(arg)
	}

	return args
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}

	return value[:limit] + "..."
}
