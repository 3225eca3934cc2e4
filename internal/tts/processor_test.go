package tts_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narrator/internal/core"
	"github.com/book-expert/narrator/internal/tts"
)

func requireShell(t *testing.T) string {
	t.Helper()

	shell, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	return shell
}

func commandProvider(t *testing.T, binary string, args ...string) *tts.CommandProvider {
	t.Helper()

	provider, err := tts.NewCommandProvider(tts.CommandConfig{BinaryPath: binary, Args: args}, testLogger(t))
	require.NoError(t, err)

	return provider
}

func TestNewCommandProvider_RequiresBinary(t *testing.T) {
	t.Parallel()

	_, err := tts.NewCommandProvider(tts.CommandConfig{}, testLogger(t))
	require.ErrorIs(t, err, tts.ErrBinaryPathEmpty)
}

func TestCommandProvider_ReadsOutputFile(t *testing.T) {
	t.Parallel()

	shell := requireShell(t)

	source := filepath.Join(t.TempDir(), "tone.wav")
	wav := wavOf(t, 480)
	require.NoError(t, os.WriteFile(source, wav, 0o600))

	provider := commandProvider(t, shell, "-c", "cat > /dev/null; cp '"+source+"' '{output}'")
	assert.Equal(t, "command", provider.Name())

	audioData, err := provider.Synthesize(context.Background(), core.SynthesisRequest{
		Markup:  testMarkup,
		VoiceID: testVoiceID,
	})
	require.NoError(t, err)
	assert.Equal(t, wav, audioData)
}

func TestCommandProvider_ExpandsPlaceholdersAndWritesStdin(t *testing.T) {
	t.Parallel()

	shell := requireShell(t)

	provider := commandProvider(t, shell, "-c", `printf '%s|' "$1" "$2" "$3"; cat`, "narrator", "{voice}", "{rate}", "{pitch}")

	audioData, err := provider.Synthesize(context.Background(), core.SynthesisRequest{
		Markup:  testMarkup,
		VoiceID: testVoiceID,
		Prosody: core.Prosody{Rate: 0.85, Pitch: -2},
	})
	require.NoError(t, err)
	assert.Equal(t, testVoiceID+"|0.85|-2|"+testMarkup, string(audioData))
}

func TestCommandProvider_ClassifiesFailures(t *testing.T) {
	t.Parallel()

	shell := requireShell(t)
	req := core.SynthesisRequest{Markup: testMarkup, VoiceID: testVoiceID}

	missing := commandProvider(t, filepath.Join(t.TempDir(), "no-such-binary"))

	_, err := missing.Synthesize(context.Background(), req)

	var providerErr *core.ProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, core.InvalidRequest, providerErr.Kind)

	failing := commandProvider(t, shell, "-c", "cat > /dev/null; echo 'model not loaded' >&2; exit 3")

	_, err = failing.Synthesize(context.Background(), req)
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, core.Transient, providerErr.Kind)
	assert.Contains(t, err.Error(), "model not loaded")
}
