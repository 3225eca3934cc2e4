package tts

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientProvider matches a chunk that kept failing until its attempts ran out.
	ErrTransientProvider = errors.New("provider failed after retries")
	// ErrFatalProvider matches a chunk the provider rejected outright.
	ErrFatalProvider = errors.New("provider rejected request")
	// ErrNoChunks is returned when there is nothing to dispatch.
	ErrNoChunks = errors.New("no chunks to synthesize")
	// ErrProviderNil is returned when a dispatcher is built without a provider.
	ErrProviderNil = errors.New("provider cannot be nil")
	// ErrInvalidConcurrency is returned for a non-positive worker count.
	ErrInvalidConcurrency = errors.New("max concurrency must be positive")
	// ErrInvalidAttempts is returned for a non-positive attempt budget.
	ErrInvalidAttempts = errors.New("max attempts must be positive")
	// ErrEmptyAudio is returned by providers that answer with no audio.
	ErrEmptyAudio = errors.New("received empty audio data")
	// ErrDuplicateChunkIndex is returned when two chunks share an index.
	ErrDuplicateChunkIndex = errors.New("duplicate chunk index")
)

// SynthesisError reports the chunk that failed the build.
type SynthesisError struct {
	ChunkIndex int
	Attempts   int
	Fatal      bool
	Err        error
}

func (e *SynthesisError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("chunk %d rejected after %d attempt(s): %v", e.ChunkIndex, e.Attempts, e.Err)
	}

	return fmt.Sprintf("chunk %d failed after %d attempt(s): %v", e.ChunkIndex, e.Attempts, e.Err)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}

// Is matches ErrFatalProvider or ErrTransientProvider depending on Fatal.
func (e *SynthesisError) Is(target error) bool {
	if e.Fatal {
		return target == ErrFatalProvider
	}

	return target == ErrTransientProvider
}
