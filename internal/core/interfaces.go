// Package core defines the data model and the collaborator interfaces shared by the
// narration pipeline.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// SynthesisRequest is the payload of a single provider call.
type SynthesisRequest struct {
	Markup  string
	VoiceID string
	Prosody Prosody
}

// Provider is the external text-to-speech capability. Implementations return WAV
// audio or an error, preferably a *ProviderError so the dispatcher can classify it.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error)
}

// AudioCache stores synthesized chunk audio between builds, keyed by the request
// that produced it.
type AudioCache interface {
	Get(req SynthesisRequest) ([]byte, bool)
	Put(req SynthesisRequest, audio []byte) error
}
