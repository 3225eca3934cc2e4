// Package worker provides a NATS worker that turns narration scripts into audio.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/narrator/internal/core"
	"github.com/book-expert/narrator/internal/manifest"
	"github.com/book-expert/narrator/internal/pipeline"
)

// DefaultJobTimeout bounds one job when no timeout is configured.
const DefaultJobTimeout = 15 * time.Minute

const (
	tempDirPattern    = "narrator-job-*"
	manifestKeySuffix = ".manifest.json"
)

var (
	// ErrBuilderNil indicates that the worker has no pipeline builder.
	ErrBuilderNil = errors.New("builder cannot be nil")
	// ErrStoreNil indicates that a text or audio store is missing.
	ErrStoreNil = errors.New("object store cannot be nil")
	// ErrSubjectEmpty indicates that no subject was configured.
	ErrSubjectEmpty = errors.New("subject cannot be empty")
	// ErrTextKeyEmpty indicates an event that names no script.
	ErrTextKeyEmpty = errors.New("text key cannot be empty")
)

// AudioStore receives finished audio files and their manifests.
type AudioStore interface {
	core.ObjectStore
	UploadFile(ctx context.Context, key, path string) error
	Delete(ctx context.Context, key string) error
}

// Config holds everything a NatsWorker needs besides its connection.
type Config struct {
	Subject string
	Texts   core.ObjectStore
	Audio   AudioStore
	Builder *pipeline.Builder
	// Voice is used for every job; an event's Voice replaces the voice id.
	Voice core.VoiceConfig
	// Extension is the output file extension, including the dot.
	Extension  string
	JobTimeout time.Duration
}

// NatsWorker listens for build requests on a NATS subject and processes them.
type NatsWorker struct {
	natsConnection *nats.Conn
	cfg            Config
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(natsConnection *nats.Conn, cfg Config, log *logger.Logger) (*NatsWorker, error) {
	switch {
	case cfg.Subject == "":
		return nil, ErrSubjectEmpty
	case cfg.Texts == nil, cfg.Audio == nil:
		return nil, ErrStoreNil
	case cfg.Builder == nil:
		return nil, ErrBuilderNil
	}

	if cfg.Extension == "" {
		cfg.Extension = ".wav"
	}

	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		cfg:            cfg,
		log:            log,
	}, nil
}

// Run starts the worker and blocks until ctx is cancelled.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.cfg.Subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.cfg.Subject, err)
	}

	w.log.Info("Listening for build requests on %s", w.cfg.Subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.JobTimeout)
	defer cancel()

	event, err := w.parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate event: %v", err)

		return
	}

	audioKey, processErr := w.processJob(ctx, event)
	if processErr != nil {
		w.log.Error("Failed to build audio for workflow %s: %s",
			event.Header.WorkflowID, pipeline.Describe(processErr))

		return
	}

	replyEvent := &events.AudioChunkCreatedEvent{
		Header:     event.Header,
		AudioKey:   audioKey,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	err = w.publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", event.Header.WorkflowID, err)
	}
}

// processJob downloads the script, builds it in a scratch directory and uploads the
// audio together with a JSON manifest. It returns the audio key.
func (w *NatsWorker) processJob(ctx context.Context, event *events.TextProcessedEvent) (string, error) {
	script, err := w.cfg.Texts.Download(ctx, event.TextKey)
	if err != nil {
		return "", fmt.Errorf("failed to download script for key '%s': %w", event.TextKey, err)
	}

	voice := w.cfg.Voice
	if event.Voice != "" {
		voice.VoiceID = event.Voice
	}

	dir, err := os.MkdirTemp("", tempDirPattern)
	if err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}

	defer func() {
		removeErr := os.RemoveAll(dir)
		if removeErr != nil {
			w.log.Warn("Failed to remove job directory %s: %v", dir, removeErr)
		}
	}()

	jobID := uuid.NewString()
	audioKey := jobID + w.cfg.Extension
	outputPath := filepath.Join(dir, audioKey)

	built, err := w.cfg.Builder.Build(ctx, pipeline.Request{
		Markup:     script,
		SourceName: event.TextKey,
		OutputPath: outputPath,
		Voice:      voice,
	})
	if err != nil {
		return "", err
	}

	manifestData, err := manifest.Marshal(built, manifest.FormatJSON)
	if err != nil {
		return "", err
	}

	err = w.cfg.Audio.UploadFile(ctx, audioKey, outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to upload audio for key '%s': %w", audioKey, err)
	}

	manifestKey := jobID + manifestKeySuffix

	err = w.cfg.Audio.Upload(ctx, manifestKey, manifestData)
	if err != nil {
		// An audio object without its manifest is never published.
		deleteErr := w.cfg.Audio.Delete(context.WithoutCancel(ctx), audioKey)
		if deleteErr != nil {
			w.log.Warn("Failed to remove audio %s after manifest upload failed: %v", audioKey, deleteErr)
		}

		return "", fmt.Errorf("failed to upload manifest for key '%s': %w", manifestKey, err)
	}

	w.log.Info("Workflow %s: uploaded %s (%d chunks, build %s)",
		event.Header.WorkflowID, audioKey, built.ChunkCount, built.BuildID)

	return audioKey, nil
}

// publishReplyEvent marshals and responds with the AudioChunkCreatedEvent.
func (w *NatsWorker) publishReplyEvent(msg *nats.Msg, replyEvent *events.AudioChunkCreatedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func (w *NatsWorker) parseAndValidateEvent(msg *nats.Msg) (*events.TextProcessedEvent, error) {
	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	if event.TextKey == "" {
		return nil, ErrTextKeyEmpty
	}

	return &event, nil
}
