package main

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/book-expert/narrator/internal/objectstore"
	"github.com/book-expert/narrator/internal/pipeline"
	"github.com/book-expert/narrator/internal/telemetry"
	"github.com/book-expert/narrator/internal/worker"
)

const serviceName = "narrator"

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

func newServeCommand(application *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Build audio for requests arriving over NATS and serve metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return application.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	tel, err := telemetry.Setup(ctx, serviceName, attribute.String("narrator.provider", a.cfg.Provider.Kind))
	if err != nil {
		return err
	}

	defer func() {
		shutdownErr := tel.Shutdown(context.WithoutCancel(ctx))
		if shutdownErr != nil {
			a.log.Warn("%v", shutdownErr)
		}
	}()

	natsConnection, err := nats.Connect(a.cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", a.cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	texts, err := objectstore.New(jetstreamContext, a.cfg.NATS.TextObjectStoreBucket)
	if err != nil {
		return err
	}

	audioStore, err := objectstore.New(jetstreamContext, a.cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return err
	}

	service, err := pipeline.NewService(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}

	defer func() {
		closeErr := service.Close()
		if closeErr != nil {
			a.log.Warn("Failed to close service: %v", closeErr)
		}
	}()

	checker, canCheck := service.Provider.(healthChecker)
	if canCheck {
		healthErr := checker.HealthCheck(ctx)
		if healthErr != nil {
			a.log.Warn("Provider %s is not healthy yet: %v", service.Provider.Name(), healthErr)
		}
	}

	natsWorker, err := worker.NewNatsWorker(natsConnection, worker.Config{
		Subject:    a.cfg.NATS.BuildRequestSubject,
		Texts:      texts,
		Audio:      audioStore,
		Builder:    service.Builder,
		Voice:      pipeline.VoiceFromConfig(a.cfg),
		Extension:  pipeline.CodecExtension(a.cfg),
		JobTimeout: a.cfg.BuildTimeout(),
	}, a.log)
	if err != nil {
		return err
	}

	a.log.System("narrator serving %s (text bucket %s, audio bucket %s)",
		a.cfg.NATS.BuildRequestSubject, a.cfg.NATS.TextObjectStoreBucket, a.cfg.NATS.AudioObjectStoreBucket)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return natsWorker.Run(groupCtx)
	})

	if a.cfg.Telemetry.MetricsBind != "" {
		group.Go(func() error {
			return tel.Serve(groupCtx, a.cfg.Telemetry.MetricsBind, a.log)
		})
	}

	return group.Wait()
}
