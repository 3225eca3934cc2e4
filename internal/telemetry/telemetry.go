// Package telemetry installs the OpenTelemetry meter provider and serves its
// Prometheus endpoint.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// MetricsPath is where the Prometheus handler is mounted.
const MetricsPath = "/metrics"

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// ErrBindEmpty is returned by Serve without a listen address.
var ErrBindEmpty = errors.New("metrics bind address cannot be empty")

// Telemetry owns the meter provider and its scrape handler.
type Telemetry struct {
	MeterProvider *sdkmetric.MeterProvider
	Handler       http.Handler
}

// Setup builds a meter provider that exports through a dedicated Prometheus
// registry and installs it as the global provider. attrs are added to the
// resource next to the service name.
func Setup(ctx context.Context, serviceName string, attrs ...attribute.KeyValue) (*Telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	return &Telemetry{
		MeterProvider: provider,
		Handler:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, nil
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	err := t.MeterProvider.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("failed to shut down meter provider: %w", err)
	}

	return nil
}

// Serve exposes the handler on bind until ctx is cancelled.
func (t *Telemetry) Serve(ctx context.Context, bind string, log *logger.Logger) error {
	if bind == "" {
		return ErrBindEmpty
	}

	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", bind, err)
	}

	return t.serve(ctx, listener, log)
}

func (t *Telemetry) serve(ctx context.Context, listener net.Listener, log *logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(MetricsPath, t.Handler)

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errChan := make(chan error, 1)

	go func() {
		errChan <- server.Serve(listener)
	}()

	log.Info("Serving metrics on http://%s%s", listener.Addr(), MetricsPath)

	select {
	case serveErr := <-errChan:
		return fmt.Errorf("metrics server stopped: %w", serveErr)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	shutdownErr := server.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		return fmt.Errorf("failed to stop metrics server: %w", shutdownErr)
	}

	return nil
}
