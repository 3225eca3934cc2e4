package telemetry_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/book-expert/narrator/internal/telemetry"
)

func TestSetup_ExposesRecordedMetrics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	tel, err := telemetry.Setup(ctx, "narrator-test", attribute.String("narrator.provider", "fake"))
	require.NoError(t, err)

	defer func() {
		assert.NoError(t, tel.Shutdown(ctx))
	}()

	counter, err := tel.MeterProvider.Meter("telemetry-test").Int64Counter("narrator.test.builds")
	require.NoError(t, err)
	counter.Add(ctx, 2, metric.WithAttributes(attribute.Key("outcome").String("ok")))

	recorder := httptest.NewRecorder()
	tel.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, telemetry.MetricsPath, nil))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "narrator_test_builds")
	assert.Contains(t, recorder.Body.String(), `outcome="ok"`)
}

func TestServe(t *testing.T) {
	t.Parallel()

	log, err := logger.New(t.TempDir(), "telemetry-test.log")
	require.NoError(t, err)

	tel, err := telemetry.Setup(context.Background(), "narrator-test")
	require.NoError(t, err)

	require.ErrorIs(t, tel.Serve(context.Background(), "", log), telemetry.ErrBindEmpty)

	// Reserve a free port, release it, then serve on it.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)

	go func() {
		errChan <- tel.Serve(ctx, addr, log)
	}()

	url := fmt.Sprintf("http://%s%s", addr, telemetry.MetricsPath)

	require.Eventually(t, func() bool {
		req, reqErr := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
		if reqErr != nil {
			return false
		}

		resp, getErr := http.DefaultClient.Do(req)
		if getErr != nil {
			return false
		}

		defer resp.Body.Close()

		_, _ = io.Copy(io.Discard, resp.Body)

		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-errChan)
}
