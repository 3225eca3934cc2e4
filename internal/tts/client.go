// Package tts sends planned chunks to a text-to-speech provider and collects the
// resulting audio.
//
// Providers are reached either over HTTP (HTTPClient) or by running a local
// synthesis binary (CommandProvider). The Dispatcher drives either one with bounded
// concurrency, pacing and retries.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/narrator/internal/core"
)

// API endpoints and paths.
const (
	apiSynthesize = "/v1/synthesize"
	apiHealth     = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypeWAV    = "audio/wav"
	contentTypeXWAV   = "audio/x-wav"
	requestFormatWAV  = "wav"
	providerNameHTTP  = "http"
	maxErrorBodyBytes = 64 << 10
)

// Error messages.
const (
	errMarkupCannotBeEmpty     = "markup cannot be empty"
	errUnexpectedContentType   = "unexpected content type: expected audio/wav, got %s"
	errFmtServiceErrorWithCode = "TTS service error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "TTS service returned non-OK status: %s, body: %s"
)

// ErrMarkupEmpty is returned for a request without markup.
var ErrMarkupEmpty = errors.New(errMarkupCannotBeEmpty)

// HTTPClient is a Provider backed by a TTS HTTP service.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// SynthesizeRequest is the JSON payload of a synthesis call.
type SynthesizeRequest struct {
	// Markup is the complete <speak> document of one chunk.
	Markup string `json:"markup"`

	VoiceID string `json:"voice_id"`

	// Rate is a multiplier, 1.0 is the voice's natural speed.
	Rate float64 `json:"rate"`

	// Pitch is an offset in semitones.
	Pitch float64 `json:"pitch"`

	// Format is always "wav"; the assembler decodes PCM.
	Format string `json:"format"`
}

// ErrorResponse is the structured error body returned by the service.
type ErrorResponse struct {
	// Detail contains a human-readable error description.
	Detail string `json:"detail"`

	// ErrorCode provides a machine-readable error classification.
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPClient creates a client for the service at baseURL
// (e.g. "http://localhost:8000"). The timeout applies to every HTTP request; the
// dispatcher applies its own per-request timeout on top.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name identifies the provider in manifests and logs.
func (c *HTTPClient) Name() string {
	return providerNameHTTP
}

// Synthesize posts one chunk and returns the WAV audio. Failures are returned as
// *core.ProviderError classified by status code.
func (c *HTTPClient) Synthesize(ctx context.Context, req core.SynthesisRequest) ([]byte, error) {
	if req.Markup == "" {
		return nil, core.NewProviderError(core.InvalidRequest, "", ErrMarkupEmpty)
	}

	requestBody, err := json.Marshal(SynthesizeRequest{
		Markup:  req.Markup,
		VoiceID: req.VoiceID,
		Rate:    req.Prosody.Rate,
		Pitch:   req.Prosody.Pitch,
		Format:  requestFormatWAV,
	})
	if err != nil {
		return nil, core.NewProviderError(core.InvalidRequest, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+apiSynthesize,
		bytes.NewReader(requestBody),
	)
	if err != nil {
		return nil, core.NewProviderError(core.InvalidRequest, "failed to create request", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeWAV)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewProviderError(
			core.Transient,
			fmt.Sprintf("failed to send request to TTS service at %s", c.baseURL),
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	contentType := resp.Header.Get(headerContentType)
	if !isWAVContentType(contentType) {
		return nil, core.NewProviderError(
			core.Transient,
			fmt.Sprintf(errUnexpectedContentType, contentType),
			nil,
		)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewProviderError(core.Transient, "failed to read audio data", err)
	}

	if len(audioData) == 0 {
		return nil, core.NewProviderError(core.Transient, "", ErrEmptyAudio)
	}

	return audioData, nil
}

// HealthCheck verifies that the TTS service is up before a build starts.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf(
			"health check failed for service at %s: %w",
			c.baseURL,
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// parseErrorResponse decodes a structured JSON error from the service, falling
// back to the raw body, and classifies it by status code.
func (c *HTTPClient) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	message := fmt.Sprintf(errFmtServiceNonOKStatus, resp.Status, string(body))

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		message = fmt.Sprintf(errFmtServiceErrorWithCode, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	providerErr := core.NewProviderError(kindForStatus(resp.StatusCode), message, nil)
	providerErr.StatusCode = resp.StatusCode

	return providerErr
}

func kindForStatus(status int) core.ProviderErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return core.RateLimited
	case status >= http.StatusInternalServerError:
		return core.ServerError
	case status == http.StatusRequestTimeout:
		return core.Transient
	case status >= http.StatusBadRequest:
		return core.InvalidRequest
	default:
		return core.Transient
	}
}

func isWAVContentType(value string) bool {
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return false
	}

	return mediaType == contentTypeWAV || mediaType == contentTypeXWAV
}
