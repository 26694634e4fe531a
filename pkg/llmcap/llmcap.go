// Package llmcap defines the LLM capability surface consumed by
// pkg/arbitrator and pkg/reranker, generalizing the teacher's extensibility
// hooks in pkg/memory/hooks.go (FactExtractorFn, RerankerFn): sqvect itself
// never calls an LLM (pkg/memory/reflect.go), it only defines the shape a
// caller-supplied implementation must have. Client plays that same role
// but as a narrow, swappable interface rather than a pair of func types, so
// pkg/arbitrator can depend on an interface instead of threading closures
// through every call site.
package llmcap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the capability surface an LLM-or-equivalent backend must
// implement. Every method may return ErrUnavailable, in which case callers
// degrade gracefully per spec §4.9 rather than failing the request.
type Client interface {
	// Complete returns a single free-text completion for prompt.
	Complete(ctx context.Context, systemPrompt, prompt string) (string, error)
	// Embed returns a fixed-dimension embedding for text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// DescribeImage returns a text description of image content (already
	// base64-encoded by the caller) given an optional instruction prompt.
	DescribeImage(ctx context.Context, imageBase64, prompt string) (string, error)
	// Transcribe returns a text transcription of audio content
	// (already base64-encoded by the caller).
	Transcribe(ctx context.Context, audioBase64 string) (string, error)
}

// ErrUnavailable is returned (or wrapped) by any Client method that cannot
// reach its backend; callers treat it as "no LLM available" rather than a
// hard failure.
var ErrUnavailable = fmt.Errorf("llmcap: backend unavailable")

// httpClient calls an HTTP endpoint exposing complete/embed/describe_image/
// transcribe actions, used by both real deployments and integration tests
// against a local mock server.
type httpClient struct {
	baseURL string
	hc      *http.Client
}

// NewHTTPClient constructs a Client backed by an HTTP endpoint, with a
// 60-second request timeout (spec §4.9 degrades on any LLM failure, so a
// generous but bounded timeout is preferred over blocking indefinitely).
func NewHTTPClient(baseURL string) Client {
	return &httpClient{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 60 * time.Second},
	}
}

type completeRequest struct {
	SystemPrompt string `json:"system_prompt"`
	Prompt       string `json:"prompt"`
}

type completeResponse struct {
	Text string `json:"text"`
}

func (c *httpClient) Complete(ctx context.Context, systemPrompt, prompt string) (string, error) {
	var resp completeResponse
	if err := c.post(ctx, "/complete", completeRequest{SystemPrompt: systemPrompt, Prompt: prompt}, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Vector []float32 `json:"vector"`
}

func (c *httpClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embedResponse
	if err := c.post(ctx, "/embed", embedRequest{Text: text}, &resp); err != nil {
		return nil, err
	}
	return resp.Vector, nil
}

type describeImageRequest struct {
	ImageBase64 string `json:"image_base64"`
	Prompt      string `json:"prompt"`
}

func (c *httpClient) DescribeImage(ctx context.Context, imageBase64, prompt string) (string, error) {
	var resp completeResponse
	if err := c.post(ctx, "/describe_image", describeImageRequest{ImageBase64: imageBase64, Prompt: prompt}, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

type transcribeRequest struct {
	AudioBase64 string `json:"audio_base64"`
}

func (c *httpClient) Transcribe(ctx context.Context, audioBase64 string) (string, error) {
	var resp completeResponse
	if err := c.post(ctx, "/transcribe", transcribeRequest{AudioBase64: audioBase64}, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (c *httpClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, string(data))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return nil
}

// MockClient is a deterministic in-process Client for tests and
// environments without a configured LLM backend.
type MockClient struct {
	CompleteFn      func(ctx context.Context, systemPrompt, prompt string) (string, error)
	EmbedFn         func(ctx context.Context, text string) ([]float32, error)
	DescribeImageFn func(ctx context.Context, imageBase64, prompt string) (string, error)
	TranscribeFn    func(ctx context.Context, audioBase64 string) (string, error)
}

func (m *MockClient) Complete(ctx context.Context, systemPrompt, prompt string) (string, error) {
	if m.CompleteFn != nil {
		return m.CompleteFn(ctx, systemPrompt, prompt)
	}
	return "", ErrUnavailable
}

func (m *MockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.EmbedFn != nil {
		return m.EmbedFn(ctx, text)
	}
	return nil, ErrUnavailable
}

func (m *MockClient) DescribeImage(ctx context.Context, imageBase64, prompt string) (string, error) {
	if m.DescribeImageFn != nil {
		return m.DescribeImageFn(ctx, imageBase64, prompt)
	}
	return "", ErrUnavailable
}

func (m *MockClient) Transcribe(ctx context.Context, audioBase64 string) (string, error) {
	if m.TranscribeFn != nil {
		return m.TranscribeFn(ctx, audioBase64)
	}
	return "", ErrUnavailable
}
