// Package vision calls an OpenAI-compatible chat-completions endpoint with
// image inputs and returns the raw model text plus token usage.
package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/wasteworks/binsight/internal/config"
	obsmetrics "github.com/wasteworks/binsight/internal/observability/metrics"
	"github.com/wasteworks/binsight/internal/observability/tracing"
)

// maxResponseSize caps the response body read from the model endpoint.
const maxResponseSize = 10 * 1024 * 1024

var (
	ErrNoChoices  = errors.New("vision: response carried no choices")
	ErrHTTPStatus = errors.New("vision: unexpected status")
)

// Message is one chat message. Content carries text and image parts.
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is one element of a multi-part message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL points the model at an image.
type ImageURL struct {
	URL string `json:"url"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ImagePart builds an image content part.
func ImagePart(url string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url}}
}

// Request is one completion call. Temperature is always sent so audits of
// the same image stay reproducible.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// TokenUsage is the provider's token accounting for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the model output for one call.
type Response struct {
	Content      string
	Model        string
	FinishReason string
	Usage        TokenUsage
}

// Client completes chat requests against the configured model.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

type apiRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type apiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage TokenUsage `json:"usage"`
}

type httpClient struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
	log        *zap.Logger
	metrics    *obsmetrics.Metrics
}

type ClientParams struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// NewClient builds the chat-completions client from configuration.
func NewClient(p ClientParams) Client {
	base := strings.TrimSuffix(p.Config.Vision.BaseURL, "/")
	endpoint := base
	if !strings.HasSuffix(endpoint, "/chat/completions") {
		endpoint += "/chat/completions"
	}
	return &httpClient{
		endpoint: endpoint,
		apiKey:   p.Config.Vision.APIKey,
		model:    p.Config.Vision.Model,
		httpClient: tracing.WrapHTTPClient(&http.Client{
			Timeout: p.Config.Vision.RequestTimeout,
		}),
		log:     p.Log.Named("vision.client"),
		metrics: p.Metrics,
	}
}

func (c *httpClient) Complete(ctx context.Context, req Request) (*Response, error) {
	temperature := req.Temperature
	payload := apiRequest{
		Model:       c.model,
		Messages:    req.Messages,
		Temperature: &temperature,
	}
	if req.MaxTokens > 0 {
		payload.MaxTokens = &req.MaxTokens
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("vision: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("vision: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("vision: call model: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("vision: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("model endpoint returned an error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(string(raw), 512)),
		)
		return nil, fmt.Errorf("%w %d", ErrHTTPStatus, resp.StatusCode)
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("vision: decode response: %w", err)
	}
	if len(envelope.Choices) == 0 {
		return nil, ErrNoChoices
	}

	c.metrics.RecordVisionTokens(ctx, "input", envelope.Usage.PromptTokens)
	c.metrics.RecordVisionTokens(ctx, "output", envelope.Usage.CompletionTokens)

	return &Response{
		Content:      envelope.Choices[0].Message.Content,
		Model:        envelope.Model,
		FinishReason: envelope.Choices[0].FinishReason,
		Usage:        envelope.Usage,
	}, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
