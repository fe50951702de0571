// Package llm talks to an OpenAI compatible chat completions API and turns
// its untrusted output into typed results.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/smallbiznis/applykit/internal/config"
	"github.com/smallbiznis/applykit/internal/observability/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

//go:generate mockgen -source=client.go -destination=./mocks/mock_completer.go -package=mocks

var (
	ErrUpstreamTimeout = errors.New("upstream_timeout")
	ErrUpstreamFailure = errors.New("upstream_failure")
	ErrNotConfigured   = errors.New("llm_not_configured")
)

const defaultTimeout = 20 * time.Second

type CompletionRequest struct {
	System string
	Prompt string
	// JSON asks the model for a single JSON object.
	JSON        bool
	Temperature float32
	MaxTokens   int
}

type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	log     *zap.Logger
}

// NewClient returns a Completer that always fails with ErrNotConfigured when
// no API key is set, so callers take their fallback path.
func NewClient(cfg config.Config, log *zap.Logger) Completer {
	log = log.Named("llm.client")
	if cfg.LLM.APIKey == "" {
		log.Warn("LLM_API_KEY is empty, every completion will use its fallback")
		return unconfigured{}
	}

	apiCfg := openai.DefaultConfig(cfg.LLM.APIKey)
	if cfg.LLM.BaseURL != "" {
		apiCfg.BaseURL = cfg.LLM.BaseURL
	}
	apiCfg.HTTPClient = tracing.WrapHTTPClient(&http.Client{})

	timeout := cfg.LLM.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		api:     openai.NewClientWithConfig(apiCfg),
		model:   cfg.LLM.Model,
		timeout: timeout,
		log:     log,
	}
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	ctx, span := otel.Tracer("applykit/llm").Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.model),
		attribute.Bool("llm.json", req.JSON),
	)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	chatReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "completion failed")
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.log.Warn("completion timed out", zap.Duration("timeout", c.timeout))
			return "", ErrUpstreamTimeout
		}
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			c.log.Warn("completion rejected", zap.Int("status", apiErr.HTTPStatusCode), zap.String("type", apiErr.Type))
		} else {
			c.log.Warn("completion failed", zap.Error(err))
		}
		return "", fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", ErrUpstreamFailure)
	}

	c.log.Debug("completion done",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)
	return resp.Choices[0].Message.Content, nil
}

type unconfigured struct{}

func (unconfigured) Complete(context.Context, CompletionRequest) (string, error) {
	return "", ErrNotConfigured
}
