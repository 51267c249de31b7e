// Package openai adapts OpenAI's chat models to the provider.Adapter
// contract, wrapping github.com/openai/openai-go/v3.
package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"

	"github.com/basui-labs/dialogos/config"
	"github.com/basui-labs/dialogos/internal/tlsutil"
	"github.com/basui-labs/dialogos/provider"
)

// Name is the provider identifier registered under provider.Registry.
const Name = "openai"

// DefaultModel is used when no model override is given, per
// original_source/core/config.py's CHATGPT_DEFAULT_MODEL.
const DefaultModel = "gpt-4o"

// Adapter implements provider.Adapter against the Chat Completions API.
type Adapter struct {
	client      openai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

// Config carries the per-call tunables forwarded from config.Config.
type Config struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Logger      *zap.Logger
}

// New builds an Adapter. An empty model falls back to DefaultModel.
func New(credential, model string, cfg Config) *Adapter {
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := openai.NewClient(
		option.WithAPIKey(credential),
		option.WithHTTPClient(tlsutil.SecureHTTPClient(timeout)),
	)

	return &Adapter{
		client:      client,
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		logger:      logger.With(zap.String("provider", Name)),
	}
}

// Name returns the stable provider identifier.
func (a *Adapter) Name() string { return Name }

// Model returns the model in use.
func (a *Adapter) Model() string { return a.model }

// Configure applies the runtime-resolved generation tunables, satisfying
// provider.Configurable.
func (a *Adapter) Configure(temperature float64, maxTokens int) {
	a.temperature = temperature
	if maxTokens > 0 {
		a.maxTokens = maxTokens
	}
}

// Register adds this provider's Registration to reg.
func Register(reg *provider.Registry, logger *zap.Logger) {
	reg.Register(provider.Registration{
		Name:          Name,
		CredentialKey: config.CredentialEnvVar(Name),
		DefaultModel:  DefaultModel,
		New: func(credential, model string) (provider.Adapter, error) {
			return New(credential, model, Config{Logger: logger}), nil
		},
	})
}

// Call invokes Chat Completions, mapping spec §6.1's ordered messages onto
// OpenAI's flat role-tagged message list (system/user/assistant map
// directly, unlike Claude's separate system field).
func (a *Adapter) Call(ctx context.Context, messages []provider.Message) (provider.Result, error) {
	turns := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case provider.RoleSystem:
			turns = append(turns, openai.SystemMessage(m.Content))
		case provider.RoleAssistant:
			turns = append(turns, openai.AssistantMessage(m.Content))
		default:
			turns = append(turns, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(a.model),
		Messages: turns,
	}
	if a.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(a.maxTokens))
	}
	if a.temperature > 0 {
		params.Temperature = openai.Float(a.temperature)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return provider.Result{}, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return provider.Result{}, &provider.Error{Kind: provider.KindUnknown, Detail: "empty choices", Provider: Name}
	}

	return provider.Result{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}, nil
}

// classifyError maps an SDK failure to a provider.Error, grounded on the
// teacher's status-code-switch idiom for vendor error mapping (see
// providers/anthropic/provider.go's mapClaudeError in the reference
// corpus), adapted to the SDK's *openai.Error instead of a raw HTTP body.
func classifyError(err error) *provider.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &provider.Error{Kind: provider.KindTimeout, Detail: "request deadline exceeded", Provider: Name, Cause: err}
	}

	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return &provider.Error{Kind: provider.KindUnknown, Detail: err.Error(), Provider: Name, Cause: err}
	}

	detail := apiErr.Error()
	switch apiErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &provider.Error{Kind: provider.KindAuth, Detail: detail, Provider: Name, Cause: err}
	case http.StatusTooManyRequests:
		return &provider.Error{Kind: provider.KindRateLimited, Detail: detail, Provider: Name, Cause: err}
	case http.StatusBadRequest:
		if strings.Contains(strings.ToLower(detail), "context_length_exceeded") || strings.Contains(strings.ToLower(detail), "maximum context length") {
			return &provider.Error{Kind: provider.KindContextTooLarge, Detail: detail, Provider: Name, Cause: err}
		}
		return &provider.Error{Kind: provider.KindInvalidRequest, Detail: detail, Provider: Name, Cause: err}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &provider.Error{Kind: provider.KindTransient, Detail: detail, Provider: Name, Cause: err}
	default:
		retryable := apiErr.StatusCode >= 500
		return &provider.Error{Kind: provider.KindTransient, Detail: detail, Provider: Name, Retryable: &retryable, Cause: err}
	}
}
