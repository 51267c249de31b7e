// Package anthropic adapts Anthropic's Claude models to the provider.Adapter
// contract, wrapping github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/basui-labs/dialogos/config"
	"github.com/basui-labs/dialogos/internal/tlsutil"
	"github.com/basui-labs/dialogos/provider"
)

// Name is the provider identifier registered under provider.Registry.
const Name = "anthropic"

// DefaultModel is used when no model override is given, per
// original_source/core/config.py's CLAUDE_DEFAULT_MODEL.
const DefaultModel = "claude-sonnet-4-5-20250929"

const defaultMaxTokens = 1024

// Adapter implements provider.Adapter against the Anthropic Messages API.
type Adapter struct {
	client      anthropic.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

// Config carries the per-call tunables the core forwards from
// config.Config, per spec.md §6.3's TEMPERATURE/MAX_TOKENS keys.
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
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := anthropic.NewClient(
		option.WithAPIKey(credential),
		option.WithHTTPClient(tlsutil.SecureHTTPClient(timeout)),
	)

	return &Adapter{
		client:      client,
		model:       model,
		maxTokens:   maxTokens,
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

// Call invokes the Messages API, mapping spec §6.1's ordered messages into
// Claude's system+messages split (system role content is passed via the
// System param rather than as a message, per the Anthropic wire format).
func (a *Adapter) Call(ctx context.Context, messages []provider.Message) (provider.Result, error) {
	var system string
	turns := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case provider.RoleSystem:
			if system != "" {
				system += "\n"
			}
			system += m.Content
		case provider.RoleAssistant:
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(a.maxTokens),
		Messages:  turns,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if a.temperature > 0 {
		params.Temperature = anthropic.Float(a.temperature)
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return provider.Result{}, classifyError(err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return provider.Result{
		Text:         text,
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}, nil
}

// classifyError maps an SDK failure to a provider.Error, by HTTP status
// where the SDK exposes one, grounded on the teacher's mapClaudeError
// status-code switch (providers/anthropic/provider.go in the reference
// corpus), adapted from a hand-rolled HTTP error body to the SDK's
// *anthropic.Error.
func classifyError(err error) *provider.Error {
	if ctxErr := classifyContextErr(err); ctxErr != nil {
		return ctxErr
	}

	var apiErr *anthropic.Error
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
		if isContextTooLarge(detail) {
			return &provider.Error{Kind: provider.KindContextTooLarge, Detail: detail, Provider: Name, Cause: err}
		}
		return &provider.Error{Kind: provider.KindInvalidRequest, Detail: detail, Provider: Name, Cause: err}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout, 529:
		return &provider.Error{Kind: provider.KindTransient, Detail: detail, Provider: Name, Cause: err}
	default:
		retryable := apiErr.StatusCode >= 500
		return &provider.Error{Kind: provider.KindTransient, Detail: detail, Provider: Name, Retryable: &retryable, Cause: err}
	}
}

func classifyContextErr(err error) *provider.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &provider.Error{Kind: provider.KindTimeout, Detail: "request deadline exceeded", Provider: Name, Cause: err}
	}
	return nil
}

func isContextTooLarge(detail string) bool {
	lower := strings.ToLower(detail)
	for _, needle := range []string{"too long", "maximum context length", "context_length_exceeded", "prompt is too long"} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
