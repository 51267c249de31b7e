// Package gemini adapts Google's Gemini models to the provider.Adapter
// contract, wrapping google.golang.org/genai.
package gemini

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/basui-labs/dialogos/config"
	"github.com/basui-labs/dialogos/internal/tlsutil"
	"github.com/basui-labs/dialogos/provider"
)

// Name is the provider identifier registered under provider.Registry.
const Name = "gemini"

// DefaultModel is used when no model override is given, per
// original_source/core/config.py's GEMINI_DEFAULT_MODEL.
const DefaultModel = "gemini-2.0-flash"

// Adapter implements provider.Adapter against the Gemini GenerateContent API.
type Adapter struct {
	client      *genai.Client
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

// New builds an Adapter. An empty model falls back to DefaultModel. The
// client is constructed eagerly against the Gemini Developer API backend;
// ctx is used only for the client's internal setup, never held.
func New(ctx context.Context, credential, model string, cfg Config) (*Adapter, error) {
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

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     credential,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: tlsutil.SecureHTTPClient(timeout),
	})
	if err != nil {
		return nil, err
	}

	return &Adapter{
		client:      client,
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		logger:      logger.With(zap.String("provider", Name)),
	}, nil
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

// Register adds this provider's Registration to reg. Unlike the other two
// adapters, construction needs a context (the SDK client dials out to
// discover the backend); Register uses context.Background() since
// Registry.Build's signature carries no context of its own.
func Register(reg *provider.Registry, logger *zap.Logger) {
	reg.Register(provider.Registration{
		Name:          Name,
		CredentialKey: config.CredentialEnvVar(Name),
		DefaultModel:  DefaultModel,
		New: func(credential, model string) (provider.Adapter, error) {
			return New(context.Background(), credential, model, Config{Logger: logger})
		},
	})
}

// Call invokes GenerateContent, mapping spec §6.1's ordered messages onto
// Gemini's Content list: system role becomes SystemInstruction (Gemini has
// no inline system turn), assistant becomes the "model" role, user stays
// "user".
func (a *Adapter) Call(ctx context.Context, messages []provider.Message) (provider.Result, error) {
	var system *genai.Content
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case provider.RoleSystem:
			if system == nil {
				system = genai.NewContentFromText(m.Content, genai.RoleUser)
			} else {
				system.Parts = append(system.Parts, genai.NewPartFromText(m.Content))
			}
		case provider.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	config := &genai.GenerateContentConfig{}
	if system != nil {
		config.SystemInstruction = system
	}
	if a.maxTokens > 0 {
		config.MaxOutputTokens = int32(a.maxTokens)
	}
	if a.temperature > 0 {
		temp := float32(a.temperature)
		config.Temperature = &temp
	}

	resp, err := a.client.Models.GenerateContent(ctx, a.model, contents, config)
	if err != nil {
		return provider.Result{}, classifyError(err)
	}

	text := resp.Text()
	inputTokens, outputTokens := 0, 0
	if resp.UsageMetadata != nil {
		inputTokens = int(resp.UsageMetadata.PromptTokenCount)
		outputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return provider.Result{Text: text, InputTokens: inputTokens, OutputTokens: outputTokens}, nil
}

// classifyError maps an SDK failure to a provider.Error, grounded on the
// same status-code-switch idiom the other two adapters use, adapted to
// the SDK's *genai.APIError.
func classifyError(err error) *provider.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &provider.Error{Kind: provider.KindTimeout, Detail: "request deadline exceeded", Provider: Name, Cause: err}
	}

	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return &provider.Error{Kind: provider.KindUnknown, Detail: err.Error(), Provider: Name, Cause: err}
	}

	detail := apiErr.Error()
	switch apiErr.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &provider.Error{Kind: provider.KindAuth, Detail: detail, Provider: Name, Cause: err}
	case http.StatusTooManyRequests:
		return &provider.Error{Kind: provider.KindRateLimited, Detail: detail, Provider: Name, Cause: err}
	case http.StatusBadRequest:
		if strings.Contains(strings.ToLower(detail), "token count") || strings.Contains(strings.ToLower(detail), "too long") {
			return &provider.Error{Kind: provider.KindContextTooLarge, Detail: detail, Provider: Name, Cause: err}
		}
		return &provider.Error{Kind: provider.KindInvalidRequest, Detail: detail, Provider: Name, Cause: err}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &provider.Error{Kind: provider.KindTransient, Detail: detail, Provider: Name, Cause: err}
	default:
		retryable := apiErr.Code >= 500
		return &provider.Error{Kind: provider.KindTransient, Detail: detail, Provider: Name, Retryable: &retryable, Cause: err}
	}
}
