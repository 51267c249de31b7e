package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	name, model string
}

func (s *stubAdapter) Call(ctx context.Context, messages []Message) (Result, error) {
	return Result{Text: "ok"}, nil
}
func (s *stubAdapter) Name() string  { return s.name }
func (s *stubAdapter) Model() string { return s.model }

func TestRegistryBuildResolvesDefaultModel(t *testing.T) {
	r := NewRegistry()
	r.Register(Registration{
		Name:          "anthropic",
		CredentialKey: "ANTHROPIC_API_KEY",
		DefaultModel:  "claude-sonnet-4-5-20250929",
		New: func(credential, model string) (Adapter, error) {
			return &stubAdapter{name: "anthropic", model: model}, nil
		},
	})

	adapter, err := r.Build("anthropic", "sk-test", "")
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5-20250929", adapter.Model())
}

func TestRegistryBuildUnknownProvider(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build("nope", "", "")
	require.Error(t, err)
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register(Registration{Name: "b"})
	r.Register(Registration{Name: "a"})
	assert.Equal(t, []string{"a", "b"}, r.List())
}
