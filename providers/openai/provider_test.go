package openai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/basui-labs/dialogos/provider"
)

func TestNewDefaultsModel(t *testing.T) {
	a := New("test-key", "", Config{})
	assert.Equal(t, DefaultModel, a.Model())
	assert.Equal(t, Name, a.Name())
}

func TestNewRespectsOverrides(t *testing.T) {
	a := New("test-key", "gpt-4o-mini", Config{MaxTokens: 512, Temperature: 0.3, Timeout: 5 * time.Second})
	assert.Equal(t, "gpt-4o-mini", a.Model())
	assert.Equal(t, 512, a.maxTokens)
	assert.Equal(t, 0.3, a.temperature)
}

func TestConfigureOverridesTemperatureAndMaxTokens(t *testing.T) {
	a := New("test-key", "", Config{})
	a.Configure(0.7, 1024)
	assert.Equal(t, 0.7, a.temperature)
	assert.Equal(t, 1024, a.maxTokens)
}

func TestConfigureIgnoresNonPositiveMaxTokens(t *testing.T) {
	a := New("test-key", "", Config{MaxTokens: 800})
	a.Configure(0.1, -1)
	assert.Equal(t, 800, a.maxTokens)
}

func TestClassifyErrorDeadlineExceeded(t *testing.T) {
	perr := classifyError(context.DeadlineExceeded)
	assert.Equal(t, provider.KindTimeout, perr.Kind)
}

func TestClassifyErrorUnknownForNonSDKError(t *testing.T) {
	perr := classifyError(errors.New("transport reset"))
	assert.Equal(t, provider.KindUnknown, perr.Kind)
	assert.Equal(t, Name, perr.Provider)
}
