package provider

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryableDefaultsByKind(t *testing.T) {
	assert.True(t, IsRetryable(&Error{Kind: KindTransient}))
	assert.True(t, IsRetryable(&Error{Kind: KindRateLimited}))
	assert.False(t, IsRetryable(&Error{Kind: KindAuth}))
	assert.False(t, IsRetryable(&Error{Kind: KindInvalidRequest}))
	assert.False(t, IsRetryable(errors.New("plain error")))
}

func TestIsRetryableExplicitOverrides(t *testing.T) {
	no := false
	assert.False(t, IsRetryable(&Error{Kind: KindTransient, Retryable: &no}))

	yes := true
	assert.True(t, IsRetryable(&Error{Kind: KindAuth, Retryable: &yes}))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTimeout, KindOf(&Error{Kind: KindTimeout}))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestErrorWrapsCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := &Error{Kind: KindTransient, Detail: "call failed", Cause: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "dial tcp")
}
