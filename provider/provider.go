// Package provider defines the opaque adapter contract the conversation
// engine calls against: one Adapter per participating LLM, mapping
// ordered messages to a text reply or a classified Error.
package provider

import (
	"context"
	"errors"
)

// Role is a message's position in the ordered exchange the core sends to
// an adapter. The core maps sender -> role (self -> Assistant, peer ->
// User, seed -> System) per spec §6.1.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the ordered context an adapter receives.
type Message struct {
	Role    Role
	Content string
}

// Kind classifies an adapter failure for the retry/breaker/termination
// logic, per spec §6.1 and §7.
type Kind string

const (
	KindRateLimited     Kind = "rate_limited"
	KindTransient       Kind = "transient"
	KindTimeout         Kind = "timeout"
	KindInvalidRequest  Kind = "invalid_request"
	KindAuth            Kind = "auth"
	KindContextTooLarge Kind = "context_too_large"
	KindUnknown         Kind = "unknown"
)

// Retryable reports the default retry classification for a Kind, used
// only when an Error does not set Retryable explicitly.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}

// Error is the structured failure an Adapter returns. Retryable, when
// non-nil, overrides Kind's default classification.
type Error struct {
	Kind      Kind
	Detail    string
	Provider  string
	Retryable *bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Detail + ": " + e.Cause.Error()
	}
	return e.Detail
}

func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable resolves the effective retry decision for err: an explicit
// Retryable flag wins, otherwise the Kind's default applies. Errors that
// are not *Error are treated as non-retryable.
func IsRetryable(err error) bool {
	var perr *Error
	if !errors.As(err, &perr) {
		return false
	}
	if perr.Retryable != nil {
		return *perr.Retryable
	}
	return perr.Kind.Retryable()
}

// KindOf extracts the Kind from err, returning KindUnknown for any error
// that is not a *Error.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindUnknown
}

// Result is a successful adapter call's output.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Adapter is the opaque contract a concrete provider client implements.
// Call must not block indefinitely past ctx's deadline.
type Adapter interface {
	// Call invokes the provider with ordered messages and returns its
	// reply, or a classified *Error.
	Call(ctx context.Context, messages []Message) (Result, error)

	// Name returns the adapter's stable provider identifier (e.g.
	// "anthropic").
	Name() string

	// Model returns the model identifier in use.
	Model() string
}

// Configurable is implemented by adapters that accept the generation
// tunables from spec §6.3 (TEMPERATURE, MAX_TOKENS) after construction.
// Registry.Build only has credential and model to work with, so the
// Runner applies these separately via a type assertion once it has the
// full Config in hand.
type Configurable interface {
	Configure(temperature float64, maxTokens int)
}
