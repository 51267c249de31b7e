// Package transcript implements the shared, persisted conversation log:
// an atomically-appended ordered message log plus a keyed metadata bag,
// per spec §4.1. Two backends conform to the same Store interface — an
// embedded file-backed store for single-process runs, and a networked
// Redis-backed store for multi-process runs.
package transcript

import (
	"context"
	"errors"
	"time"
)

// ErrKind classifies a Store failure, per spec §7.
type ErrKind string

const (
	ErrKindInvalidInput   ErrKind = "invalid_input"
	ErrKindTransient      ErrKind = "transient"
	ErrKindTurnViolation  ErrKind = "turn_violation"
	ErrKindStoreUnavailable ErrKind = "store_unavailable"
)

// Error is a classified Store failure.
type Error struct {
	Kind   ErrKind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Detail + ": " + e.Cause.Error()
	}
	return e.Detail
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err carries the given Kind.
func Is(err error, kind ErrKind) bool {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Kind == kind
	}
	return false
}

// Message is one stored transcript entry, per spec §3.
type Message struct {
	ID        int64
	Sender    string
	Content   string
	Timestamp time.Time
	Metadata  MessageMetadata
}

// MessageMetadata is a Message's well-known optional metadata keys.
type MessageMetadata struct {
	Tokens         int
	Model          string
	Turn           int
	ResponseTimeMs int64
	Fingerprint    string
	Seed           bool
}

// Metadata is the conversation-level keyed bag, per spec §3.
type Metadata struct {
	TotalTurns         int
	PerSenderTurns     map[string]int
	TotalTokens        int
	Terminated         bool
	TerminationReason  string
	TerminationAt      time.Time
	CreatedAt          time.Time
}

// HealthStatus reports the result of Store.Health.
type HealthStatus struct {
	Healthy bool
	Backend bool
	Lock    bool
}

// AppendOptions carries append's optional arguments.
type AppendOptions struct {
	// ExpectLastSender enables the optional CAS guard from spec §5: when
	// set and the store's current last sender differs, Append returns a
	// TurnViolation error instead of appending.
	ExpectLastSender string
	HasExpectation   bool
}

// Store is the Transcript Store contract from spec §4.1.
type Store interface {
	// Append validates and records one message, returning it with its
	// assigned ID and server timestamp. Rejects InvalidInput for empty
	// sender, empty content, or content longer than the configured max.
	Append(ctx context.Context, sender, content string, meta MessageMetadata, opts AppendOptions) (Message, error)

	// Context returns up to limit most-recent messages, oldest first.
	Context(ctx context.Context, limit int) ([]Message, error)

	// LastSender returns the sender of the highest-ID message, or ("",
	// false) if the transcript is empty.
	LastSender(ctx context.Context) (string, bool, error)

	// MarkTerminated idempotently sets terminated=true with reason on the
	// first call; later calls are a no-op (first reason wins).
	MarkTerminated(ctx context.Context, reason string) error

	// Terminated reports whether the conversation has ended.
	Terminated(ctx context.Context) (bool, error)

	// TerminationReason returns the stored reason, or ("", false) if not
	// yet terminated.
	TerminationReason(ctx context.Context) (string, bool, error)

	// Metadata returns the full conversation metadata bag.
	Metadata(ctx context.Context) (Metadata, error)

	// Health verifies backend reachability and, for file-backed stores,
	// that the write lock is acquirable.
	Health(ctx context.Context) (HealthStatus, error)

	// Close releases backend resources.
	Close() error
}
