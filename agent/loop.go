// Package agent implements the per-party cooperative task that drives one
// agent's participation in a conversation from start to terminal
// condition, grounded on original_source/agents/base.py's
// BaseAgent.run/respond/generate_response and the teacher's
// agent/conversation/mode.go goroutine-per-party orchestration idiom.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/basui-labs/dialogos/internal/ctxkeys"
	"github.com/basui-labs/dialogos/internal/metrics"
	"github.com/basui-labs/dialogos/internal/sanitize"
	"github.com/basui-labs/dialogos/llm/circuitbreaker"
	"github.com/basui-labs/dialogos/llm/retry"
	"github.com/basui-labs/dialogos/llm/tokenizer"
	"github.com/basui-labs/dialogos/provider"
	"github.com/basui-labs/dialogos/repetition"
	"github.com/basui-labs/dialogos/transcript"
)

// turnYieldMinDelay/turnYieldMaxDelay bound the cooperative yield sleep
// from spec.md §4.4 step 2 ("short sleep with small jitter, default
// 200-400 ms").
const (
	turnYieldMinDelay = 200 * time.Millisecond
	turnYieldMaxDelay = 400 * time.Millisecond
)

// RuntimeState is one agent's per-run mutable state: turn counter, wall
// clock deadline, and the fault-tolerance machinery that is never shared
// across agents, per spec.md §5's "per-agent state is not shared".
type RuntimeState struct {
	Name     string
	PeerName string

	Adapter       provider.Adapter
	Store         transcript.Store
	Breaker       *circuitbreaker.Breaker
	Retryer       *retry.Retryer
	AppendRetryer *retry.Retryer
	Detector      *repetition.Detector
	Tokenizer     tokenizer.Tokenizer

	Metrics *metrics.Collector
	Tracer  trace.Tracer
	Logger  *zap.Logger

	MaxTurns         int
	MaxContextMsgs   int
	MaxMessageLength int
	TimeoutDeadline  time.Time

	turnCount      int
	observedUpToID int64
}

// Config bundles the construction parameters for a new Agent loop.
type Config struct {
	Name             string
	PeerName         string
	Adapter          provider.Adapter
	Store            transcript.Store
	BreakerConfig    *circuitbreaker.Config
	RetryPolicy      *retry.Policy
	DetectorConfig   *repetition.Config
	Metrics          *metrics.Collector
	Tracer           trace.Tracer
	Logger           *zap.Logger
	MaxTurns         int
	MaxContextMsgs   int
	MaxMessageLength int
	Timeout          time.Duration
}

// New builds a RuntimeState ready to Run.
func New(cfg Config) *RuntimeState {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("agent", cfg.Name), zap.String("peer", cfg.PeerName))

	breaker := circuitbreaker.New(cfg.BreakerConfig, logger)
	classifier := func(err error) bool { return provider.IsRetryable(err) }
	retryer := retry.New(cfg.RetryPolicy, classifier, logger)
	// appendRetryer classifies on transcript.ErrKind rather than
	// provider.Kind: a Store failure is never a *provider.Error, so sharing
	// the provider classifier would reject it outright and skip retrying a
	// Transient store blip. Only Transient is retried; InvalidInput and
	// TurnViolation are never going to succeed on a retry.
	appendClassifier := func(err error) bool { return transcript.Is(err, transcript.ErrKindTransient) }
	appendRetryer := retry.New(cfg.RetryPolicy, appendClassifier, logger)
	detector := repetition.New(cfg.DetectorConfig)

	return &RuntimeState{
		Name:             cfg.Name,
		PeerName:         cfg.PeerName,
		Adapter:          cfg.Adapter,
		Store:            cfg.Store,
		Breaker:          breaker,
		Retryer:          retryer,
		AppendRetryer:    appendRetryer,
		Detector:         detector,
		Tokenizer:        tokenizer.GetTokenizerOrEstimator(cfg.Adapter.Model()),
		Metrics:          cfg.Metrics,
		Tracer:           cfg.Tracer,
		Logger:           logger,
		MaxTurns:         cfg.MaxTurns,
		MaxContextMsgs:   cfg.MaxContextMsgs,
		MaxMessageLength: cfg.MaxMessageLength,
		TimeoutDeadline:  time.Now().Add(cfg.Timeout),
	}
}

// terminal is a sentinel carrying the reason the loop stopped, never
// propagated as a Go error up to the Runner unless Fatal is set.
type terminal struct {
	reason string
	fatal  bool
	cause  error
}

func (t *terminal) Error() string {
	if t.cause != nil {
		return fmt.Sprintf("%s: %v", t.reason, t.cause)
	}
	return t.reason
}

// Run drives the agent loop until a terminal condition. It returns nil for
// every ordinary termination (the reason is recorded in the Store); it
// returns a non-nil error only when the loop hit a condition the Runner
// must treat as fatal to the whole conversation.
func (a *RuntimeState) Run(ctx context.Context) error {
	a.Logger.Info("agent loop started", zap.Int("max_turns", a.MaxTurns))

	for {
		if err := a.iterate(ctx); err != nil {
			var term *terminal
			if asTerminal(err, &term) {
				a.Logger.Info("agent loop terminated", zap.String("reason", term.reason))
				if term.fatal {
					return err
				}
				return nil
			}
			return err
		}
	}
}

func asTerminal(err error, target **terminal) bool {
	t, ok := err.(*terminal)
	if !ok {
		return false
	}
	*target = t
	return true
}

// iterate runs one loop body per spec.md §4.4. A nil return means keep
// looping; a *terminal error means stop.
func (a *RuntimeState) iterate(ctx context.Context) error {
	// Step 1: terminal checks.
	if terminated, err := a.Store.Terminated(ctx); err != nil {
		return a.storeFatal(ctx, "check terminated", err)
	} else if terminated {
		return &terminal{reason: "peer_terminated"}
	}
	if time.Now().After(a.TimeoutDeadline) {
		a.markTerminated(ctx, "timeout")
		return &terminal{reason: "timeout"}
	}
	if a.turnCount >= a.MaxTurns {
		a.markTerminated(ctx, "max_turns_reached")
		return &terminal{reason: "max_turns_reached"}
	}
	if a.Breaker.IsOpen() {
		reason := fmt.Sprintf("circuit_open:%s", a.Adapter.Name())
		a.markTerminated(ctx, reason)
		return &terminal{reason: reason}
	}

	// Step 2: turn ownership.
	lastSender, hasLast, err := a.Store.LastSender(ctx)
	if err != nil {
		return a.storeFatal(ctx, "read last sender", err)
	}
	if hasLast && lastSender == sanitize.Sender(a.Name) {
		a.yieldTurn(ctx)
		return nil
	}

	// Step 3: context read.
	history, err := a.Store.Context(ctx, a.MaxContextMsgs)
	if err != nil {
		return a.storeFatal(ctx, "read context", err)
	}
	messages := a.buildMessages(history)
	a.observePeerHistory(history)

	ctx, span := a.startSpan(ctx)
	defer span.End()

	// Step 4: provider invocation under retry + breaker.
	start := time.Now()
	result, callErr := a.callWithRetry(ctx, messages)
	if callErr != nil && provider.KindOf(callErr) == provider.KindContextTooLarge {
		// Per spec.md §7: ContextTooLarge gets one truncation (halve the
		// context window) and one more attempt before it is fatal.
		truncated := truncateMessages(messages)
		result, callErr = a.callWithRetry(ctx, truncated)
	}
	elapsed := time.Since(start)

	if callErr != nil {
		span.RecordError(callErr)
		span.SetStatus(codes.Error, callErr.Error())
		a.recordCall("error", elapsed, 0, 0)
		if a.Metrics != nil {
			a.Metrics.RecordError(a.Adapter.Name(), string(provider.KindOf(callErr)))
		}
		if errors.Is(callErr, errInvalidResponse) {
			// Step 5's validation failure was retried the same as any
			// other transient error; retries are exhausted, so this
			// always resolves to invalid_response, never circuit_open.
			reason := fmt.Sprintf("invalid_response:%s", a.Adapter.Name())
			a.markTerminated(ctx, reason)
			return &terminal{reason: reason, cause: callErr}
		}
		if provider.KindOf(callErr).Retryable() {
			// Retries within callWithRetry are exhausted, but a
			// rate_limited/transient/timeout failure is breaker business,
			// not an immediately fatal one: RecordFailure already ran on
			// every attempt, so let the next iteration's terminal check
			// decide whether this tripped the breaker (circuit_open) or
			// whether the agent should simply try its turn again.
			return nil
		}
		reason := fatalReasonForError(callErr, a.Adapter.Name())
		a.markTerminated(ctx, reason)
		return &terminal{reason: reason, cause: callErr}
	}

	a.recordCall("success", elapsed, result.InputTokens, result.OutputTokens)

	// Result.Text was already sanitized and length-checked inside
	// callWithRetry (step 5 runs there so a bad response can be retried).
	text := result.Text

	tokens := result.OutputTokens
	if tokens == 0 {
		if n, err := a.Tokenizer.CountTokens(text); err == nil {
			tokens = n
		}
	}

	meta := transcript.MessageMetadata{
		Tokens:         tokens,
		Model:          a.Adapter.Model(),
		Turn:           a.turnCount + 1,
		ResponseTimeMs: elapsed.Milliseconds(),
		Fingerprint:    sanitize.Fingerprint(text),
	}

	// Steps 6-7: termination-phrase and repetition checks happen against
	// the candidate text before it is appended, but the message is always
	// appended first so peers observe it.
	repResult := a.Detector.Check(text)

	if _, err := a.appendWithRetry(ctx, text, meta); err != nil {
		return err // appendWithRetry already returned a *terminal on persistent failure
	}
	a.turnCount++
	a.Detector.Observe(text)

	if repResult.ExplicitTermination {
		reason := fmt.Sprintf("explicit_termination:%s", a.Name)
		a.markTerminated(ctx, reason)
		return &terminal{reason: reason}
	}
	if repResult.RepetitionLoop {
		reason := fmt.Sprintf("repetition_loop:%s", a.Name)
		a.markTerminated(ctx, reason)
		return &terminal{reason: reason}
	}

	return nil
}

// yieldTurn sleeps briefly with jitter so the peer gets a chance to speak,
// per spec.md §4.4 step 2.
func (a *RuntimeState) yieldTurn(ctx context.Context) {
	delay := turnYieldMinDelay + time.Duration(rand.Int63n(int64(turnYieldMaxDelay-turnYieldMinDelay)))
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

// observePeerHistory feeds newly-seen peer responses into the detector's
// rolling window so max_sim is computed over peer and own recent outputs
// per spec.md §4.3, not just this agent's own replies (which are fed in
// directly via Observe right after each append). Own messages and the seed
// are skipped here since they are either observed elsewhere or are not a
// response at all; the high-water mark still advances past them so they are
// never rescanned.
func (a *RuntimeState) observePeerHistory(history []transcript.Message) {
	for _, m := range history {
		if m.ID <= a.observedUpToID {
			continue
		}
		a.observedUpToID = m.ID
		if m.Metadata.Seed || m.Sender == sanitize.Sender(a.Name) {
			continue
		}
		a.Detector.Observe(m.Content)
	}
}

// buildMessages maps transcript history into the ordered role sequence an
// adapter expects: self -> assistant, peer/seed -> user (seed content is
// still informative context, mapped as user per the absence of a prior
// system turn in a two-party exchange), per spec.md §6.1.
func (a *RuntimeState) buildMessages(history []transcript.Message) []provider.Message {
	messages := make([]provider.Message, 0, len(history))
	for _, m := range history {
		role := provider.RoleUser
		if m.Sender == sanitize.Sender(a.Name) {
			role = provider.RoleAssistant
		} else if m.Metadata.Seed {
			role = provider.RoleSystem
		}
		messages = append(messages, provider.Message{Role: role, Content: m.Content})
	}
	return messages
}

// truncateMessages halves the context window, keeping the most recent
// half (nearest to the live exchange), per spec.md §7's ContextTooLarge
// recovery step.
func truncateMessages(messages []provider.Message) []provider.Message {
	half := len(messages) / 2
	if half < 1 {
		half = 1
	}
	if half >= len(messages) {
		return messages
	}
	return messages[len(messages)-half:]
}

// fatalReasonForError maps a non-retryable provider failure to a
// descriptive termination reason per spec.md §7's taxonomy: Auth and
// InvalidRequest are immediately fatal, as is a ContextTooLarge that
// survives the one truncation retry. Retryable kinds (RateLimited,
// Transient, Timeout) never reach here — the caller routes those through
// the breaker instead, per spec.md §8 scenario 5.
func fatalReasonForError(err error, providerName string) string {
	switch provider.KindOf(err) {
	case provider.KindAuth:
		return fmt.Sprintf("auth:%s", providerName)
	case provider.KindInvalidRequest:
		return fmt.Sprintf("invalid_request:%s", providerName)
	case provider.KindContextTooLarge:
		return fmt.Sprintf("context_too_large:%s", providerName)
	default:
		return fmt.Sprintf("invalid_response:%s", providerName)
	}
}

// errInvalidResponse marks a post-call validation failure (empty or
// oversize text, spec.md §4.4 step 5) as the error callWithRetry's retry
// loop sees. It is retried and breaker-tracked exactly like a provider
// Call error, but iterate distinguishes it on exhaustion so it always
// resolves to invalid_response rather than circuit_open.
var errInvalidResponse = errors.New("empty or oversize response")

func (a *RuntimeState) callWithRetry(ctx context.Context, messages []provider.Message) (provider.Result, error) {
	raw, err := a.Retryer.Do(ctx, func(attempt int) (any, error) {
		res, callErr := a.Adapter.Call(ctx, messages)
		if callErr != nil {
			a.Breaker.RecordFailure()
			return nil, callErr
		}
		text := sanitize.Content(res.Text)
		if text == "" || len(text) > a.MaxMessageLength {
			a.Breaker.RecordFailure()
			return nil, &provider.Error{
				Kind:     provider.KindTransient,
				Detail:   "empty or oversize response",
				Provider: a.Adapter.Name(),
				Cause:    errInvalidResponse,
			}
		}
		res.Text = text
		a.Breaker.RecordSuccess()
		return res, nil
	})
	if err != nil {
		return provider.Result{}, err
	}
	return raw.(provider.Result), nil
}

// appendWithRetry appends the message, retrying Transient store failures
// per the same backoff policy as provider calls, per spec.md §4.4 step 8.
// InvalidInput and TurnViolation are never retried: AppendRetryer's
// classifier rejects them immediately, so err below is the raw *transcript.Error.
func (a *RuntimeState) appendWithRetry(ctx context.Context, text string, meta transcript.MessageMetadata) (transcript.Message, error) {
	raw, err := a.AppendRetryer.Do(ctx, func(attempt int) (any, error) {
		msg, appendErr := a.Store.Append(ctx, a.Name, text, meta, transcript.AppendOptions{})
		if appendErr != nil {
			return nil, appendErr
		}
		return msg, nil
	})
	if err != nil {
		if transcript.Is(err, transcript.ErrKindInvalidInput) || transcript.Is(err, transcript.ErrKindTurnViolation) {
			a.Logger.Error("append rejected", zap.Error(err))
			return transcript.Message{}, &terminal{reason: "internal_invariant", cause: err}
		}
		a.markTerminated(ctx, "store_unavailable")
		return transcript.Message{}, &terminal{reason: "store_unavailable", cause: err}
	}
	return raw.(transcript.Message), nil
}

func (a *RuntimeState) markTerminated(ctx context.Context, reason string) {
	if err := a.Store.MarkTerminated(ctx, reason); err != nil {
		a.Logger.Warn("mark terminated failed", zap.String("reason", reason), zap.Error(err))
	}
}

func (a *RuntimeState) storeFatal(ctx context.Context, detail string, cause error) error {
	a.Logger.Error("store operation failed", zap.String("detail", detail), zap.Error(cause))
	a.markTerminated(ctx, "store_unavailable")
	return &terminal{reason: "store_unavailable", cause: cause}
}

func (a *RuntimeState) recordCall(status string, elapsed time.Duration, inputTokens, outputTokens int) {
	if a.Metrics == nil {
		return
	}
	a.Metrics.RecordCall(a.Adapter.Name(), a.Adapter.Model(), status, elapsed, inputTokens, outputTokens)
}

func (a *RuntimeState) startSpan(ctx context.Context) (context.Context, trace.Span) {
	ctx = ctxkeys.WithAgentName(ctx, a.Name)
	ctx = ctxkeys.WithProvider(ctx, a.Adapter.Name())
	if a.Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return a.Tracer.Start(ctx, fmt.Sprintf("%s.generate", a.Adapter.Name()),
		trace.WithAttributes(
			attribute.String("agent.name", a.Name),
			attribute.String("provider", a.Adapter.Name()),
			attribute.String("model", a.Adapter.Model()),
		),
	)
}
