// Package runner implements the Conversation Runner from spec.md §4.5:
// initialize, start, and finalize one conversation between two or more
// agents. Grounded on original_source/agents/base.py's BaseAgent.run
// lifecycle (timeout/terminated checks, summary on exit) and the teacher's
// agent/conversation/mode.go Conversation.Start (seeded opener, bounded
// round loop, result struct), adapted from its single in-process
// round-robin loop to one independent agent.RuntimeState task per party
// coordinated only through the shared transcript.Store.
package runner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/basui-labs/dialogos/agent"
	"github.com/basui-labs/dialogos/internal/metrics"
	"github.com/basui-labs/dialogos/internal/sanitize"
	"github.com/basui-labs/dialogos/llm/circuitbreaker"
	"github.com/basui-labs/dialogos/llm/retry"
	"github.com/basui-labs/dialogos/provider"
	"github.com/basui-labs/dialogos/repetition"
	"github.com/basui-labs/dialogos/transcript"
)

// AgentSpec names one party to the conversation: its display name and the
// provider adapter driving it.
type AgentSpec struct {
	Name    string
	Adapter provider.Adapter
}

// Config bundles everything the Runner needs to initialize, start, and
// finalize one conversation run.
type Config struct {
	Topic  string
	Agents []AgentSpec
	Store  transcript.Store

	MaxTurns         int
	MaxContextMsgs   int
	MaxMessageLength int
	Timeout          time.Duration

	BreakerConfig  *circuitbreaker.Config
	RetryPolicy    *retry.Policy
	DetectorConfig *repetition.Config

	Metrics *metrics.Collector
	Tracer  trace.Tracer
	Logger  *zap.Logger
}

// Result summarizes a finished run.
type Result struct {
	ConversationID    string
	Topic             string
	Terminated        bool
	TerminationReason string
	Metadata          transcript.Metadata
}

// Runner drives one conversation's initialize/launch/await/finalize
// lifecycle per spec.md §4.5.
type Runner struct {
	cfg    Config
	logger *zap.Logger
}

// New validates cfg and returns a ready Runner.
func New(cfg Config) (*Runner, error) {
	if len(cfg.Agents) < 2 {
		return nil, fmt.Errorf("runner: at least two agents are required")
	}
	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		norm := sanitize.Sender(a.Name)
		if norm == "" {
			return nil, fmt.Errorf("runner: agent name must not be empty")
		}
		if a.Adapter == nil {
			return nil, fmt.Errorf("runner: agent %q has no adapter", a.Name)
		}
		if seen[norm] {
			return nil, fmt.Errorf("runner: agent name %q is not distinct", norm)
		}
		seen[norm] = true
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("runner: topic must not be empty")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("runner: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, logger: logger}, nil
}

// storeUnavailableError is returned by Run when the health check fails
// during initialization, so callers (the CLI) can map it to spec.md
// §6.2's exit code 5.
type storeUnavailableError struct{ detail string }

func (e *storeUnavailableError) Error() string { return "store_unavailable: " + e.detail }

// IsStoreUnavailable reports whether err is the initialization-time
// store health failure.
func IsStoreUnavailable(err error) bool {
	_, ok := err.(*storeUnavailableError)
	return ok
}

// Run executes the full Initialize -> Launch -> Await -> Finalize
// lifecycle and returns once every agent has reached a terminal state.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	conversationID := uuid.NewString()
	logger := r.logger.With(zap.String("conversation_id", conversationID))

	health, err := r.cfg.Store.Health(ctx)
	if err != nil {
		return nil, &storeUnavailableError{detail: err.Error()}
	}
	if !health.Healthy {
		return nil, &storeUnavailableError{detail: "health check reported unhealthy"}
	}

	if err := r.seedOpener(ctx); err != nil {
		return nil, fmt.Errorf("runner: seed opener: %w", err)
	}

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.IncrementActiveConversations()
		defer r.cfg.Metrics.DecrementActiveConversations()
	}

	logger.Info("conversation run starting",
		zap.String("topic", r.cfg.Topic),
		zap.Int("agent_count", len(r.cfg.Agents)),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	for i, spec := range r.cfg.Agents {
		spec := spec
		peer := r.peerName(i)
		runtime := agent.New(agent.Config{
			Name:             spec.Name,
			PeerName:         peer,
			Adapter:          spec.Adapter,
			Store:            r.cfg.Store,
			BreakerConfig:    r.cfg.BreakerConfig,
			RetryPolicy:      r.cfg.RetryPolicy,
			DetectorConfig:   r.cfg.DetectorConfig,
			Metrics:          r.cfg.Metrics,
			Tracer:           r.cfg.Tracer,
			Logger:           logger,
			MaxTurns:         r.cfg.MaxTurns,
			MaxContextMsgs:   r.cfg.MaxContextMsgs,
			MaxMessageLength: r.cfg.MaxMessageLength,
			Timeout:          r.cfg.Timeout,
		})
		group.Go(func() error {
			return runtime.Run(groupCtx)
		})
	}

	if err := group.Wait(); err != nil {
		reason := fmt.Sprintf("fatal:%v", err)
		if markErr := r.cfg.Store.MarkTerminated(ctx, reason); markErr != nil {
			logger.Warn("mark terminated after fatal agent error failed", zap.Error(markErr))
		}
		logger.Error("conversation run ended with fatal error", zap.Error(err))
	}

	meta, metaErr := r.cfg.Store.Metadata(ctx)
	if metaErr != nil {
		logger.Warn("read final metadata failed", zap.Error(metaErr))
	}

	logger.Info("conversation run finished",
		zap.Bool("terminated", meta.Terminated),
		zap.String("reason", meta.TerminationReason),
	)

	return &Result{
		ConversationID:    conversationID,
		Topic:             r.cfg.Topic,
		Terminated:        meta.Terminated,
		TerminationReason: meta.TerminationReason,
		Metadata:          meta,
	}, nil
}

// seedOpener appends the deterministic System seed message when the
// transcript is empty, per spec.md §4.5: this guarantees last_sender is
// never an agent's own name, so both agents' turn-ownership check passes
// on the first iteration and the store's append atomicity resolves the
// resulting race.
func (r *Runner) seedOpener(ctx context.Context) error {
	_, hasLast, err := r.cfg.Store.LastSender(ctx)
	if err != nil {
		return err
	}
	if hasLast {
		return nil
	}
	content := fmt.Sprintf("Topic: %s. Begin.", r.cfg.Topic)
	_, err = r.cfg.Store.Append(ctx, "System", content, transcript.MessageMetadata{Seed: true}, transcript.AppendOptions{})
	return err
}

// peerName returns the normalized name of the agent "opposite" index i in
// a stable, lexicographically-sorted order, per spec.md §4.5's "agent
// whose name compares first under a stable total order" first-mover rule.
// For the common two-party case this is simply the other agent; for N > 2
// it names the next agent in sorted order, so each agent's "don't speak
// if you spoke last" check still has a well-defined single successor.
func (r *Runner) peerName(i int) string {
	names := make([]string, len(r.cfg.Agents))
	for j, a := range r.cfg.Agents {
		names[j] = sanitize.Sender(a.Name)
	}
	sort.Strings(names)
	self := sanitize.Sender(r.cfg.Agents[i].Name)
	for idx, n := range names {
		if n == self {
			return names[(idx+1)%len(names)]
		}
	}
	return names[0]
}
