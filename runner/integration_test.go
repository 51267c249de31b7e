package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/basui-labs/dialogos/llm/circuitbreaker"
	"github.com/basui-labs/dialogos/llm/retry"
	"github.com/basui-labs/dialogos/provider"
	"github.com/basui-labs/dialogos/repetition"
	"github.com/basui-labs/dialogos/testutil"
	"github.com/basui-labs/dialogos/transcript"
)

func newSQLiteRunner(t *testing.T, agentA, agentB *testutil.FakeAdapter, maxTurns int) (*Runner, *transcript.SQLiteStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conversation.db")
	store, err := transcript.NewSQLiteStore(path, 100000, zap.NewNop())
	require.NoError(t, err)

	r, err := New(Config{
		Topic: "end to end scenario",
		Agents: []AgentSpec{
			{Name: "A", Adapter: agentA},
			{Name: "B", Adapter: agentB},
		},
		Store:            store,
		MaxTurns:         maxTurns,
		MaxContextMsgs:   10,
		MaxMessageLength: 100000,
		Timeout:          10 * time.Second,
		BreakerConfig:    &circuitbreaker.Config{FailureThreshold: 5, Cooldown: time.Minute},
		RetryPolicy:      &retry.Policy{MaxAttempts: 1, InitialBackoff: time.Millisecond, Multiplier: 2, MaxBackoff: time.Millisecond},
		DetectorConfig:   &repetition.Config{SimilarityThreshold: 0.85, MaxConsecutiveSimilar: 2, WindowSize: 5, TerminationPhrases: []string{"[done]"}},
	})
	require.NoError(t, err)
	return r, store
}

// TestScenarioHappyPathMaxTurns covers spec.md §8 scenario 1: providers
// always succeed with distinct text; the transcript ends up with the
// seed plus one message per agent per turn, alternating, and terminates
// with max_turns_reached.
func TestScenarioHappyPathMaxTurns(t *testing.T) {
	agentA := testutil.NewFakeAdapter("A", "modelA")
	agentB := testutil.NewFakeAdapter("B", "modelB")
	for i := 0; i < 3; i++ {
		agentA.Replies = append(agentA.Replies, fmt.Sprintf("A says something new #%d", i))
		agentB.Replies = append(agentB.Replies, fmt.Sprintf("B says something new #%d", i))
	}

	r, store := newSQLiteRunner(t, agentA, agentB, 3)
	result, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Terminated)
	assert.Equal(t, "max_turns_reached", result.TerminationReason)

	msgs, err := store.Context(context.Background(), 100)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(msgs), 7) // seed + 3 turns * 2 agents
	assert.Equal(t, "System", msgs[0].Sender)
	for i := 1; i < len(msgs)-1; i++ {
		assert.NotEqual(t, msgs[i].Sender, msgs[i+1].Sender, "no two consecutive messages share a sender")
	}
}

// TestScenarioExplicitTerminationPhrase covers spec.md §8 scenario 2: one
// agent's reply contains a configured termination phrase; that message is
// appended, then the conversation ends with explicit_termination:<agent>.
func TestScenarioExplicitTerminationPhrase(t *testing.T) {
	agentA := testutil.NewFakeAdapter("A", "modelA")
	agentA.Replies = []string{"let's keep talking", "[done] goodbye"}
	agentB := testutil.NewFakeAdapter("B", "modelB")
	for i := 0; i < 5; i++ {
		agentB.Replies = append(agentB.Replies, fmt.Sprintf("B reply #%d", i))
	}

	r, store := newSQLiteRunner(t, agentA, agentB, 50)
	result, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Terminated)
	assert.Contains(t, result.TerminationReason, "explicit_termination:")

	msgs, err := store.Context(context.Background(), 100)
	require.NoError(t, err)
	found := false
	for _, m := range msgs {
		if m.Content == "[done] goodbye" {
			found = true
		}
	}
	assert.True(t, found, "the terminating message itself must be persisted")
}

// TestScenarioRepetitionLoop covers spec.md §8 scenario 3: one agent
// repeats a near-identical reply past the consecutive-similar threshold,
// ending the conversation with repetition_loop:<agent>.
func TestScenarioRepetitionLoop(t *testing.T) {
	agentA := testutil.NewFakeAdapter("A", "modelA")
	for i := 0; i < 5; i++ {
		agentA.Replies = append(agentA.Replies, fmt.Sprintf("A varies every time #%d", i))
	}
	agentB := testutil.NewFakeAdapter("B", "modelB")
	agentB.Replies = []string{"I agree completely.", "I agree completely.", "I agree completely."}

	r, _ := newSQLiteRunner(t, agentA, agentB, 50)
	result, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Terminated)
	assert.Contains(t, result.TerminationReason, "repetition_loop:")
}

// TestScenarioRateLimitedThenRecovery covers spec.md §8 scenario 4: one
// agent's provider returns rate_limited twice, then succeeds; the breaker
// records two failures and a success, backoff actually elapses between
// attempts, and the turn is produced normally.
func TestScenarioRateLimitedThenRecovery(t *testing.T) {
	agentA := testutil.NewFakeAdapter("anthropic", "modelA")
	agentA.Errs = []error{
		&provider.Error{Kind: provider.KindRateLimited, Detail: "slow down", Provider: "anthropic"},
		&provider.Error{Kind: provider.KindRateLimited, Detail: "slow down", Provider: "anthropic"},
	}
	agentA.Replies = []string{"", "", "finally, a reply"}
	agentB := testutil.NewFakeAdapter("openai", "modelB")
	agentB.Replies = []string{"B reply"}

	path := filepath.Join(t.TempDir(), "conversation.db")
	store, err := transcript.NewSQLiteStore(path, 100000, zap.NewNop())
	require.NoError(t, err)

	r, err := New(Config{
		Topic: "rate limited then recovery",
		Agents: []AgentSpec{
			{Name: "A", Adapter: agentA},
			{Name: "B", Adapter: agentB},
		},
		Store:            store,
		MaxTurns:         3,
		MaxContextMsgs:   10,
		MaxMessageLength: 100000,
		Timeout:          10 * time.Second,
		BreakerConfig:    &circuitbreaker.Config{FailureThreshold: 5, Cooldown: time.Minute},
		RetryPolicy:      &retry.Policy{MaxAttempts: 3, InitialBackoff: 10 * time.Millisecond, Multiplier: 2, MaxBackoff: time.Second, Jitter: 0},
		DetectorConfig:   &repetition.Config{SimilarityThreshold: 0.85, MaxConsecutiveSimilar: 2, WindowSize: 5},
	})
	require.NoError(t, err)

	start := time.Now()
	result, err := r.Run(context.Background())
	require.NoError(t, err)
	elapsed := time.Since(start)

	// Two backoff sleeps of 10ms and 20ms (jitter disabled) must actually
	// elapse before the third attempt succeeds.
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)

	assert.True(t, result.Terminated)
	assert.Equal(t, "max_turns_reached", result.TerminationReason)

	msgs, err := store.Context(context.Background(), 100)
	require.NoError(t, err)
	found := false
	for _, m := range msgs {
		if m.Content == "finally, a reply" {
			found = true
		}
	}
	assert.True(t, found, "the turn produced after recovery must be persisted")
}

// TestScenarioCircuitOpens covers spec.md §8 scenario 5: one agent's
// provider fails transiently enough consecutive times to trip its
// breaker; the conversation ends with circuit_open:<provider>.
func TestScenarioCircuitOpens(t *testing.T) {
	agentA := testutil.NewFakeAdapter("anthropic", "modelA")
	for i := 0; i < 10; i++ {
		agentA.Errs = append(agentA.Errs, &provider.Error{Kind: provider.KindTransient, Detail: "boom", Provider: "anthropic"})
	}
	agentB := testutil.NewFakeAdapter("openai", "modelB")
	for i := 0; i < 10; i++ {
		agentB.Replies = append(agentB.Replies, fmt.Sprintf("B reply #%d", i))
	}

	path := filepath.Join(t.TempDir(), "conversation.db")
	store, err := transcript.NewSQLiteStore(path, 100000, zap.NewNop())
	require.NoError(t, err)

	r, err := New(Config{
		Topic: "circuit opens",
		Agents: []AgentSpec{
			{Name: "A", Adapter: agentA},
			{Name: "B", Adapter: agentB},
		},
		Store:            store,
		MaxTurns:         50,
		MaxContextMsgs:   10,
		MaxMessageLength: 100000,
		Timeout:          10 * time.Second,
		BreakerConfig:    &circuitbreaker.Config{FailureThreshold: 5, Cooldown: time.Minute},
		RetryPolicy:      &retry.Policy{MaxAttempts: 1, InitialBackoff: time.Millisecond, Multiplier: 2, MaxBackoff: time.Millisecond},
		DetectorConfig:   &repetition.Config{SimilarityThreshold: 0.85, MaxConsecutiveSimilar: 2, WindowSize: 5},
	})
	require.NoError(t, err)

	result, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Terminated)
	assert.Equal(t, "circuit_open:anthropic", result.TerminationReason)
}
