package transcript

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := NewRedisStoreWithClient(client, RedisStoreOptions{
		KeyPrefix:        "test:",
		MaxMessageLength: 100000,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisAppendAssignsIncreasingIDs(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	m1, err := s.Append(ctx, "alice", "hello", MessageMetadata{}, AppendOptions{})
	require.NoError(t, err)
	m2, err := s.Append(ctx, "bob", "hi back", MessageMetadata{}, AppendOptions{})
	require.NoError(t, err)

	assert.Equal(t, int64(1), m1.ID)
	assert.Equal(t, int64(2), m2.ID)
}

func TestRedisAppendRejectsEmptyContent(t *testing.T) {
	s := newTestRedisStore(t)
	_, err := s.Append(context.Background(), "alice", "", MessageMetadata{}, AppendOptions{})
	require.Error(t, err)
	assert.True(t, Is(err, ErrKindInvalidInput))
}

func TestRedisAppendRejectsOversizeContent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := NewRedisStoreWithClient(client, RedisStoreOptions{KeyPrefix: "test:", MaxMessageLength: 10}, nil)
	require.NoError(t, err)
	defer s.Close()

	big := make([]byte, 11)
	for i := range big {
		big[i] = 'x'
	}
	_, err = s.Append(context.Background(), "alice", string(big), MessageMetadata{}, AppendOptions{})
	require.Error(t, err)
	assert.True(t, Is(err, ErrKindInvalidInput))
}

func TestRedisLastSenderAndMetadata(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "alice", "hello", MessageMetadata{Tokens: 5}, AppendOptions{})
	require.NoError(t, err)

	last, ok, err := s.LastSender(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Alice", last)

	meta, err := s.Metadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.TotalTurns)
	assert.Equal(t, 1, meta.PerSenderTurns["Alice"])
	assert.Equal(t, 5, meta.TotalTokens)
}

func TestRedisMarkTerminatedFirstReasonWins(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkTerminated(ctx, "max_turns_reached"))
	require.NoError(t, s.MarkTerminated(ctx, "timeout"))

	reason, ok, err := s.TerminationReason(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "max_turns_reached", reason)
}

// TestRedisMarkTerminatedConcurrentRacersAgreeOnOneReason covers the
// atomicity markTerminatedScript provides: many goroutines racing to mark
// termination for distinct reasons must still converge on exactly one
// reason, whichever call's EVAL happened to run first.
func TestRedisMarkTerminatedConcurrentRacersAgreeOnOneReason(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	const racers = 8
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			require.NoError(t, s.MarkTerminated(ctx, fmt.Sprintf("reason_%d", i)))
		}(i)
	}
	wg.Wait()

	reason, ok, err := s.TerminationReason(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	for i := 0; i < racers; i++ {
		candidate := fmt.Sprintf("reason_%d", i)
		if candidate == reason {
			continue
		}
		require.NoError(t, s.MarkTerminated(ctx, candidate))
		reason2, _, err := s.TerminationReason(ctx)
		require.NoError(t, err)
		assert.Equal(t, reason, reason2, "a later MarkTerminated call must never overwrite the winning reason")
	}
}

func TestRedisContextReturnsOldestFirst(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "alice", "first", MessageMetadata{}, AppendOptions{})
	require.NoError(t, err)
	_, err = s.Append(ctx, "bob", "second", MessageMetadata{}, AppendOptions{})
	require.NoError(t, err)

	msgs, err := s.Context(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[1].Content)
}

func TestRedisContextRespectsLimit(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "alice", "msg", MessageMetadata{}, AppendOptions{})
		require.NoError(t, err)
	}
	msgs, err := s.Context(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(5), msgs[0].ID)
}

func TestRedisTurnViolationGuard(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "alice", "hello", MessageMetadata{}, AppendOptions{})
	require.NoError(t, err)

	_, err = s.Append(ctx, "alice", "again", MessageMetadata{}, AppendOptions{ExpectLastSender: "Bob", HasExpectation: true})
	require.Error(t, err)
	assert.True(t, Is(err, ErrKindTurnViolation))
}

func TestRedisHealth(t *testing.T) {
	s := newTestRedisStore(t)
	status, err := s.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
}
