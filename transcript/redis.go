package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/basui-labs/dialogos/internal/sanitize"
)

// appendScript performs the atomic multi-op transaction spec §4.1 requires
// for the networked backend: assign the next id, append the message, and
// update every derived counter in one EVAL, with no external lock. Grounded
// on original_source/core/queue.py's RedisQueue, which achieves the same
// atomicity via a single Lua script.
const appendScript = `
local msgs_key = KEYS[1]
local meta_key = KEYS[2]
local persender_key = KEYS[3]

local sender = ARGV[1]
local content = ARGV[2]
local tokens = tonumber(ARGV[3])
local model = ARGV[4]
local turn = tonumber(ARGV[5])
local response_time_ms = tonumber(ARGV[6])
local fingerprint = ARGV[7]
local seed = ARGV[8]
local expect_last_sender = ARGV[9]
local has_expectation = ARGV[10]

if has_expectation == "1" then
  local last_sender = redis.call('HGET', meta_key, 'last_sender')
  if last_sender == false then last_sender = '' end
  if last_sender ~= expect_last_sender then
    return redis.error_reply('TURN_VIOLATION:' .. last_sender)
  end
end

local id = redis.call('HINCRBY', meta_key, 'next_id', 1)
local time_parts = redis.call('TIME')
local timestamp = time_parts[1] .. '.' .. time_parts[2]

local entry = cjson.encode({
  id = id,
  sender = sender,
  content = content,
  timestamp = timestamp,
  tokens = tokens,
  model = model,
  turn = turn,
  response_time_ms = response_time_ms,
  fingerprint = fingerprint,
  seed = seed == "1",
})

redis.call('RPUSH', msgs_key, entry)
redis.call('HINCRBY', meta_key, 'total_turns', 1)
redis.call('HINCRBY', meta_key, 'total_tokens', tokens)
redis.call('HINCRBY', persender_key, sender, 1)
redis.call('HSET', meta_key, 'last_sender', sender)

return {id, timestamp}
`

// markTerminatedScript performs the check-and-set atomically so two agents
// racing to terminate for different reasons in the same instant cannot both
// observe terminated=="" and clobber each other's termination_reason: first
// writer to reach the script wins, mirroring appendScript's single-EVAL
// atomicity and spec §4.1/§8's "first reason wins" invariant.
const markTerminatedScript = `
local meta_key = KEYS[1]
local reason = ARGV[1]
local terminated_at = ARGV[2]

if redis.call('HGET', meta_key, 'terminated') == '1' then
  return 0
end

redis.call('HSET', meta_key, 'terminated', '1')
redis.call('HSET', meta_key, 'termination_reason', reason)
redis.call('HSET', meta_key, 'termination_at', terminated_at)
return 1
`

// RedisStore is the networked, multi-process Transcript Store, grounded on
// original_source/core/queue.py's RedisQueue.
type RedisStore struct {
	client           *redis.Client
	msgsKey          string
	metaKey          string
	persenderKey     string
	maxMessageLength int
	logger           *zap.Logger
}

// RedisStoreOptions configures a RedisStore.
type RedisStoreOptions struct {
	Addr             string
	Password         string
	DB               int
	KeyPrefix        string
	MaxMessageLength int
}

// NewRedisStore connects to Redis and prepares the conversation's keys.
func NewRedisStore(opts RedisStoreOptions, logger *zap.Logger) (*RedisStore, error) {
	return newRedisStore(redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), opts, logger)
}

// NewRedisStoreWithClient builds a RedisStore over an existing client
// (used by tests against a miniredis in-memory server).
func NewRedisStoreWithClient(client *redis.Client, opts RedisStoreOptions, logger *zap.Logger) (*RedisStore, error) {
	return newRedisStore(client, opts, logger)
}

func newRedisStore(client *redis.Client, opts RedisStoreOptions, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "dialogos:transcript:"
	}
	maxLen := opts.MaxMessageLength
	if maxLen <= 0 {
		maxLen = 100000
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, &Error{Kind: ErrKindStoreUnavailable, Detail: "connect to redis", Cause: err}
	}

	s := &RedisStore{
		client:           client,
		msgsKey:          prefix + "messages",
		metaKey:          prefix + "meta",
		persenderKey:     prefix + "persender",
		maxMessageLength: maxLen,
		logger:           logger,
	}

	exists, err := client.HExists(ctx, s.metaKey, "created_at").Result()
	if err != nil {
		return nil, &Error{Kind: ErrKindTransient, Detail: "check metadata init", Cause: err}
	}
	if !exists {
		if err := client.HSet(ctx, s.metaKey, "created_at", time.Now().UTC().Format(time.RFC3339Nano)).Err(); err != nil {
			return nil, &Error{Kind: ErrKindTransient, Detail: "init metadata", Cause: err}
		}
	}

	return s, nil
}

type redisMessageEntry struct {
	ID             int64  `json:"id"`
	Sender         string `json:"sender"`
	Content        string `json:"content"`
	Timestamp      string `json:"timestamp"`
	Tokens         int    `json:"tokens"`
	Model          string `json:"model"`
	Turn           int    `json:"turn"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Fingerprint    string `json:"fingerprint"`
	Seed           bool   `json:"seed"`
}

func parseRedisTimestamp(ts string) time.Time {
	var sec, usec int64
	if _, err := fmt.Sscanf(ts, "%d.%d", &sec, &usec); err != nil {
		return time.Now().UTC()
	}
	return time.Unix(sec, usec*1000).UTC()
}

func (s *RedisStore) Append(ctx context.Context, sender, content string, meta MessageMetadata, opts AppendOptions) (Message, error) {
	sender = sanitize.Sender(sender)
	if sender == "" {
		return Message{}, &Error{Kind: ErrKindInvalidInput, Detail: "sender is empty"}
	}
	if len(content) < 1 || len(content) > s.maxMessageLength {
		return Message{}, &Error{Kind: ErrKindInvalidInput, Detail: fmt.Sprintf("content length %d out of [1,%d]", len(content), s.maxMessageLength)}
	}

	seedFlag := "0"
	if meta.Seed {
		seedFlag = "1"
	}
	hasExpectation := "0"
	if opts.HasExpectation {
		hasExpectation = "1"
	}

	res, err := s.client.Eval(ctx, appendScript,
		[]string{s.msgsKey, s.metaKey, s.persenderKey},
		sender, content, meta.Tokens, meta.Model, meta.Turn, meta.ResponseTimeMs, meta.Fingerprint, seedFlag,
		opts.ExpectLastSender, hasExpectation,
	).Result()
	if err != nil {
		if isTurnViolation(err) {
			return Message{}, &Error{Kind: ErrKindTurnViolation, Detail: err.Error()}
		}
		return Message{}, &Error{Kind: ErrKindTransient, Detail: "append via redis script", Cause: err}
	}

	parts, ok := res.([]interface{})
	if !ok || len(parts) != 2 {
		return Message{}, &Error{Kind: ErrKindTransient, Detail: "unexpected append script result"}
	}
	id, _ := strconv.ParseInt(fmt.Sprint(parts[0]), 10, 64)
	timestamp := parseRedisTimestamp(fmt.Sprint(parts[1]))

	return Message{
		ID:        id,
		Sender:    sender,
		Content:   content,
		Timestamp: timestamp,
		Metadata:  meta,
	}, nil
}

func isTurnViolation(err error) bool {
	s := err.Error()
	return len(s) >= len("TURN_VIOLATION") && s[:len("TURN_VIOLATION")] == "TURN_VIOLATION"
}

func (s *RedisStore) Context(ctx context.Context, limit int) ([]Message, error) {
	if limit < 1 {
		limit = 10
	}
	total, err := s.client.LLen(ctx, s.msgsKey).Result()
	if err != nil {
		return nil, &Error{Kind: ErrKindTransient, Detail: "llen messages", Cause: err}
	}
	start := total - int64(limit)
	if start < 0 {
		start = 0
	}
	raw, err := s.client.LRange(ctx, s.msgsKey, start, -1).Result()
	if err != nil {
		return nil, &Error{Kind: ErrKindTransient, Detail: "lrange messages", Cause: err}
	}

	messages := make([]Message, 0, len(raw))
	for _, item := range raw {
		var entry redisMessageEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			s.logger.Warn("corrupt transcript entry skipped", zap.Error(err))
			continue
		}
		messages = append(messages, Message{
			ID:        entry.ID,
			Sender:    entry.Sender,
			Content:   entry.Content,
			Timestamp: parseRedisTimestamp(entry.Timestamp),
			Metadata: MessageMetadata{
				Tokens:         entry.Tokens,
				Model:          entry.Model,
				Turn:           entry.Turn,
				ResponseTimeMs: entry.ResponseTimeMs,
				Fingerprint:    entry.Fingerprint,
				Seed:           entry.Seed,
			},
		})
	}
	return messages, nil
}

func (s *RedisStore) LastSender(ctx context.Context) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.metaKey, "last_sender").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, &Error{Kind: ErrKindTransient, Detail: "read last sender", Cause: err}
	}
	return v, v != "", nil
}

func (s *RedisStore) MarkTerminated(ctx context.Context, reason string) error {
	_, err := s.client.Eval(ctx, markTerminatedScript,
		[]string{s.metaKey}, reason, time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return &Error{Kind: ErrKindTransient, Detail: "mark terminated", Cause: err}
	}
	return nil // either this call set it, or an earlier call already won
}

func (s *RedisStore) Terminated(ctx context.Context) (bool, error) {
	v, err := s.client.HGet(ctx, s.metaKey, "terminated").Result()
	if err != nil && err != redis.Nil {
		return false, &Error{Kind: ErrKindTransient, Detail: "read terminated flag", Cause: err}
	}
	return v == "1", nil
}

func (s *RedisStore) TerminationReason(ctx context.Context) (string, bool, error) {
	terminated, err := s.Terminated(ctx)
	if err != nil {
		return "", false, err
	}
	if !terminated {
		return "", false, nil
	}
	reason, err := s.client.HGet(ctx, s.metaKey, "termination_reason").Result()
	if err != nil && err != redis.Nil {
		return "", false, &Error{Kind: ErrKindTransient, Detail: "read termination reason", Cause: err}
	}
	return reason, true, nil
}

func (s *RedisStore) Metadata(ctx context.Context) (Metadata, error) {
	meta, err := s.client.HGetAll(ctx, s.metaKey).Result()
	if err != nil {
		return Metadata{}, &Error{Kind: ErrKindTransient, Detail: "read metadata", Cause: err}
	}
	perSenderRaw, err := s.client.HGetAll(ctx, s.persenderKey).Result()
	if err != nil {
		return Metadata{}, &Error{Kind: ErrKindTransient, Detail: "read per-sender turns", Cause: err}
	}
	perSender := make(map[string]int, len(perSenderRaw))
	for k, v := range perSenderRaw {
		n, _ := strconv.Atoi(v)
		perSender[k] = n
	}

	totalTurns, _ := strconv.Atoi(meta["total_turns"])
	totalTokens, _ := strconv.Atoi(meta["total_tokens"])
	createdAt, _ := time.Parse(time.RFC3339Nano, meta["created_at"])
	var terminationAt time.Time
	if v := meta["termination_at"]; v != "" {
		terminationAt, _ = time.Parse(time.RFC3339Nano, v)
	}

	return Metadata{
		TotalTurns:        totalTurns,
		PerSenderTurns:    perSender,
		TotalTokens:       totalTokens,
		Terminated:        meta["terminated"] == "1",
		TerminationReason: meta["termination_reason"],
		TerminationAt:     terminationAt,
		CreatedAt:         createdAt,
	}, nil
}

func (s *RedisStore) Health(ctx context.Context) (HealthStatus, error) {
	status := HealthStatus{}
	if err := s.client.Ping(ctx).Err(); err == nil {
		status.Backend = true
		status.Lock = true // no external lock required for this backend
	}
	status.Healthy = status.Backend
	return status, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
