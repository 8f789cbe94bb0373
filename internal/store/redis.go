package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/darasahq/darasa/internal/metrics"
	"github.com/darasahq/darasa/internal/models"
)

const (
	messageTTL     = 30 * 24 * time.Hour
	idempotencyTTL = 24 * time.Hour
	memberCacheTTL = 5 * time.Minute

	// eventChannel carries realtime events between server instances.
	eventChannel = "rt:events"
)

// MessageStore is the hot path for messages and realtime state.
// RedisStore is the production implementation; tests use in-memory fakes.
type MessageStore interface {
	AddMessage(ctx context.Context, msg *models.Message) error
	GetThreadMessages(ctx context.Context, threadID string, limit int, before int64) ([]models.Message, error)
	GetMessage(ctx context.Context, threadID, msgID string) (*models.Message, error)
	GetMessagesByID(ctx context.Context, threadID string, msgIDs []string) (map[string]models.Message, error)
	CountThreadMessagesAfter(ctx context.Context, threadID string, after int64) (int64, error)
	ClaimClientMsgID(ctx context.Context, threadID, clientMsgID, serverMsgID string) (string, bool, error)
}

// RedisStore handles Redis operations for messages, realtime state and caching.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying client for middleware that shares the pool.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// threadMessagesKey returns the key for a thread's message sorted set.
func threadMessagesKey(threadID string) string {
	return fmt.Sprintf("thread:%s:messages", threadID)
}

// clientMsgKey returns the idempotency key for a client-assigned message ID.
func clientMsgKey(threadID, clientMsgID string) string {
	return fmt.Sprintf("thread:%s:cid:%s", threadID, clientMsgID)
}

// typingKey returns the key marking a member as typing in a thread.
func typingKey(threadID, memberID string) string {
	return fmt.Sprintf("typing:%s:%s", threadID, memberID)
}

// memberCacheKey returns the key caching a token digest lookup.
func memberCacheKey(tokenHash string) string {
	return fmt.Sprintf("member:token:%s", tokenHash)
}

func observeRedis(start time.Time) {
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
}

// AddMessage stores a message in Redis.
func (s *RedisStore) AddMessage(ctx context.Context, msg *models.Message) error {
	defer observeRedis(time.Now())

	// Generate ULID if not set
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}

	// Set timestamp if not set
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	key := threadMessagesKey(msg.ThreadID)

	err = s.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(msg.Timestamp),
		Member: string(data),
	}).Err()
	if err != nil {
		return err
	}

	s.client.Expire(ctx, key, messageTTL)
	return nil
}

// GetThreadMessages retrieves messages from a thread, newest first.
func (s *RedisStore) GetThreadMessages(ctx context.Context, threadID string, limit int, before int64) ([]models.Message, error) {
	defer observeRedis(time.Now())

	key := threadMessagesKey(threadID)

	var maxScore string
	if before > 0 {
		maxScore = fmt.Sprintf("(%d", before) // exclusive
	} else {
		maxScore = "+inf"
	}

	results, err := s.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   maxScore,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(results))
	for _, data := range results {
		var msg models.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}

	return messages, nil
}

// GetMessage retrieves a specific message by ID.
func (s *RedisStore) GetMessage(ctx context.Context, threadID, msgID string) (*models.Message, error) {
	key := threadMessagesKey(threadID)

	results, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	for _, data := range results {
		var msg models.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		if msg.ID == msgID {
			return &msg, nil
		}
	}

	return nil, nil
}

// GetMessagesByID resolves a batch of message IDs against a thread in one
// scan. IDs that do not exist in the thread are absent from the result.
func (s *RedisStore) GetMessagesByID(ctx context.Context, threadID string, msgIDs []string) (map[string]models.Message, error) {
	defer observeRedis(time.Now())

	wanted := make(map[string]bool, len(msgIDs))
	for _, id := range msgIDs {
		wanted[id] = true
	}

	results, err := s.client.ZRange(ctx, threadMessagesKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	found := make(map[string]models.Message, len(msgIDs))
	for _, data := range results {
		var msg models.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		if wanted[msg.ID] {
			found[msg.ID] = msg
		}
	}
	return found, nil
}

// CountThreadMessagesAfter counts messages newer than the given unix-ms
// timestamp. Backs per-thread unread counts against the read watermark.
func (s *RedisStore) CountThreadMessagesAfter(ctx context.Context, threadID string, after int64) (int64, error) {
	key := threadMessagesKey(threadID)
	min := "-inf"
	if after > 0 {
		min = fmt.Sprintf("(%d", after)
	}
	return s.client.ZCount(ctx, key, min, "+inf").Result()
}

// ClaimClientMsgID claims a client-assigned message ID for idempotent replay.
// The first claim wins and maps the client ID to the server message ID; later
// claims return the original server ID with claimed=false.
func (s *RedisStore) ClaimClientMsgID(ctx context.Context, threadID, clientMsgID, serverMsgID string) (string, bool, error) {
	defer observeRedis(time.Now())

	key := clientMsgKey(threadID, clientMsgID)

	ok, err := s.client.SetNX(ctx, key, serverMsgID, idempotencyTTL).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return serverMsgID, true, nil
	}

	existing, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

// SetTyping marks a member as typing in a thread until the expiry elapses.
func (s *RedisStore) SetTyping(ctx context.Context, threadID, memberID string, expiry time.Duration) error {
	return s.client.Set(ctx, typingKey(threadID, memberID), "1", expiry).Err()
}

// ClearTyping removes a member's typing marker.
func (s *RedisStore) ClearTyping(ctx context.Context, threadID, memberID string) error {
	return s.client.Del(ctx, typingKey(threadID, memberID)).Err()
}

// CacheMember caches a member lookup by token digest.
func (s *RedisStore) CacheMember(ctx context.Context, tokenHash string, member *models.Member) {
	data, err := json.Marshal(member)
	if err != nil {
		return
	}
	s.client.Set(ctx, memberCacheKey(tokenHash), data, memberCacheTTL)
}

// GetCachedMember retrieves a cached member by token digest.
func (s *RedisStore) GetCachedMember(ctx context.Context, tokenHash string) *models.Member {
	data, err := s.client.Get(ctx, memberCacheKey(tokenHash)).Bytes()
	if err != nil {
		return nil
	}
	var member models.Member
	if err := json.Unmarshal(data, &member); err != nil {
		return nil
	}
	return &member
}

// PublishEvent fans a realtime event out to every server instance.
func (s *RedisStore) PublishEvent(ctx context.Context, payload []byte) error {
	return s.client.Publish(ctx, eventChannel, payload).Err()
}

// SubscribeEvents subscribes to the realtime event channel.
// The caller owns the returned PubSub and must close it.
func (s *RedisStore) SubscribeEvents(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, eventChannel)
}
