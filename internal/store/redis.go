package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/relay/internal/models"
)

const (
	messageTTL  = 24 * time.Hour
	connRateTTL = time.Minute
)

// RedisStore is the relay's persistence collaborator: relayed messages,
// unread counters, and connection-attempt rate limiting. The relay core
// treats all of it as fire-and-forget; failures are logged, never fatal.
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

// roomMessagesKey returns the key for a room's message sorted set.
func roomMessagesKey(roomID string) string {
	return fmt.Sprintf("room:%s:messages", roomID)
}

// unreadKey returns the hash key holding a user's per-room unread counts.
func unreadKey(userID string) string {
	return fmt.Sprintf("unread:%s", userID)
}

// connRateKey returns the key for an address's connection-attempt counter.
func connRateKey(addr string) string {
	return fmt.Sprintf("connrate:%s", addr)
}

// StoreMessage appends a relayed message to its room's sorted set, scored
// by server timestamp, with a rolling TTL.
func (s *RedisStore) StoreMessage(ctx context.Context, msg *models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	key := roomMessagesKey(msg.RoomID)

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

// RecentMessages returns up to limit messages for a room, newest first.
// Used by reconnecting clients to rebuild local state.
func (s *RedisStore) RecentMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	results, err := s.client.ZRevRange(ctx, roomMessagesKey(roomID), 0, int64(limit)-1).Result()
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

// IncrementUnread bumps the user's unread counter for a room and returns
// the new value.
func (s *RedisStore) IncrementUnread(ctx context.Context, userID, roomID string) (int64, error) {
	return s.client.HIncrBy(ctx, unreadKey(userID), roomID, 1).Result()
}

// ResetUnread clears the user's unread counter for a room.
func (s *RedisStore) ResetUnread(ctx context.Context, userID, roomID string) error {
	return s.client.HDel(ctx, unreadKey(userID), roomID).Err()
}

// UnreadCount returns the user's unread counter for a room.
func (s *RedisStore) UnreadCount(ctx context.Context, userID, roomID string) (int64, error) {
	count, err := s.client.HGet(ctx, unreadKey(userID), roomID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// CheckConnRate checks whether an address is under the connection-attempt
// limit for the current window.
func (s *RedisStore) CheckConnRate(ctx context.Context, addr string, limit int) (bool, error) {
	count, err := s.client.Get(ctx, connRateKey(addr)).Int()
	if err != nil && err != redis.Nil {
		return false, err
	}
	return count < limit, nil
}

// IncrementConnRate counts a connection attempt against an address.
func (s *RedisStore) IncrementConnRate(ctx context.Context, addr string) error {
	pipe := s.client.Pipeline()
	pipe.Incr(ctx, connRateKey(addr))
	pipe.Expire(ctx, connRateKey(addr), connRateTTL)
	_, err := pipe.Exec(ctx)
	return err
}
