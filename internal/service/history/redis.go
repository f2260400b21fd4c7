package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zhouzirui/tavern-stage/internal/model/chat"
)

const (
	sessionKeyPrefix = "stage:session:"
	defaultRedisTTL  = 7 * 24 * time.Hour
)

// RedisStore stores each snapshot as a JSON value with a TTL.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Snapshot implements Store.
func (s *RedisStore) Snapshot(ctx context.Context, session chat.Session) error {
	if session.ID == "" {
		return ErrSessionNotFound
	}
	val, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", session.ID, err)
	}
	return s.client.Set(ctx, s.key(session.ID), val, s.ttl).Err()
}

// Restore implements Store. Reads refresh the TTL.
func (s *RedisStore) Restore(ctx context.Context, id string) (chat.Session, error) {
	key := s.key(id)
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return chat.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, err
	}

	var session chat.Session
	if err := json.Unmarshal(val, &session); err != nil {
		return chat.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}

	_ = s.client.Expire(ctx, key, s.ttl).Err()
	return session, nil
}

// Remove implements Store.
func (s *RedisStore) Remove(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(id string) string {
	return sessionKeyPrefix + id
}
