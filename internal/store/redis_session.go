package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CourtPipe/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisSessionPrefix namespaces session keys in Redis.
const DefaultRedisSessionPrefix = "courtpipe:session:"

// RedisSessionStore keeps sessions as JSON values that expire after the idle TTL.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ SessionStore = (*RedisSessionStore)(nil)

// NewRedisSessionStore wraps an existing client. A zero ttl keeps sessions forever.
func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{client: client, prefix: DefaultRedisSessionPrefix, ttl: ttl}
}

// NewRedisSessionStoreFromURL parses url (redis://...), pings the server and returns the store.
func NewRedisSessionStoreFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisSessionStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Debug("RedisSessionStore connected", "addr", opt.Addr, "db", opt.DB)
	return NewRedisSessionStore(client, ttl), nil
}

func (s *RedisSessionStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisSessionStore) GetSession(ctx context.Context, key string) (*models.Session, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisSessionStore GetSession failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to get session %s: %w", key, err)
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", key, err)
	}
	return &sess, nil
}

func (s *RedisSessionStore) SaveSession(ctx context.Context, sess models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.Key, err)
	}
	if err := s.client.Set(ctx, s.key(sess.Key), data, s.ttl).Err(); err != nil {
		slog.Error("RedisSessionStore SaveSession failed", "error", err, "key", sess.Key)
		return fmt.Errorf("failed to save session %s: %w", sess.Key, err)
	}
	slog.Debug("RedisSessionStore SaveSession succeeded", "key", sess.Key, "step", sess.Step)
	return nil
}

func (s *RedisSessionStore) DeleteSession(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	return nil
}

// ListSessions scans every session key. Intended for operators and eviction, not hot paths.
func (s *RedisSessionStore) ListSessions(ctx context.Context) ([]models.Session, error) {
	var sessions []models.Session
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", iter.Val(), err)
		}
		var sess models.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			slog.Warn("RedisSessionStore ListSessions: skipping undecodable session", "key", iter.Val(), "error", err)
			continue
		}
		sessions = append(sessions, sess)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return sessions, nil
}

// Close closes the Redis client.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}
