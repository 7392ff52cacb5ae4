package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/callpersona/pkg/llm"
)

// RedisStore keeps each call as a list of "[ROLE]: content" entries under
// transcript:<scenario>:<stream_sid>.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. A zero ttl keeps keys forever.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// OpenRedisStore connects using a redis:// URL and verifies the connection.
func OpenRedisStore(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, ttl), nil
}

// Key returns the list key for a call.
func Key(scenario, streamSID string) string {
	return fmt.Sprintf("transcript:%s:%s", escapeName(scenario, true), escapeName(streamSID, false))
}

// Flush replaces the call's list with rec.Messages.
func (s *RedisStore) Flush(ctx context.Context, rec Record) error {
	if len(rec.Messages) == 0 {
		return nil
	}
	key := Key(rec.Scenario, rec.StreamSID)
	entries := make([]any, len(rec.Messages))
	for i, m := range rec.Messages {
		entries[i] = FormatMessage(m)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.RPush(ctx, key, entries...)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("flush transcript %s: %w", key, err)
	}
	return nil
}

// Read returns the stored messages for a call.
func (s *RedisStore) Read(ctx context.Context, scenario, streamSID string) ([]llm.Message, error) {
	key := Key(scenario, streamSID)
	entries, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read transcript %s: %w", key, err)
	}
	out := make([]llm.Message, 0, len(entries))
	for _, e := range entries {
		msgs, err := Parse(e)
		if err != nil {
			return nil, fmt.Errorf("parse transcript %s: %w", key, err)
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
