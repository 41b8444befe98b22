package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch = 256

// RedisRegistry stores chunk markers in Redis and uses Redis pub/sub for events.
// All keys and channels are namespaced with a prefix so several relays can share
// one server.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisRegistry wraps an existing client.
func NewRedisRegistry(client *redis.Client, prefix string, logger *slog.Logger) *RedisRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRegistry{client: client, prefix: prefix, logger: logger}
}

// DialRedis parses a redis:// URL, connects and pings the server.
func DialRedis(ctx context.Context, url, prefix string, logger *slog.Logger) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisRegistry(client, prefix, logger), nil
}

// Get implements Registry.
func (r *RedisRegistry) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

// Keys implements Registry using SCAN so large keyspaces do not block the server.
func (r *RedisRegistry) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, escapeGlob(r.prefix+prefix)+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Set implements Registry. Values never expire; sessions are purged explicitly.
func (r *RedisRegistry) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, r.prefix+key, value, 0).Err()
}

// Delete implements Registry.
func (r *RedisRegistry) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	return r.client.Del(ctx, full...).Err()
}

// Publish implements Registry.
func (r *RedisRegistry) Publish(ctx context.Context, event string, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.prefix+event, data).Err()
}

// Subscribe implements Registry. The subscription is confirmed before returning
// so a publish issued right after Subscribe is not missed.
func (r *RedisRegistry) Subscribe(ctx context.Context, event string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, r.prefix+event)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", event, err)
	}
	sub := &redisSubscription{
		ps:   ps,
		ch:   make(chan Notification, subscriptionBuffer),
		done: make(chan struct{}),
	}
	go sub.pump(r.logger)
	return sub, nil
}

// Ping checks the connection.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	ps        *redis.PubSub
	ch        chan Notification
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) C() <-chan Notification {
	return s.ch
}

func (s *redisSubscription) pump(logger *slog.Logger) {
	defer close(s.ch)
	msgs := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var n Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				logger.Warn("dropping malformed registry notification",
					slog.String("channel", msg.Channel),
					slog.String("error", err.Error()),
				)
				continue
			}
			select {
			case s.ch <- n:
			case <-s.done:
				return
			default:
			}
		}
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

// escapeGlob escapes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
