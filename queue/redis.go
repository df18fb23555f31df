package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces queue keys in Redis.
const DefaultPrefix = "ho:queue"

// RedisConfig holds the connection settings of a Redis queue backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string

	// DialTimeout bounds connection setup. Zero uses the client default.
	DialTimeout time.Duration
}

// Redis stores each queue as a list under "<prefix>:<queue>". Producers LPUSH
// and consumers RPOP, so the oldest entry is popped first.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// DialRedis connects to Redis and checks the connection.
func DialRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return NewRedis(client, cfg.Prefix), nil
}

func (r *Redis) key(queue string) string {
	return r.prefix + ":" + queue
}

func (r *Redis) Push(ctx context.Context, queue, taskID string) error {
	return r.client.LPush(ctx, r.key(queue), taskID).Err()
}

func (r *Redis) TryPop(ctx context.Context, queue string) (string, bool, error) {
	id, err := r.client.RPop(ctx, r.key(queue)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (r *Redis) Remove(ctx context.Context, queue, taskID string) error {
	return r.client.LRem(ctx, r.key(queue), 0, taskID).Err()
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
