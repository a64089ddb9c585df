// Package queue hands job ids from the API to the workers through a
// Redis list, so submissions survive a worker restart and multiple
// server replicas can share one backlog.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is a Redis-list backed FIFO of job ids.
type Queue struct {
	client *redis.Client
	key    string
}

// Config mirrors the redis section of the service configuration.
type Config struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	QueueKey string `yaml:"queueKey"`
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	key := cfg.QueueKey
	if key == "" {
		key = "moresane:jobs"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}
	return &Queue{client: client, key: key}, nil
}

// Enqueue pushes a job id onto the backlog.
func (q *Queue) Enqueue(ctx context.Context, id string) error {
	if err := q.client.LPush(ctx, q.key, id).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", id, err)
	}
	return nil
}

// Dequeue blocks for up to timeout waiting for a job id. An empty id
// with a nil error means the wait timed out.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	result, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to dequeue job: %w", err)
	}
	// BRPop returns [key, value].
	return result[1], nil
}

// Len returns the backlog depth.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}
