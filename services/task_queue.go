package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/victorrobotxt/Dali/models"
	"github.com/victorrobotxt/Dali/shared"
)

// TaskQueue carries audit requests from the API to the workers
type TaskQueue interface {
	Enqueue(ctx context.Context, listingID int64) error
	// Dequeue blocks up to the poll timeout and returns nil without error when nothing arrived
	Dequeue(ctx context.Context) (*models.QueueMessage, error)
	Ping(ctx context.Context) error
	Close() error
}

// RedisTaskQueue is a FIFO on a Redis list: LPUSH to enqueue, BRPOP to consume
type RedisTaskQueue struct {
	client      *redis.Client
	key         string
	pollTimeout time.Duration
	logger      *logrus.Logger
}

// NewRedisTaskQueue connects to redisURL and verifies the connection
func NewRedisTaskQueue(ctx context.Context, redisURL string, cfg shared.QueueConfig) (*RedisTaskQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisTaskQueueFromClient(client, cfg), nil
}

func NewRedisTaskQueueFromClient(client *redis.Client, cfg shared.QueueConfig) *RedisTaskQueue {
	key := cfg.Key
	if key == "" {
		key = "audit:queue"
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	return &RedisTaskQueue{
		client:      client,
		key:         key,
		pollTimeout: pollTimeout,
		logger:      logrus.StandardLogger(),
	}
}

func (q *RedisTaskQueue) Enqueue(ctx context.Context, listingID int64) error {
	payload, err := json.Marshal(models.QueueMessage{ListingID: listingID})
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue listing %d: %w", listingID, err)
	}
	q.logger.WithFields(logrus.Fields{
		"component":  "RedisTaskQueue",
		"listing_id": listingID,
		"queue":      q.key,
	}).Debug("Audit task enqueued")
	return nil
}

func (q *RedisTaskQueue) Dequeue(ctx context.Context) (*models.QueueMessage, error) {
	values, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("dequeue: unexpected reply of %d elements", len(values))
	}

	var msg models.QueueMessage
	if err := json.Unmarshal([]byte(values[1]), &msg); err != nil {
		return nil, fmt.Errorf("dequeue: decode %q: %w", values[1], err)
	}
	if msg.ListingID <= 0 {
		return nil, fmt.Errorf("dequeue: invalid listing id %d", msg.ListingID)
	}
	return &msg, nil
}

// Len returns the number of waiting tasks
func (q *RedisTaskQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *RedisTaskQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisTaskQueue) Close() error {
	return q.client.Close()
}
