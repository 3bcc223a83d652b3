package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chachabrian/mooveit-tanker/internal/metrics"
	"github.com/chachabrian/mooveit-tanker/internal/models"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to Redis and checks the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisQueue keeps undelivered location pings in a Redis list so they survive
// an agent restart. New pings go to the head; Pop takes from the tail, oldest
// first. The list is capped at limit entries and expires once nothing has been
// queued for window.
type RedisQueue struct {
	client *redis.Client
	key    string
	limit  int64
	window time.Duration
	logger *slog.Logger
}

func NewRedisQueue(client *redis.Client, key string, limit int, window time.Duration, logger *slog.Logger) *RedisQueue {
	if limit <= 0 {
		limit = 1000
	}
	return &RedisQueue{client: client, key: key, limit: int64(limit), window: window, logger: logger}
}

func (q *RedisQueue) Push(ctx context.Context, p models.QueuedPing) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	var length *redis.IntCmd
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		length = pipe.LPush(ctx, q.key, data)
		pipe.LTrim(ctx, q.key, 0, q.limit-1)
		if q.window > 0 {
			pipe.Expire(ctx, q.key, q.window)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to queue location ping: %w", err)
	}
	if length.Val() > q.limit {
		metrics.LocationDeliveriesTotal.WithLabelValues("dropped").Add(float64(length.Val() - q.limit))
	}
	return nil
}

// Requeue pushes ps back onto the tail so ps[0] is the next ping popped.
func (q *RedisQueue) Requeue(ctx context.Context, ps []models.QueuedPing) error {
	if len(ps) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(ps))
	for i := len(ps) - 1; i >= 0; i-- {
		data, err := json.Marshal(ps[i])
		if err != nil {
			return err
		}
		values = append(values, data)
	}

	var length *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		length = pipe.RPush(ctx, q.key, values...)
		pipe.LTrim(ctx, q.key, 0, q.limit-1)
		if q.window > 0 {
			pipe.Expire(ctx, q.key, q.window)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue location pings: %w", err)
	}
	if length.Val() > q.limit {
		metrics.LocationDeliveriesTotal.WithLabelValues("dropped").Add(float64(length.Val() - q.limit))
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context, max int) ([]models.QueuedPing, error) {
	if max <= 0 {
		return nil, nil
	}
	raw, err := q.client.RPopCount(ctx, q.key, max).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read location queue: %w", err)
	}

	out := make([]models.QueuedPing, 0, len(raw))
	for _, item := range raw {
		var p models.QueuedPing
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			q.logger.Warn("discarding unreadable queued ping", "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
