// Package queue carries scanner check-ins from the API to the replay
// worker.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CheckIn is one queued scanner mark.
type CheckIn struct {
	ID          string    `json:"id"`
	ClassRollID int64     `json:"class_roll_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// NewCheckIn stamps a check-in with a fresh message id.
func NewCheckIn(classRollID int64, at time.Time) CheckIn {
	return CheckIn{ID: uuid.NewString(), ClassRollID: classRollID, EnqueuedAt: at}
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, c CheckIn) error
	Consume(ctx context.Context) (<-chan CheckIn, error)
}

// InMemory is a channel-backed queue for dev and tests.
type InMemory struct {
	ch chan CheckIn
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan CheckIn, size)}
}

// Publish enqueues a check-in.
func (q *InMemory) Publish(ctx context.Context, c CheckIn) error {
	select {
	case q.ch <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for the worker.
func (q *InMemory) Consume(ctx context.Context) (<-chan CheckIn, error) {
	out := make(chan CheckIn)
	go func() {
		defer close(out)
		for {
			select {
			case c := <-q.ch:
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue implements a redis list-backed queue with LPUSH/BRPOP
// semantics.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue on the given list key.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "classtrack:checkins"
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues a check-in as JSON.
func (q *RedisQueue) Publish(ctx context.Context, c CheckIn) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

// Consume streams check-ins using BRPOP. Malformed entries are skipped.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan CheckIn, error) {
	out := make(chan CheckIn)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			var c CheckIn
			if err := json.Unmarshal([]byte(res[1]), &c); err != nil {
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
