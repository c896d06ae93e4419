package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/seantiz/lobbylink/internal/model"
)

// maxTxRetries bounds optimistic-lock retries when a watched task key changes.
const maxTxRetries = 5

// RedisConfig configures the Redis-backed journal. Defaults can be loaded via envdecode.
type RedisConfig struct {
	// Addr like "localhost:6379". ENV: LOBBYLINK_REDIS_ADDR
	Addr string `env:"LOBBYLINK_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: LOBBYLINK_REDIS_PREFIX
	KeyPrefix string `env:"LOBBYLINK_REDIS_PREFIX,default=lobbylink:journal:"`
}

// Compile-time interface satisfaction check.
var _ Store = (*RedisStore)(nil)

// RedisStore implements Store on Redis. Each record is a JSON string key;
// a sorted set scored by creation time provides ordering.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "lobbylink:journal:"
	}
	return &RedisStore{client: cl, keyPrefix: prefix}, nil
}

// NewRedisStoreFromEnv builds a RedisStore using envdecode to populate RedisConfig.
func NewRedisStoreFromEnv() (*RedisStore, error) {
	var cfg RedisConfig
	// Defaults come from struct tags; a decode error only means nothing was set.
	_ = envdecode.Decode(&cfg)
	return NewRedisStore(cfg)
}

// Close closes the Redis client.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) taskKey(id string) string { return s.keyPrefix + "task:" + id }
func (s *RedisStore) indexKey() string         { return s.keyPrefix + "tasks" }

// CreateTask inserts a new task record.
func (s *RedisStore) CreateTask(ctx context.Context, r *model.TaskRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.taskKey(r.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if !ok {
		return fmt.Errorf("insert task: duplicate id %s", r.ID)
	}
	score := float64(r.CreatedAt.UnixNano())
	if err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{Score: score, Member: r.ID}).Err(); err != nil {
		return fmt.Errorf("index task: %w", err)
	}
	return nil
}

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, getter stringGetter, id string) (*model.TaskRecord, error) {
	data, err := getter.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	r := &model.TaskRecord{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return r, nil
}

// GetTask retrieves a task record by ID.
func (s *RedisStore) GetTask(ctx context.Context, id string) (*model.TaskRecord, error) {
	return s.load(ctx, s.client, id)
}

// ListTasks returns a paginated list of tasks ordered by creation time, newest first.
func (s *RedisStore) ListTasks(ctx context.Context, limit, offset int) ([]*model.TaskRecord, int, error) {
	total, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]*model.TaskRecord, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetTask(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, r)
	}
	return tasks, int(total), nil
}

// update applies mutate to the stored record under an optimistic WATCH.
func (s *RedisStore) update(ctx context.Context, id string, mutate func(r *model.TaskRecord) error) error {
	key := s.taskKey(id)
	txf := func(tx *redis.Tx) error {
		r, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := mutate(r); err != nil {
			return err
		}
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update task %s: too much contention", id)
}

// UpdateTaskState moves a task to a new non-terminal state.
func (s *RedisStore) UpdateTaskState(ctx context.Context, id, state string) error {
	return s.update(ctx, id, func(r *model.TaskRecord) error {
		if !model.ValidTransition(r.State, state) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, state)
		}
		if state == model.StateInitializing {
			now := time.Now().UTC()
			r.StartedAt = &now
		}
		r.State = state
		return nil
	})
}

// CompleteTask records the terminal outcome of a task.
func (s *RedisStore) CompleteTask(ctx context.Context, done *model.TaskRecord) error {
	return s.update(ctx, done.ID, func(r *model.TaskRecord) error {
		if model.Terminal(r.State) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, model.StateCompleted)
		}
		r.State = model.StateCompleted
		r.Outcome = done.Outcome
		r.ErrorID = done.ErrorID
		r.DurationMS = done.DurationMS
		if done.StartedAt != nil {
			r.StartedAt = done.StartedAt
		}
		r.CompletedAt = done.CompletedAt
		if r.CompletedAt == nil {
			now := time.Now().UTC()
			r.CompletedAt = &now
		}
		return nil
	})
}

// GetTaskStats walks the index and aggregates counts.
func (s *RedisStore) GetTaskStats(ctx context.Context) (*TaskStats, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list task ids: %w", err)
	}

	stats := newStats()
	var durSum, durCount int
	for _, id := range ids {
		r, err := s.GetTask(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		stats.Total++
		stats.CountByState[r.State]++
		stats.CountByName[r.Name]++
		if r.Outcome != "" {
			stats.CountByOutcome[r.Outcome]++
		}
		if r.DurationMS != nil {
			durSum += *r.DurationMS
			durCount++
		}
	}
	if durCount > 0 {
		stats.AvgDurationMS = float64(durSum) / float64(durCount)
	}
	return stats, nil
}

// Flush removes every key under the store's prefix. Intended for tests.
func (s *RedisStore) Flush(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
