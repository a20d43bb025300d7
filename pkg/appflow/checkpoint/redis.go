package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const threadIDsKey = "appflow:threads"

func threadKey(id string) string { return "appflow:thread:" + id }
func lockKey(id string) string   { return "appflow:lock:" + id }

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only if the caller still owns it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ownedSaveScript writes a checkpoint only if ARGV[1] still owns the lock.
var ownedSaveScript = redis.NewScript(`
if redis.call("GET", KEYS[2]) ~= ARGV[1] then
	return 0
end
redis.call("HINCRBY", KEYS[1], "sequence", 1)
redis.call("HSET", KEYS[1], "data", ARGV[2], "updated_at", ARGV[3])
redis.call("SADD", KEYS[3], ARGV[4])
return 1
`)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisLogger sets a custom logger.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(s *RedisStore) { s.logger = l }
}

// WithLockTTL sets how long a lock survives without a refresh.
// The owner refreshes it every TTL/3 while held.
func WithLockTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithPollInterval sets how often a blocked Lock retries.
func WithPollInterval(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// RedisStore keeps checkpoints in Redis hashes. Its locks live in Redis too,
// so several processes can share threads safely.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := checkpoint.NewRedisStore(client)
type RedisStore struct {
	client       redis.Cmdable
	logger       *slog.Logger
	lockTTL      time.Duration
	pollInterval time.Duration

	leases leaseSet
}

// NewRedisStore creates a Redis-backed store. The caller owns the client lifecycle.
func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:       client,
		logger:       slog.Default(),
		lockTTL:      defaultLockTTL,
		pollInterval: defaultPollInterval,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Save implements Store. While this store holds the thread's lock, the
// write is applied only if the lock is still ours; otherwise it fails with
// ErrLockLost.
func (s *RedisStore) Save(ctx context.Context, threadID string, data []byte) error {
	key := threadKey(threadID)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if l := s.leases.get(threadID); l != nil {
		if l.lost.Load() {
			return fmt.Errorf("appflow/redis: save checkpoint %s: %w", threadID, ErrLockLost)
		}
		n, err := ownedSaveScript.Run(ctx, s.client,
			[]string{key, lockKey(threadID), threadIDsKey},
			l.owner, data, now, threadID,
		).Int()
		if err != nil {
			return fmt.Errorf("appflow/redis: save checkpoint: %w", err)
		}
		if n == 0 {
			l.lost.Store(true)
			return fmt.Errorf("appflow/redis: save checkpoint %s: %w", threadID, ErrLockLost)
		}
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "sequence", 1)
	pipe.HSet(ctx, key,
		"data", data,
		"updated_at", now,
	)
	pipe.SAdd(ctx, threadIDsKey, threadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appflow/redis: save checkpoint: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, threadID string) ([]byte, error) {
	data, err := s.client.HGet(ctx, threadKey(threadID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("appflow/redis: load checkpoint: %w", err)
	}
	return data, nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context) ([]Info, error) {
	ids, err := s.client.SMembers(ctx, threadIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("appflow/redis: list threads smembers: %w", err)
	}

	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		vals, err := s.client.HGetAll(ctx, threadKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("appflow/redis: list threads hgetall: %w", err)
		}
		if len(vals) == 0 {
			continue // deleted between calls
		}
		info := Info{ThreadID: id, Size: int64(len(vals["data"]))}
		info.Sequence, _ = strconv.Atoi(vals["sequence"])
		info.Timestamp, _ = time.Parse(time.RFC3339Nano, vals["updated_at"])
		infos = append(infos, info)
	}
	sortInfos(infos)
	return infos, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, threadID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, threadKey(threadID))
	pipe.SRem(ctx, threadIDsKey, threadID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appflow/redis: delete thread: %w", err)
	}
	return nil
}

// Lock implements Store. It polls until the key is free or ctx ends.
func (s *RedisStore) Lock(ctx context.Context, threadID string) (Unlock, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		unlock, err := s.TryLock(ctx, threadID)
		if !errors.Is(err, ErrLocked) {
			return unlock, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryLock implements Store.
func (s *RedisStore) TryLock(ctx context.Context, threadID string) (Unlock, error) {
	key := lockKey(threadID)
	owner := uuid.New().String()

	ok, err := s.client.SetNX(ctx, key, owner, s.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("appflow/redis: acquire lock setnx: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	l := s.leases.start(threadID, owner, s.lockTTL, func(ctx context.Context) (bool, error) {
		n, err := refreshScript.Run(ctx, s.client, []string{key}, owner, s.lockTTL.Milliseconds()).Int()
		return n == 1, err
	}, s.logger)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.leases.end(threadID, l)
			// Fresh context: release must happen even if the run's ctx is gone.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, s.client, []string{key}, owner).Err(); err != nil {
				s.logger.Warn("failed to release thread lock", "thread_id", threadID, "error", err)
			}
		})
	}, nil
}

// Close releases the locks this store still holds. The caller owns the
// Redis client lifecycle.
func (s *RedisStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for threadID, l := range s.leases.endAll() {
		if err := releaseScript.Run(ctx, s.client, []string{lockKey(threadID)}, l.owner).Err(); err != nil {
			s.logger.Warn("failed to release thread lock", "thread_id", threadID, "error", err)
		}
	}
	return nil
}
