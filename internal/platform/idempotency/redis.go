package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "idem:"

// redisCommander is the subset of redis.UniversalClient the store uses.
type redisCommander interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStore keeps keys in Redis with a native TTL, so Sweep has nothing to do.
type RedisStore struct {
	client redisCommander
}

// RedisOptions mirrors the idempotency section of the service configuration.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore dials lazily; the first command establishes the connection.
func NewRedisStore(opts RedisOptions) (*RedisStore, func() error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisStore{client: client}, client.Close
}

func newRedisStoreWithClient(client redisCommander) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Begin(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	entry := pendingEntry(key, fingerprint, now, ttl)
	payload, err := json.Marshal(entry)
	if err != nil {
		return 0, Entry{}, err
	}

	// A key can expire between SetNX and Get; one retry covers that window.
	for attempt := 0; attempt < 2; attempt++ {
		created, err := s.client.SetNX(ctx, redisKeyPrefix+documentID(key), payload, ttl).Result()
		if err != nil {
			return 0, Entry{}, fmt.Errorf("idempotency: redis setnx: %w", err)
		}
		if created {
			return OutcomeFresh, entry, nil
		}
		existing, found, err := s.load(ctx, key)
		if err != nil {
			return 0, Entry{}, err
		}
		if found {
			return resolve(existing, fingerprint)
		}
	}
	return OutcomeInFlight, entry, nil
}

// Finish overwrites the pending entry. Only the request that won Begin reaches here
// for a given fingerprint, so read-then-write does not race with another writer.
func (s *RedisStore) Finish(ctx context.Context, key, fingerprint string, snap Snapshot, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	entry, found, err := s.load(ctx, key)
	if err != nil {
		return err
	}
	if found && entry.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	if !found {
		entry = Entry{Key: key, Fingerprint: fingerprint}
	}
	payload, err := json.Marshal(complete(entry, snap, now, ttl))
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisKeyPrefix+documentID(key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Abandon(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+documentID(key)).Err(); err != nil {
		return fmt.Errorf("idempotency: redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) Sweep(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

// Ping is registered as a readiness probe.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) load(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+documentID(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("idempotency: redis get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("idempotency: decode entry: %w", err)
	}
	return entry, true, nil
}
