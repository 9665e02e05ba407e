package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisStore keeps the account pool in one Redis hash: field = account ID,
// value = the account JSON. A short-lived local cache softens transient
// Redis outages on the read path.
type RedisStore struct {
	client   *goredis.Client
	poolKey  string
	cacheTTL time.Duration
	cache    *MemoryStore

	mu        sync.Mutex
	cachedAt  time.Time
	cacheSeen bool
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int, keyPrefix string) (*RedisStore, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStore{
		client:   client,
		poolKey:  keyPrefix + ":accounts",
		cacheTTL: 30 * time.Second,
		cache:    NewMemoryStore(),
	}, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error { return s.client.Close() }

// List returns all accounts in the pool, ordered by ID. On a Redis error it
// falls back to the last cached snapshot when one is fresh enough.
func (s *RedisStore) List(ctx context.Context) ([]*Account, error) {
	data, err := s.client.HGetAll(ctx, s.poolKey).Result()
	if err != nil {
		s.mu.Lock()
		fresh := s.cacheSeen && time.Since(s.cachedAt) < s.cacheTTL
		s.mu.Unlock()
		if fresh {
			log.Warnf("redis store: using cached accounts: %v", err)
			return s.cache.List(ctx)
		}
		return nil, fmt.Errorf("redis list accounts: %w", err)
	}

	out := make([]*Account, 0, len(data))
	for id, raw := range data {
		account, decodeErr := decodeAccount([]byte(raw))
		if decodeErr != nil {
			log.Warnf("redis store: skipping account %s: %v", id, decodeErr)
			continue
		}
		out = append(out, account)
		_ = s.cache.Save(ctx, account)
	}
	s.mu.Lock()
	s.cachedAt = time.Now()
	s.cacheSeen = true
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns one account by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*Account, error) {
	raw, err := s.client.HGet(ctx, s.poolKey, id).Result()
	if err == goredis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		if cached, cacheErr := s.cache.Get(ctx, id); cacheErr == nil {
			return cached, nil
		}
		return nil, fmt.Errorf("redis get account %s: %w", id, err)
	}
	return decodeAccount([]byte(raw))
}

// Save upserts an account.
func (s *RedisStore) Save(ctx context.Context, account *Account) error {
	if account == nil || account.ID == "" {
		return ErrNotFound
	}
	data, err := encodeAccount(account)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.poolKey, account.ID, data).Err(); err != nil {
		return fmt.Errorf("redis save account %s: %w", account.ID, err)
	}
	_ = s.cache.Save(ctx, account)
	return nil
}

// Delete removes an account from the pool.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, s.poolKey, id).Err(); err != nil {
		return fmt.Errorf("redis delete account %s: %w", id, err)
	}
	_ = s.cache.Delete(ctx, id)
	return nil
}

func encodeAccount(account *Account) (string, error) {
	data, err := json.Marshal(account)
	if err != nil {
		return "", fmt.Errorf("encode account %s: %w", account.ID, err)
	}
	return string(data), nil
}

func decodeAccount(data []byte) (*Account, error) {
	var account Account
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, err
	}
	if account.Status == "" {
		account.Status = StatusActive
	}
	return &account, nil
}
