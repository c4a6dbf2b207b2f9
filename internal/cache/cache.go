package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nabiroh/go-commerce-settlement/internal/logx"
)

type Redis interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Store: codec JSON di atas redis dengan TTL jitter. Entry korup dianggap
// miss dan langsung dihapus supaya reader berikutnya repopulate.
type Store struct {
	rdb     Redis
	service string
}

func NewStore(rdb Redis, service string) *Store {
	return &Store{rdb: rdb, service: service}
}

// GetJSON: (hit, err). redis.Nil = miss tanpa error.
func (s *Store) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		logx.Log(logx.Fields{Service: s.service, Step: "cache_get", Status: "corrupt",
			Message: key, Err: err.Error()})
		_ = s.rdb.Del(ctx, key).Err()
		return false, nil
	}
	return true, nil
}

func (s *Store) SetJSON(ctx context.Context, key string, v any, baseTTL time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}
	return s.rdb.Set(ctx, key, b, JitterTTL(baseTTL)).Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// JitterTTL: base + acak 0..10% base (maks 10 menit), minimal 1 detik.
// Desinkronisasi expiry antar replica biar tidak expired barengan.
func JitterTTL(base time.Duration) time.Duration {
	extra := base / 10
	if max := 10 * time.Minute; extra > max {
		extra = max
	}
	ttl := base
	if extra > 0 {
		ttl += rand.N(extra + 1)
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
