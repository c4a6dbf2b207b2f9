package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Subset command redis yang dipakai; *redis.Client memenuhinya,
// test pakai fake.
type Redis interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Release hanya boleh menghapus kalau value masih token kita. Tanpa ini,
// holder yang TTL-nya keburu habis bisa menghapus lock milik holder baru.
const unlockScript = `if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end`

type Provider struct {
	rdb Redis
}

func NewProvider(rdb Redis) *Provider {
	return &Provider{rdb: rdb}
}

// TryAcquire: set-if-absent dengan TTL. Sukses -> token random (bukti
// kepemilikan), kalah -> "" tanpa error. Tidak pernah blocking.
func (p *Provider) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := p.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// Release: atomic check-and-delete via Lua. Token basi / bukan milik kita
// -> false, lock orang lain tetap utuh.
func (p *Provider) Release(ctx context.Context, key, token string) (bool, error) {
	res, err := p.rdb.Eval(ctx, unlockScript, []string{key}, token).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}
