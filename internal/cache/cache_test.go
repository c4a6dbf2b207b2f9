package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeRedis() *fakeRedis { return &fakeRedis{data: map[string]string{}} }

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

type payload struct {
	Name  string `json:"name"`
	Price int    `json:"price"`
}

func TestRoundTrip(t *testing.T) {
	rdb := newFakeRedis()
	s := NewStore(rdb, "test")
	ctx := context.Background()

	var out []payload
	hit, err := s.GetJSON(ctx, "k", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	in := []payload{{Name: "a", Price: 100}, {Name: "b", Price: 200}}
	require.NoError(t, s.SetJSON(ctx, "k", in, time.Minute))

	hit, err = s.GetJSON(ctx, "k", &out)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, in, out)
}

// Entry korup = miss + langsung dihapus, reader berikutnya repopulate.
func TestCorruptEntryDeletedAndMissed(t *testing.T) {
	rdb := newFakeRedis()
	rdb.data["k"] = `{"not":"a list"`
	s := NewStore(rdb, "test")

	var out []payload
	hit, err := s.GetJSON(context.Background(), "k", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	rdb.mu.Lock()
	_, exists := rdb.data["k"]
	rdb.mu.Unlock()
	assert.False(t, exists, "corrupt entry must be deleted")
}

func TestDelete(t *testing.T) {
	rdb := newFakeRedis()
	s := NewStore(rdb, "test")
	ctx := context.Background()

	require.NoError(t, s.SetJSON(ctx, "k", []payload{{Name: "a"}}, time.Minute))
	require.NoError(t, s.Delete(ctx, "k"))

	var out []payload
	hit, err := s.GetJSON(ctx, "k", &out)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestJitterTTLBounds(t *testing.T) {
	base := time.Hour
	for i := 0; i < 1000; i++ {
		ttl := JitterTTL(base)
		assert.GreaterOrEqual(t, ttl, base)
		assert.LessOrEqual(t, ttl, base+6*time.Minute) // 10% dari 1 jam
	}

	// extra dibatasi 10 menit utk base besar
	big := 7 * 24 * time.Hour
	for i := 0; i < 1000; i++ {
		ttl := JitterTTL(big)
		assert.GreaterOrEqual(t, ttl, big)
		assert.LessOrEqual(t, ttl, big+10*time.Minute)
	}

	// floor 1 detik
	assert.GreaterOrEqual(t, JitterTTL(10*time.Millisecond), time.Second)
}
