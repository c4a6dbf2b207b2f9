package catalog

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/nabiroh/go-commerce-settlement/internal/logx"
	"github.com/nabiroh/go-commerce-settlement/internal/metrics"
	"github.com/nabiroh/go-commerce-settlement/internal/redisx"
)

// DTO yang masuk cache. MainImageURL di-cache apa adanya (store file name);
// prefix presentasi ditulis ulang tiap kali serve, bukan bagian payload.
type HomeProduct struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Price        int    `json:"price"`
	MainImageURL string `json:"main_image_url"`
}

type Store interface {
	FeaturedProducts(ctx context.Context) ([]HomeProduct, error)
	PopularProducts(ctx context.Context, since time.Time, limit int) ([]HomeProduct, error)
	UpdateFeatured(ctx context.Context, items []FeaturedItem) error
}

type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

type Cache interface {
	GetJSON(ctx context.Context, key string, out any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, baseTTL time.Duration) error
	Delete(ctx context.Context, key string) error
}

type FeaturedItem struct {
	ProductID int64 `json:"product_id"`
	Featured  bool  `json:"featured"`
	Rank      int   `json:"rank"`
}

// Service: aggregate view di belakang read-through cache + distributed lock.
// Query aggregate-nya mahal; lock memastikan satu populator per key,
// sisanya nunggu atau fail-open.
type Service struct {
	Store        Store
	Lock         Locker
	Cache        Cache
	Metrics      *metrics.Cache
	ImageBaseURL string
	Name         string

	// dioverride di test supaya retry loop tidak tidur beneran
	Sleep func(time.Duration)
}

func (s *Service) sleep(d time.Duration) {
	if s.Sleep != nil {
		s.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (s *Service) GetFeatured(ctx context.Context) ([]HomeProduct, error) {
	return s.readThrough(ctx, redisx.KeyFeatured, redisx.KeyFeaturedLock, redisx.TTLFeatured,
		func(ctx context.Context) ([]HomeProduct, error) {
			return s.Store.FeaturedProducts(ctx)
		})
}

func (s *Service) GetPopular(ctx context.Context, windowDays, limit int) ([]HomeProduct, error) {
	since := time.Now().AddDate(0, 0, -windowDays)
	return s.readThrough(ctx,
		redisx.PopularKey(windowDays, limit), redisx.PopularLockKey(windowDays, limit), redisx.TTLPopular,
		func(ctx context.Context) ([]HomeProduct, error) {
			return s.Store.PopularProducts(ctx, since, limit)
		})
}

// readThrough: cache -> lock (retry bounded) -> double-check cache -> query
// -> set dengan jitter -> release. Lock kalah terus = serve kosong; caller
// berikutnya coba lagi sendiri, DB tetap terlindungi.
func (s *Service) readThrough(ctx context.Context, cacheKey, lockKey string, ttl time.Duration,
	query func(context.Context) ([]HomeProduct, error)) ([]HomeProduct, error) {

	var list []HomeProduct
	hit, err := s.Cache.GetJSON(ctx, cacheKey, &list)
	if err != nil {
		return nil, err
	}
	if hit {
		s.Metrics.ObserveHit(cacheKey)
		return s.rewriteImageURLs(list), nil
	}
	s.Metrics.ObserveMiss(cacheKey)

	for i := 0; i < redisx.LockMaxRetry; i++ {
		token, err := s.Lock.TryAcquire(ctx, lockKey, redisx.LockTTL)
		if err != nil {
			return nil, err
		}
		if token == "" {
			s.Metrics.ObserveLockRetry(cacheKey)
			s.sleep(redisx.LockRetryDelay + rand.N(redisx.LockRetryJit))
			continue
		}

		list, err = s.populate(ctx, cacheKey, lockKey, token, ttl, query)
		if err != nil {
			return nil, err
		}
		return s.rewriteImageURLs(list), nil
	}

	// Budget retry habis: fail-open, jangan query DB tanpa lock.
	s.Metrics.ObserveLockGiveUp(cacheKey)
	logx.Log(logx.Fields{Service: s.Name, Step: "cache_lock", Status: "gave_up",
		Message: lockKey})
	return []HomeProduct{}, nil
}

func (s *Service) populate(ctx context.Context, cacheKey, lockKey, token string, ttl time.Duration,
	query func(context.Context) ([]HomeProduct, error)) (list []HomeProduct, err error) {

	// Release di semua path; token menjaga kita tidak menghapus lock
	// holder lain setelah TTL expiry.
	defer func() {
		if _, rerr := s.Lock.Release(ctx, lockKey, token); rerr != nil {
			logx.Log(logx.Fields{Service: s.Name, Step: "cache_unlock", Status: "failed",
				Message: lockKey, Err: rerr.Error()})
		}
	}()

	// Holder sebelumnya bisa saja baru selesai populate.
	hit, err := s.Cache.GetJSON(ctx, cacheKey, &list)
	if err != nil {
		return nil, err
	}
	if hit {
		return list, nil
	}

	list, err = query(ctx)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		// Hasil kosong tetap di-cache sebentar (penetration guard).
		list = []HomeProduct{}
		ttl = redisx.TTLEmpty
	}
	if serr := s.Cache.SetJSON(ctx, cacheKey, list, ttl); serr != nil {
		logx.Log(logx.Fields{Service: s.Name, Step: "cache_set", Status: "failed",
			Message: cacheKey, Err: serr.Error()})
	}
	return list, nil
}

// UpdateFeatured: tulis dulu (commit), baru invalidate dengan DELETE key.
// Reader berikutnya repopulate lewat protokol lock di atas.
func (s *Service) UpdateFeatured(ctx context.Context, items []FeaturedItem) error {
	if err := s.Store.UpdateFeatured(ctx, items); err != nil {
		return err
	}
	if err := s.Cache.Delete(ctx, redisx.KeyFeatured); err != nil {
		logx.Log(logx.Fields{Service: s.Name, Step: "cache_invalidate", Status: "failed",
			Message: redisx.KeyFeatured, Err: err.Error()})
	}
	return nil
}

func (s *Service) rewriteImageURLs(list []HomeProduct) []HomeProduct {
	if s.ImageBaseURL == "" {
		return list
	}
	out := make([]HomeProduct, len(list))
	copy(out, list)
	for i := range out {
		if out[i].MainImageURL != "" && !strings.HasPrefix(out[i].MainImageURL, s.ImageBaseURL) {
			out[i].MainImageURL = strings.TrimRight(s.ImageBaseURL, "/") + "/" + out[i].MainImageURL
		}
	}
	return out
}
