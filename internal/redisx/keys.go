package redisx

import (
	"fmt"
	"time"
)

// Key & TTL policy utk catalog cache + distributed lock.
const (
	KeyFeatured     = "commerce:product:home:featured"
	KeyFeaturedLock = "commerce:product:home:featured:lock"

	prefixPopular     = "commerce:product:home:popular"
	prefixPopularLock = "commerce:product:home:popular:lock"
)

// Cache key per bentuk query; days/limit ikut di key supaya tiap variasi
// punya entry (dan lock) sendiri.
func PopularKey(days, limit int) string {
	return fmt.Sprintf("%s:days%d:top%d", prefixPopular, days, limit)
}

func PopularLockKey(days, limit int) string {
	return fmt.Sprintf("%s:days%d:top%d", prefixPopularLock, days, limit)
}

var (
	TTLFeatured = 7 * 24 * time.Hour
	TTLPopular  = time.Hour
	// Hasil kosong tetap di-cache sebentar (cache penetration guard)
	TTLEmpty = 2 * time.Minute
)

// Lock retry policy: delay tetap + jitter acak, bounded.
// Habis budget -> fail-open (empty result), jangan serbu DB.
const (
	LockTTL        = 400 * time.Millisecond
	LockMaxRetry   = 40
	LockRetryDelay = 15 * time.Millisecond
	LockRetryJit   = 15 * time.Millisecond
)
