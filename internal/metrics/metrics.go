package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Settlement metrics. Semua method nil-safe supaya service bisa jalan
// (dan di-test) tanpa registry.
type Settlement struct {
	Confirms         *prometheus.CounterVec
	Compensations    *prometheus.CounterVec
	GatewayLatencyMS *prometheus.HistogramVec
}

func NewSettlement(service string) *Settlement {
	confirms := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commerce",
		Subsystem: service,
		Name:      "settlement_confirms_total",
		Help:      "Payment confirmations by outcome.",
	}, []string{"outcome"})
	compensations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commerce",
		Subsystem: service,
		Name:      "settlement_compensations_total",
		Help:      "Compensation attempts after stock exhaustion, by result.",
	}, []string{"result"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "commerce",
		Subsystem: service,
		Name:      "gateway_request_duration_ms",
		Help:      "Payment gateway call latency in milliseconds.",
		Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"op"})

	prometheus.MustRegister(confirms, compensations, latency)
	return &Settlement{Confirms: confirms, Compensations: compensations, GatewayLatencyMS: latency}
}

func (m *Settlement) ObserveConfirm(outcome string) {
	if m == nil {
		return
	}
	m.Confirms.WithLabelValues(outcome).Inc()
}

func (m *Settlement) ObserveCompensation(result string) {
	if m == nil {
		return
	}
	m.Compensations.WithLabelValues(result).Inc()
}

func (m *Settlement) ObserveGateway(op string, ms float64) {
	if m == nil {
		return
	}
	m.GatewayLatencyMS.WithLabelValues(op).Observe(ms)
}

// Cache metrics utk catalog aggregator.
type Cache struct {
	Hits        *prometheus.CounterVec
	Misses      *prometheus.CounterVec
	LockRetries *prometheus.CounterVec
	LockGiveUps *prometheus.CounterVec
}

func NewCache(service string) *Cache {
	hits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commerce",
		Subsystem: service,
		Name:      "cache_hits_total",
		Help:      "Cache hits by key group.",
	}, []string{"key"})
	misses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commerce",
		Subsystem: service,
		Name:      "cache_misses_total",
		Help:      "Cache misses by key group.",
	}, []string{"key"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commerce",
		Subsystem: service,
		Name:      "cache_lock_retries_total",
		Help:      "Distributed lock acquisition retries.",
	}, []string{"key"})
	giveups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "commerce",
		Subsystem: service,
		Name:      "cache_lock_giveups_total",
		Help:      "Lock retry budget exhausted, served empty.",
	}, []string{"key"})

	prometheus.MustRegister(hits, misses, retries, giveups)
	return &Cache{Hits: hits, Misses: misses, LockRetries: retries, LockGiveUps: giveups}
}

func (m *Cache) ObserveHit(key string) {
	if m == nil {
		return
	}
	m.Hits.WithLabelValues(key).Inc()
}

func (m *Cache) ObserveMiss(key string) {
	if m == nil {
		return
	}
	m.Misses.WithLabelValues(key).Inc()
}

func (m *Cache) ObserveLockRetry(key string) {
	if m == nil {
		return
	}
	m.LockRetries.WithLabelValues(key).Inc()
}

func (m *Cache) ObserveLockGiveUp(key string) {
	if m == nil {
		return
	}
	m.LockGiveUps.WithLabelValues(key).Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
