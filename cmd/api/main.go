package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/nabiroh/go-commerce-settlement/internal/cache"
	"github.com/nabiroh/go-commerce-settlement/internal/cart"
	"github.com/nabiroh/go-commerce-settlement/internal/catalog"
	"github.com/nabiroh/go-commerce-settlement/internal/config"
	"github.com/nabiroh/go-commerce-settlement/internal/events"
	"github.com/nabiroh/go-commerce-settlement/internal/httpx"
	kafkax "github.com/nabiroh/go-commerce-settlement/internal/kafka"
	"github.com/nabiroh/go-commerce-settlement/internal/lock"
	"github.com/nabiroh/go-commerce-settlement/internal/metrics"
	"github.com/nabiroh/go-commerce-settlement/internal/orders"
	"github.com/nabiroh/go-commerce-settlement/internal/payment"
	"github.com/nabiroh/go-commerce-settlement/internal/postgres"
	"github.com/nabiroh/go-commerce-settlement/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer utk lifecycle event
	prod := kafkax.NewProducer(cfg.KafkaBrokers, events.TopicOrderLifecycle, 1024)
	prod.Start()

	gateway := payment.NewClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey, cfg.GatewayTimeout)

	coordinator := &payment.Service{
		Orders:  &orders.Repo{DB: db},
		Carts:   &cart.Repo{DB: db},
		Gateway: gateway,
		Events:  &events.Publisher{Producer: prod, Service: cfg.ServiceName},
		Metrics: metrics.NewSettlement("settlement"),
		Name:    cfg.ServiceName,
	}

	catalogSvc := &catalog.Service{
		Store:        &catalog.Repo{DB: db},
		Lock:         lock.NewProvider(rdb),
		Cache:        cache.NewStore(rdb, cfg.ServiceName),
		Metrics:      metrics.NewCache("catalog"),
		ImageBaseURL: cfg.ImageBaseURL,
		Name:         cfg.ServiceName,
	}

	router := httpx.NewRouter()
	h := &httpx.SettlementHandler{
		Coordinator: coordinator,
		Orders:      &orders.Repo{DB: db},
		Catalog:     catalogSvc,
	}
	h.Register(router)
	router.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("shutting down...")
		return srv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Printf("exit: %v", err)
	}
	// Server sudah selesai drain: tidak ada Publish baru lagi.
	prod.Close()
	prod.WaitClosed() // tunggu flush
}
