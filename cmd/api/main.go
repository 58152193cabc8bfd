package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"parceltrack/auth"
	"parceltrack/config"
	"parceltrack/db"
	"parceltrack/outbox"
	"parceltrack/ratelimit"
	"parceltrack/tracking"
)

func main() {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	policy := ratelimit.Policy{RPM: cfg.LookupRPM, Burst: cfg.LookupBurst}
	var (
		limiter   ratelimit.Limiter = ratelimit.NewMemoryLimiter(policy)
		publisher outbox.Publisher  = outbox.LogPublisher{}
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("parse REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("redis unreachable at startup, limits fall back to memory: %v", err)
		}

		limiter = ratelimit.NewFallback(ratelimit.NewRedisLimiter(rdb, policy, "parceltrack:lookup"), limiter)
		publisher = outbox.NewRedisPublisher(rdb, cfg.OutboxStream).WithMaxLen(100_000)
	} else {
		log.Println("REDIS_URL not set: in-process rate limits, outbox messages go to the log")
	}

	trackingService := tracking.NewService(pool, tracking.NewRepository(pool), outbox.NewWriter())
	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	relay := outbox.NewRelay(pool, outbox.NewStore(pool), publisher).WithInterval(cfg.OutboxInterval)

	server := NewServer(trackingService, authService, limiter)
	server.ready = pool.Ping
	server.trustProxy = cfg.TrustProxy

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Server listening addr=:%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
	log.Println("shutdown complete")
}
