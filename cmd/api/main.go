package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"async-image-processor/internal/api"
	"async-image-processor/internal/blob"
	"async-image-processor/internal/config"
	"async-image-processor/internal/queue"
	"async-image-processor/internal/ratelimit"
	"async-image-processor/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	records := store.New(client, cfg.CacheTTL)
	q := queue.NewRedisQueue(client, cfg.CacheTTL, cfg.JobTimeout+30*time.Second)

	var blobs blob.Store = blob.NewRedisStore(client, cfg.CacheTTL)
	if cfg.BlobS3Bucket != "" {
		s3Blobs, err := blob.NewS3Store(ctx, cfg)
		if err != nil {
			log.Fatalf("init s3 blob store: %v", err)
		}
		blobs = s3Blobs
		log.Printf("storing payloads and artifacts in s3 bucket %s", cfg.BlobS3Bucket)
	}

	limiter := ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, records, blobs, q, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s (ttl=%s resize_bound=%d)", cfg.HTTPPort, cfg.CacheTTL, cfg.ResizeBound)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
