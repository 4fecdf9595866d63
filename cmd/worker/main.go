package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"async-image-processor/internal/archive"
	"async-image-processor/internal/blob"
	"async-image-processor/internal/config"
	"async-image-processor/internal/queue"
	"async-image-processor/internal/store"
	"async-image-processor/internal/telemetry"
	workerproc "async-image-processor/internal/worker"
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
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := workerproc.NewProcessor(cfg, q, records, workerID)
	processor.RegisterHandler(workerproc.TaskTypeProcessImage, workerproc.NewImageHandler(cfg, records, blobs).Handle)

	if cfg.PostgresDSN != "" {
		ar, err := archive.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer ar.Close()
		if err := ar.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		processor.SetArchive(ar)
		log.Printf("archiving terminal outcomes to postgres")
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker %s started job_timeout=%s resize_bound=%d thumbnail_bound=%d",
		workerID, cfg.JobTimeout, cfg.ResizeBound, cfg.ThumbnailBound)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
