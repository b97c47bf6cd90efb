package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"

	"github.com/twangodev/rybbit-sub002/internal/config"
	"github.com/twangodev/rybbit-sub002/internal/events"
	"github.com/twangodev/rybbit-sub002/internal/importer"
	"github.com/twangodev/rybbit-sub002/internal/pkg/distlock"
	"github.com/twangodev/rybbit-sub002/internal/queue"
	"github.com/twangodev/rybbit-sub002/internal/retry"
	"github.com/twangodev/rybbit-sub002/internal/storage"
	"github.com/twangodev/rybbit-sub002/internal/worker"
)

func main() {
	log.Println("Starting import workers...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Database.URL == "" {
		log.Fatal("database.url (or DATABASE_URL) is required")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	cancel()
	log.Println("Connected to database")

	inserter, err := events.NewInserter(events.Config{
		Account:   cfg.Snowflake.Account,
		User:      cfg.Snowflake.User,
		Password:  cfg.Snowflake.Password,
		Database:  cfg.Snowflake.Database,
		Schema:    cfg.Snowflake.Schema,
		Warehouse: cfg.Snowflake.Warehouse,
		Table:     cfg.Snowflake.Table,
	})
	if err != nil {
		log.Fatalf("Failed to connect to event store: %v", err)
	}
	defer inserter.Close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Redis unreachable, progress snapshots disabled: %v", err)
			redisClient = nil
		}
		cancel()
	}

	var files storage.FileStore
	switch cfg.Storage.Backend {
	case "s3":
		s3Ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		files, err = storage.NewS3Store(s3Ctx, cfg.Storage.S3Bucket, cfg.Storage.S3Region, cfg.Storage.GetAWSProfile())
		cancel()
		if err != nil {
			log.Fatalf("Failed to init S3 storage: %v", err)
		}
	default:
		files, err = storage.NewLocalStore(cfg.Storage.UploadDir)
		if err != nil {
			log.Fatalf("Failed to init local storage: %v", err)
		}
	}

	store := importer.NewStore(db)
	policy := retry.New(cfg.Retry.MaxRetries, cfg.Retry.BaseDelay(), cfg.Retry.MaxDelay())
	q := queue.New(db, policy)
	parser := importer.NewParser(cfg.Imports.ChunkSize)
	progress := importer.NewProgressPublisher(redisClient)

	pool := worker.NewImportWorkerPool(q, store, files, inserter, parser, progress, cfg.Imports.Workers)
	pool.Start()

	sweepLock := distlock.NewLock(redisClient, db, "import:recovery", cfg.Imports.StaleAge())
	recovery := worker.NewRecoveryWorker(q, store, progress, files, sweepLock, cfg.Imports.RecoveryInterval(), cfg.Imports.StaleAge())

	ctx, stop := context.WithCancel(context.Background())
	go recovery.Start(ctx)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Println("Shutting down workers...")
	stop()
	pool.Stop()
}
