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

	"github.com/twangodev/rybbit-sub002/internal/api"
	"github.com/twangodev/rybbit-sub002/internal/config"
	"github.com/twangodev/rybbit-sub002/internal/events"
	"github.com/twangodev/rybbit-sub002/internal/importer"
	"github.com/twangodev/rybbit-sub002/internal/queue"
	"github.com/twangodev/rybbit-sub002/internal/retry"
	"github.com/twangodev/rybbit-sub002/internal/storage"
)

func main() {
	log.Println("Starting import API server...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db := mustOpenDB(cfg)
	defer db.Close()

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

	files := mustOpenFileStore(cfg)

	store := importer.NewStore(db)
	quota := importer.NewQuotaGuard(store)
	quota.MaxConcurrent = int64(cfg.Imports.MaxConcurrentPerOrg)
	quota.MaxLifetimeEvents = cfg.Imports.MaxLifetimeEvents
	quota.SelfHosted = cfg.Imports.SelfHosted

	policy := retry.New(cfg.Retry.MaxRetries, cfg.Retry.BaseDelay(), cfg.Retry.MaxDelay())
	q := queue.New(db, policy)
	progress := importer.NewProgressPublisher(redisClient)

	// Event deletion on import delete needs the event store; skip when
	// Snowflake is not configured (the workers own inserts anyway).
	var purger api.EventPurger
	if cfg.Snowflake.Account != "" {
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
			log.Printf("Snowflake unavailable, event cleanup on delete disabled: %v", err)
		} else {
			defer inserter.Close()
			purger = inserter
		}
	}

	handlers := api.NewHandlers(store, quota, q, files, progress, purger)
	handlers.SetMaxUpload(int64(cfg.Imports.MaxUploadMB) << 20)
	hc := api.NewHealthChecker(db, redisClient)
	server := api.NewServer(handlers, hc, cfg.Server.AllowedOrigins)

	go func() {
		log.Printf("Listening on %s", cfg.Server.Addr())
		if err := server.ListenAndServe(cfg.Server.Addr()); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

func mustOpenDB(cfg *config.Config) *sql.DB {
	if cfg.Database.URL == "" {
		log.Fatal("database.url (or DATABASE_URL) is required")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")
	return db
}

func mustOpenFileStore(cfg *config.Config) storage.FileStore {
	switch cfg.Storage.Backend {
	case "s3":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		files, err := storage.NewS3Store(ctx, cfg.Storage.S3Bucket, cfg.Storage.S3Region, cfg.Storage.GetAWSProfile())
		if err != nil {
			log.Fatalf("Failed to init S3 storage: %v", err)
		}
		return files
	default:
		files, err := storage.NewLocalStore(cfg.Storage.UploadDir)
		if err != nil {
			log.Fatalf("Failed to init local storage: %v", err)
		}
		return files
	}
}
