package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/outrevo/planemail-engine/internal/config"
	"github.com/outrevo/planemail-engine/internal/dispatch"
	"github.com/outrevo/planemail-engine/internal/executor"
	"github.com/outrevo/planemail-engine/internal/notify"
	"github.com/outrevo/planemail-engine/internal/personalize"
	"github.com/outrevo/planemail-engine/internal/pkg/distlock"
	"github.com/outrevo/planemail-engine/internal/repository/postgres"
	"github.com/outrevo/planemail-engine/internal/scheduler"
	"github.com/outrevo/planemail-engine/internal/service/enrollment"
	"github.com/outrevo/planemail-engine/internal/service/sequence"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

func main() {
	log.Println("PlaneMail Sequence Engine — scheduler worker")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Database.URL == "" {
		log.Fatal("database url is required (set DATABASE_URL)")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.Lifetime())

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Database ping failed: %v", err)
	}
	pingCancel()
	log.Println("Database connected")

	// Email dispatch goes through the Redis queue, so the worker cannot run
	// without it. Running with a dead queue would burn every email step's
	// retry budget and exit the enrollments.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel = context.WithTimeout(context.Background(), 3*time.Second)
	redisErr := redisClient.Ping(pingCtx).Err()
	pingCancel()
	if redisErr != nil {
		log.Fatalf("Redis is required for the worker (email dispatch queue), ping %s failed: %v", cfg.Redis.Addr, redisErr)
	}
	log.Printf("Redis connected: %s", cfg.Redis.Addr)

	gateway := dispatch.NewRedisGateway(redisClient, cfg.Dispatch.QueueKey, cfg.Dispatch.Timeout())

	seqRepo := postgres.NewSequenceRepo(db)
	enrRepo := postgres.NewEnrollmentRepo(db)
	execRepo := postgres.NewExecutionRepo(db)
	subRepo := postgres.NewSubscriberRepo(db)

	seqSvc := sequence.NewService(seqRepo)

	var notifier enrollment.Notifier
	if cfg.Notify.Enabled {
		notifier = notify.NewWebhookNotifier(cfg.Notify.MaxRetries, cfg.Notify.Timeout())
		log.Println("Webhook notifier enabled")
	}
	enrSvc := enrollment.NewService(enrRepo, seqSvc, notifier)

	exec := executor.New(execRepo, subRepo, gateway, personalize.NewTemplateService())

	recoverLock := distlock.NewLock(redisClient, db, "sequences:recovery", cfg.Scheduler.LeaseTTL())

	sched := scheduler.New(db, enrSvc, seqSvc, exec, recoverLock, cfg.Scheduler)
	sched.Start()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Println("Shutting down...")
	sched.Stop()
	redisClient.Close()
	log.Println("Worker stopped")
}
