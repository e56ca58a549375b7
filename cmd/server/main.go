package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/outrevo/planemail-engine/internal/api"
	"github.com/outrevo/planemail-engine/internal/auth"
	"github.com/outrevo/planemail-engine/internal/config"
	"github.com/outrevo/planemail-engine/internal/dispatch"
	"github.com/outrevo/planemail-engine/internal/notify"
	"github.com/outrevo/planemail-engine/internal/repository/postgres"
	"github.com/outrevo/planemail-engine/internal/service/enrollment"
	"github.com/outrevo/planemail-engine/internal/service/sequence"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("PlaneMail Sequence Engine — API server")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	host := cfg.Server.GetHost()
	if err := checkPortAvailable(host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
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

	// Redis backs the dispatch queue. The API server still works without it
	// (enrollments are created; the worker does the dispatching), but the
	// health endpoint loses queue depth.
	var redisClient *redis.Client
	var gateway *dispatch.RedisGateway
	if cfg.Redis.Enabled || cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed (%s): %v", cfg.Redis.Addr, err)
			redisClient.Close()
			redisClient = nil
		} else {
			gateway = dispatch.NewRedisGateway(redisClient, cfg.Dispatch.QueueKey, cfg.Dispatch.Timeout())
			log.Printf("Redis connected: %s", cfg.Redis.Addr)
		}
		pingCancel()
	}

	seqRepo := postgres.NewSequenceRepo(db)
	enrRepo := postgres.NewEnrollmentRepo(db)

	seqSvc := sequence.NewService(seqRepo)

	var notifier enrollment.Notifier
	if cfg.Notify.Enabled {
		notifier = notify.NewWebhookNotifier(cfg.Notify.MaxRetries, cfg.Notify.Timeout())
		log.Println("Webhook notifier enabled")
	}
	enrSvc := enrollment.NewService(enrRepo, seqSvc, notifier)

	var keys *auth.Service
	if cfg.Auth.Enabled {
		keys = auth.NewService(postgres.NewAPIKeyRepo(db))
		log.Println("API key auth enabled")
	} else {
		log.Println("API key auth disabled — requests are scoped via X-Org-ID")
	}

	server := api.NewServer(cfg.Server, seqSvc, enrSvc, gateway, keys)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", host, cfg.Server.Port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}

	log.Println("Server stopped")
}
