package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"dm-go/internal/auth"
	"dm-go/internal/config"
	"dm-go/internal/gateway"
	"dm-go/internal/handlers/chatserver"
	appkafka "dm-go/internal/kafka"
	"dm-go/internal/presence"
	appredis "dm-go/internal/redis"
	"dm-go/internal/router"
	"dm-go/internal/storage"
)

func main() {
	// 1. Load configuration
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("chatserver: could not load config: %v", err)
	}
	log.Println("chatserver: configuration loaded")

	// 2. Thread store: postgres by default, memory for local runs
	var store storage.ThreadStore
	switch cfg.Store.Type {
	case "memory":
		store = storage.NewMemoryThreadStore()
		log.Println("chatserver: using in-memory thread store")
	default:
		db, err := storage.InitDB(cfg.Database)
		if err != nil {
			log.Fatalf("chatserver: could not initialize database: %v", err)
		}
		if err := storage.AutoMigrateTables(db); err != nil {
			log.Fatalf("chatserver: could not migrate tables: %v", err)
		}
		store = storage.NewGormThreadStore(db)
		log.Println("chatserver: database connected and migrated")
	}

	// 3. Redis client for the token revocation list
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("chatserver: could not connect to redis: %v", err)
	}
	defer redisClient.Close()
	blacklist := appredis.NewRedisTokenBlacklist(redisClient)
	log.Println("chatserver: redis connected")

	// 4. Kafka producer for offline-recipient notifications
	producer, err := appkafka.NewConfluentKafkaProducer(cfg.Kafka)
	if err != nil {
		log.Fatalf("chatserver: could not create kafka producer: %v", err)
	}
	defer producer.Close()
	notifier := appkafka.NewOfflineNotifier(producer, cfg.Kafka)
	log.Println("chatserver: kafka producer initialized")

	// 5. Presence registry and room router
	registry := presence.NewRegistry()
	rtr := router.NewRouter(registry)

	// 6. Gateway dependencies shared by every session
	deps := gateway.Deps{
		Store:    store,
		Registry: registry,
		Router:   rtr,
		Verify: func(ctx context.Context, token string) (string, error) {
			return auth.VerifyToken(ctx, token, cfg.Auth.JWTSecretKey, blacklist)
		},
		Notifier: notifier,
		Cfg:      cfg.Gateway,
	}
	wsHandler := chatserver.NewWebSocketHandler(deps, cfg.WebSocket)

	// 7. HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.WebSocketPath, wsHandler.ServeWS)

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:           serverAddr,
		Handler:        mux,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		log.Printf("chatserver: listening on %s, websocket path %s", serverAddr, cfg.Server.WebSocketPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("chatserver: server failed: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("chatserver: shutting down...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		log.Fatalf("chatserver: shutdown failed: %v", err)
	}
	log.Println("chatserver: stopped")
}
