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

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	goredis "github.com/redis/go-redis/v9"

	"dm-go/internal/config"
	"dm-go/internal/handlers/apiserver"
	"dm-go/internal/middleware"
	appredis "dm-go/internal/redis"
	"dm-go/internal/storage"
)

func main() {
	// 1. Load configuration
	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("apiserver: could not load config: %v", err)
	}
	log.Println("apiserver: configuration loaded")

	// 2. Thread store
	var store storage.ThreadStore
	switch cfg.Store.Type {
	case "memory":
		store = storage.NewMemoryThreadStore()
		log.Println("apiserver: using in-memory thread store")
	default:
		db, err := storage.InitDB(cfg.Database)
		if err != nil {
			log.Fatalf("apiserver: could not initialize database: %v", err)
		}
		// Migration normally belongs to the chatserver instance; tolerate
		// a concurrent migration here.
		if err := storage.AutoMigrateTables(db); err != nil {
			log.Printf("apiserver: table migration: %v", err)
		}
		store = storage.NewGormThreadStore(db)
		log.Println("apiserver: database connected")
	}

	// 3. Redis client for the token revocation list
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("apiserver: could not connect to redis: %v", err)
	}
	defer redisClient.Close()
	blacklist := appredis.NewRedisTokenBlacklist(redisClient)
	log.Println("apiserver: redis connected")

	// 4. Handlers and routes
	threadHandler := apiserver.NewThreadHandler(store)

	r := mux.NewRouter()
	authMW := middleware.AuthMiddleware(cfg.Auth.JWTSecretKey, blacklist)

	apiRouter := r.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(authMW)
	apiRouter.HandleFunc("/threads", threadHandler.ListThreadsHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/threads/private", threadHandler.CreateOrGetThreadHandler).Methods(http.MethodPost)
	apiRouter.HandleFunc("/threads/{threadID}/messages", threadHandler.ListMessagesHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/threads/{threadID}/unread", threadHandler.UnreadCountHandler).Methods(http.MethodGet)

	// 5. CORS from config
	corsOptions := []handlers.CORSOption{
		handlers.AllowedOrigins(cfg.APIServer.CORS.AllowedOrigins),
		handlers.AllowedMethods(cfg.APIServer.CORS.AllowedMethods),
		handlers.AllowedHeaders(cfg.APIServer.CORS.AllowedHeaders),
		handlers.ExposedHeaders(cfg.APIServer.CORS.ExposedHeaders),
		handlers.MaxAge(cfg.APIServer.CORS.MaxAge),
	}
	if cfg.APIServer.CORS.AllowCredentials {
		corsOptions = append(corsOptions, handlers.AllowCredentials())
	}
	corsHandler := handlers.CORS(corsOptions...)(r)

	// 6. HTTP server with graceful shutdown
	serverAddr := fmt.Sprintf("%s:%s", cfg.APIServer.Host, cfg.APIServer.Port)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      corsHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("apiserver: listening on %s", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("apiserver: server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("apiserver: shutting down...")

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(ctxShutdown); err != nil {
		log.Fatalf("apiserver: shutdown failed: %v", err)
	}
	log.Println("apiserver: stopped")
}
