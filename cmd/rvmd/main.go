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

	"github.com/SherClockHolmes/webpush-go"

	"rvm-session-backend/config"
	"rvm-session-backend/internal/api"
	"rvm-session-backend/internal/coordinator"
	"rvm-session-backend/internal/db"
	"rvm-session-backend/internal/devicechan"
	"rvm-session-backend/internal/notification"
	"rvm-session-backend/internal/realtime"
	"rvm-session-backend/internal/reward"
	"rvm-session-backend/internal/store"
)

func main() {
	logger := log.New(os.Stdout, "rvm-backend ", log.LstdFlags)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded successfully from %s", configPath)

	if cfg.Push.PublicKey == "" || cfg.Push.PrivateKey == "" {
		logger.Fatalf("VAPID keys must be configured. Please generate them and add them to your config file.")
	}

	webpushOptions := webpush.Options{
		VAPIDPublicKey:  cfg.Push.PublicKey,
		VAPIDPrivateKey: cfg.Push.PrivateKey,
		Subscriber:      cfg.Push.Subject,
		TTL:             cfg.Push.TTL,
	}

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	logger.Println("database initialized successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)
	logger.Println("data store initialized")

	channel, err := devicechan.NewRedisChannel(
		cfg.DeviceChannel.Addr,
		cfg.DeviceChannel.Password,
		cfg.DeviceChannel.DB,
		cfg.DeviceChannel.TopicPrefix,
	)
	if err != nil {
		logger.Fatalf("failed to connect device channel: %v", err)
	}
	defer channel.Close()
	logger.Printf("device channel connected at %s", cfg.DeviceChannel.Addr)

	hub := realtime.NewHub()

	workerPool := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, &webpushOptions)
	workerPool.Start(ctx)

	coord := coordinator.New(
		appStore,
		channel,
		hub,
		reward.PerItem(cfg.Session.PointsPerItem),
		cfg.Session.InactivityTimeout,
		workerPool,
	)

	channel.Subscribe(coord.HandleMessage)

	// Sessions left open by a previous run get their timers back, so no
	// machine stays locked across a restart.
	if err := coord.RearmOpenSessions(ctx); err != nil {
		logger.Fatalf("failed to re-arm open sessions: %v", err)
	}

	router := api.NewRouter(appStore, coord, hub, &webpushOptions, cfg.Realtime)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Println("Shutdown signal received, stopping services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("HTTP server Shutdown: %v", err)
	}

	logger.Println("Server gracefully stopped")
}
