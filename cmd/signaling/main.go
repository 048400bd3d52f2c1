package main

import (
	"context"

	"github.com/mossy-p/webrtc-mesh/config"
	"github.com/mossy-p/webrtc-mesh/internal/handlers"
	"github.com/mossy-p/webrtc-mesh/internal/logging"
	"github.com/mossy-p/webrtc-mesh/internal/redis"
	"github.com/mossy-p/webrtc-mesh/internal/store"

	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	// Pick the room store
	var rooms store.Store
	switch cfg.Store {
	case config.StoreRedis:
		client, err := redis.Connect(context.Background(), cfg.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer client.Close()
		logger.Info("Redis connection established")
		rooms = store.NewRedisStore(client)
	default:
		logger.Info("Using in-memory room store")
		rooms = store.NewMemoryStore()
	}

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	hub := handlers.NewHub(rooms, cfg.JWTSecret, cfg.MaxPathLength, logger)
	handlers.Register(router, handlers.RouterOptions{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		Hub:            hub,
		Rooms:          handlers.NewRoomHandler(rooms, hub, logger),
	})

	// Start server
	logger.Infof("Starting WebRTC signaling server on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		logger.WithError(err).Fatal("Failed to start server")
	}
}
