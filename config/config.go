package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/mossy-p/webrtc-mesh/internal/topology"
)

// Store backends for the room registry.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config holds the relay server configuration.
type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogLevel       string
	Store          string
	Redis          RedisConfig

	// MaxPathLength caps the paths the topology graph is decomposed into.
	MaxPathLength int
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	store := strings.ToLower(getEnv("STORE", StoreMemory))
	if store != StoreRedis {
		store = StoreMemory
	}

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Store:          store,
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		MaxPathLength: getEnvInt("MESH_MAX_PATH_LENGTH", topology.DefaultMaxPathLength),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
