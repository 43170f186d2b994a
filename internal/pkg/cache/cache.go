package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	redisstorage "github.com/gofiber/storage/redis"
	"github.com/redis/go-redis/v9"

	"github.com/mayone/pledges/internal/pkg/config"
)

// limiterDB keeps rate-limit keys out of the queue/counter database.
const limiterDB = 1

// NewClient connects to the Redis/Dragonfly server used for jobs, handshake
// state and (optionally) counters. An unreachable server only logs; callers
// surface errors on first use.
func NewClient(cfg config.CacheConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Warnf("[Cache] Could not connect to cache at %s: %v", cfg.Addr(), err)
	} else {
		log.Infof("[Cache] Connected to cache at %s: %s", cfg.Addr(), pong)
	}
	return client
}

// NewLimiterStorage returns Fiber storage for the rate limiter, backed by the
// same server on a separate database.
func NewLimiterStorage(cfg config.CacheConfig) *redisstorage.Storage {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		port = 6379
	}
	return redisstorage.New(redisstorage.Config{
		Host:     cfg.Host,
		Port:     port,
		Password: cfg.Password,
		Database: limiterDB,
		Reset:    false,
	})
}
