package utils

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cppla/ecoreceipt/config"
)

var (
	redisClient *redis.Client
	redisOnce   sync.Once
)

// GetRedis returns the shared Redis client, or nil when Redis is not reachable at
// first use. Callers treat nil as "no cache" and fall back to in-process paths.
func GetRedis() *redis.Client {
	redisOnce.Do(func() {
		cfg := config.Get()
		if cfg.RedisHost == "" {
			return
		}
		rc := redis.NewClient(&redis.Options{
			Addr:         net.JoinHostPort(cfg.RedisHost, strconv.Itoa(cfg.RedisPort)),
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  3 * time.Second,
			ReadTimeout:  2 * time.Second,
			WriteTimeout: 2 * time.Second,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rc.Ping(ctx).Err(); err != nil {
			Logger.Warn("redis unavailable, caching disabled", zap.String("addr", rc.Options().Addr), zap.Error(err))
			_ = rc.Close()
			return
		}
		redisClient = rc
	})
	return redisClient
}

// SetRedis installs c as the shared client. Tests pass nil to force the fallbacks.
func SetRedis(c *redis.Client) {
	redisOnce.Do(func() {})
	redisClient = c
}
