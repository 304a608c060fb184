// Package redis provides Redis cache server implimentation logic.
package redis

import (
	"context"
	"fmt"
	"time"

	config "github.com/crabzie/clusterforge/config/utils"
	"go.uber.org/zap"

	"github.com/gofiber/storage/redis/v3"
	redigo "github.com/redis/go-redis/v9"
)

// Redis holds one connection pool shared by the node registry (Conn) and
// the key/value metrics cache (Client)
type Redis struct {
	Client *redis.Storage
	Conn   redigo.UniversalClient
}

// New creates a new instance of Redis, retrying the first ping with an incremental backoff
func New(ctx context.Context, config *config.Redis, log *zap.Logger) (*Redis, error) {
	client := redigo.NewUniversalClient(&redigo.UniversalOptions{
		Addrs:           []string{config.Addr},
		Password:        config.Password,
		DB:              0,
		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 1 * time.Second,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        10,
		MinIdleConns:    2,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	const maxRetries = 5
	var err error
	for i := 1; i <= maxRetries; i++ {
		if err = client.Ping(ctx).Err(); err == nil {
			break
		}
		log.Warn("Failed to connect to Redis, retrying...", zap.Int("attempt", i), zap.Error(err))
		select {
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		case <-time.After(time.Duration(i) * time.Second):
		}
	}
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s unreachable after %d attempts: %w", config.Addr, maxRetries, err)
	}

	storage := redis.NewFromConnection(client)

	return &Redis{Client: storage, Conn: client}, nil
}

// Close releases the shared pool
func (r *Redis) Close() error {
	return r.Conn.Close()
}
