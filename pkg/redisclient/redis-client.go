package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NewRedisClient connects and pings the server so a misconfigured address fails at startup.
func NewRedisClient(ctx context.Context, cfg *Config) (*redis.Client, error) {
	r := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.Ping(pingCtx).Err(); err != nil {
		r.Close()
		return nil, err
	}

	return r, nil
}
