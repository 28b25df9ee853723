package clients

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hooktrap/hooktrap/config"
)

func NewRedisClient(cfg config.RedisStorage) (redis.UniversalClient, error) {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addresses,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DBIndex,
		PoolSize: cfg.PoolSize,
	})

	if err := r.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	return r, nil
}
