package database

import (
	"context"
	"fmt"

	"courier-service/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func RedisConnect(ctx context.Context, s config.Settings, log *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", s.RedisHost, s.RedisPort),
		Password: s.RedisPassword,
		DB:       s.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	log.Info("connection opened to redis", zap.Int("db", s.RedisDB))
	return client, nil
}
