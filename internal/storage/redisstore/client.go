// Package redisstore содержит хранилище корзин поверх Redis.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultConnTimeout = 3 * time.Second

// Config описывает подключение к Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Open создаёт клиента и проверяет доступность сервера.
func Open(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  defaultConnTimeout,
		ReadTimeout:  defaultConnTimeout,
		WriteTimeout: defaultConnTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Ping проверяет доступность Redis (используется health-проверкой).
func Ping(ctx context.Context, client redis.UniversalClient) error {
	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return client.Ping(pingCtx).Err()
}
