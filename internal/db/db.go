package db

import (
	"context"
	"fmt"

	"github.com/senyabanana/harvest-negotiation/internal/router/config"

	"github.com/bsm/redislock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// InitDb инициализирует подключение к базе данных и возвращает пул соединений.
func InitDb(cfg config.Config) (*pgxpool.Pool, error) {
	databaseUrl := cfg.DatabaseURL()
	if databaseUrl == "" {
		return nil, fmt.Errorf("one or more database connection environment variables are missing")
	}

	dbPool, err := pgxpool.New(context.Background(), databaseUrl)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	return dbPool, nil
}

// InitRedis подключается к Redis и создаёт клиент распределённых блокировок.
// Пустой адрес означает работу без Redis.
func InitRedis(ctx context.Context, cfg config.Config) (*redis.Client, *redislock.Client, error) {
	if cfg.RedisAddress == "" {
		return nil, nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: "",
		DB:       0,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("unable to connect to redis at %s: %v", cfg.RedisAddress, err)
	}
	return rdb, redislock.New(rdb), nil
}
