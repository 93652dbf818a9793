package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis реализует Store поверх Redis.
type Redis struct {
	client *redis.Client
}

// NewRedis создаёт клиент Redis и проверяет соединение.
func NewRedis(addr string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Redis{client: client}, nil
}

// Close закрывает соединение с Redis.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Get возвращает значение ключа либо ErrNotFound.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", unavailable("get", err)
	}
	return val, nil
}

// Set записывает значение с TTL, при onlyIfAbsent — через SETNX.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration, onlyIfAbsent bool) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}

	if onlyIfAbsent {
		ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
		if err != nil {
			return false, unavailable("setnx", err)
		}
		return ok, nil
	}

	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return false, unavailable("set", err)
	}
	return true, nil
}

// Delete удаляет ключи и возвращает число удалённых.
func (r *Redis) Delete(ctx context.Context, keys ...string) (int64, error) {
	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, unavailable("del", err)
	}
	return n, nil
}

// IncrWithTTL атомарно инкрементирует счётчик; TTL ставится только ключу,
// у которого срока жизни ещё нет (EXPIRE NX), то есть первому событию окна.
func (r *Redis) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if ttl > 0 {
		pipe.ExpireNX(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable("incr", err)
	}
	return incr.Val(), nil
}

// Exists сообщает, существует ли ключ.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %v: %w", op, err, ErrUnavailable)
}
