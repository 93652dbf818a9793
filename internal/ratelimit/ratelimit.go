// Package ratelimit реализует ограничение частоты событий по ключу.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/coserbot-system/internal/kv"
)

// Limiter считает события в фиксированном окне поверх атомарного
// инкремента с TTL. Окно не скользящее: оно привязано к первому событию и
// целиком сбрасывается по истечении TTL, поэтому всплеск на границе окон
// может пропустить до 2×limit событий подряд. Это осознанный размен
// точности на простоту, а не дефект.
type Limiter struct {
	store  kv.Store
	logger *zap.Logger
}

// New создаёт ограничитель поверх указанного хранилища.
func New(store kv.Store, logger *zap.Logger) *Limiter {
	return &Limiter{
		store:  store,
		logger: logger,
	}
}

// Allow регистрирует событие для пары (scope, identity) и сообщает, укладывается
// ли оно в limit событий за window. При недоступности хранилища событие
// пропускается (fail-open): отказ инфраструктуры не должен блокировать
// легитимный трафик.
func (l *Limiter) Allow(ctx context.Context, scope, identity string, limit int64, window time.Duration) bool {
	key := scope + ":" + identity

	count, err := l.store.IncrWithTTL(ctx, key, window)
	if err != nil {
		l.logger.Warn("rate limit store failure, allowing request",
			zap.String("key", key),
			zap.Error(err),
		)
		return true
	}

	return count <= limit
}
