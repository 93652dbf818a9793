// Package kv содержит адаптер эфемерного key/value-хранилища с TTL.
// Все компоненты движка работают с хранилищем только через интерфейс Store;
// гарантии атомарности описаны на уровне отдельных операций, транзакций по
// нескольким ключам нет.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound возвращается при чтении отсутствующего или истёкшего ключа.
	ErrNotFound = errors.New("key not found")
	// ErrUnavailable возвращается при недоступности хранилища. Политику —
	// пропускать (rate limiter) или отказывать (проверка кодов) — выбирает
	// вызывающая сторона.
	ErrUnavailable = errors.New("store unavailable")
)

// Store описывает контракт эфемерного хранилища.
type Store interface {
	// Get возвращает значение ключа либо ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set записывает значение с указанным TTL (ttl <= 0 — без истечения).
	// При onlyIfAbsent запись выполняется только если ключа нет; возвращает
	// признак того, что запись состоялась. NX-запись служит атомарным
	// захватом операции.
	Set(ctx context.Context, key, value string, ttl time.Duration, onlyIfAbsent bool) (bool, error)

	// Delete удаляет ключи и возвращает число фактически удалённых.
	// Счётчик используется как атомарный признак «кто удалил — тот и захватил».
	Delete(ctx context.Context, keys ...string) (int64, error)

	// IncrWithTTL атомарно инкрементирует счётчик. TTL выставляется только
	// при создании ключа в новом окне; повторные инкременты окно не продлевают.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Exists сообщает, существует ли ключ.
	Exists(ctx context.Context, key string) (bool, error)
}
