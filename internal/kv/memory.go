package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // нулевое значение — без истечения
}

// Memory — потокобезопасная реализация Store в памяти процесса.
// Используется в тестах и при локальной разработке без Redis.
type Memory struct {
	mu   sync.Mutex
	data map[string]memoryEntry
	now  func() time.Time
}

// NewMemory создаёт пустое хранилище в памяти.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]memoryEntry),
		now:  time.Now,
	}
}

func (m *Memory) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt)
}

// live возвращает запись, лениво удаляя истёкшие ключи. Вызывается под mu.
func (m *Memory) live(key string) (memoryEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return memoryEntry{}, false
	}
	if m.expired(e) {
		delete(m.data, key)
		return memoryEntry{}, false
	}
	return e, true
}

// Get возвращает значение ключа либо ErrNotFound.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

// Set записывает значение с TTL, при onlyIfAbsent — только если ключа нет.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration, onlyIfAbsent bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if onlyIfAbsent {
		if _, ok := m.live(key); ok {
			return false, nil
		}
	}

	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.data[key] = e
	return true, nil
}

// Delete удаляет ключи и возвращает число удалённых.
func (m *Memory) Delete(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, key := range keys {
		if _, ok := m.live(key); ok {
			delete(m.data, key)
			n++
		}
	}
	return n, nil
}

// IncrWithTTL атомарно инкрементирует счётчик; TTL ставится только при
// создании ключа.
func (m *Memory) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		e = memoryEntry{value: "0"}
		if ttl > 0 {
			e.expiresAt = m.now().Add(ttl)
		}
	}

	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, ErrUnavailable
	}
	n++

	e.value = strconv.FormatInt(n, 10)
	m.data[key] = e
	return n, nil
}

// Exists сообщает, существует ли ключ.
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.live(key)
	return ok, nil
}
