package kv

import (
	"context"
	"strings"
	"sync"
	"time"

	"trinity/internal/core"
	apperrors "trinity/pkg/errors"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is the local-map fallback used when redis is unreachable
// at startup, and the KV test double. Key-level operations are atomic
// under one mutex; TTL semantics match redis closely enough for the
// lock and cooldown paths.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	logger  core.ILogger

	// Fallback mode loses crash recovery, so every recovery-relevant
	// read warns once per key class.
	warnOnce sync.Once

	now func() time.Time
}

// NewMemoryStore creates an empty store. Pass a nil logger in tests.
func NewMemoryStore(logger core.ILogger) *MemoryStore {
	if logger != nil {
		logger = logger.WithField("component", "kv_memory")
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the time source for TTL tests.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) warnFallback() {
	if m.logger == nil {
		return
	}
	m.warnOnce.Do(func() {
		m.logger.Warn("serving trade recovery from in-memory KV fallback: state from before the outage is gone")
	})
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.expired(m.now()) {
		delete(m.entries, key)
		return "", apperrors.ErrNotFound
	}
	return e.value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok && !e.expired(m.now()) {
		return false, nil
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || e.expired(m.now()) {
		delete(m.entries, key)
		return false, nil
	}
	return true, nil
}

func (m *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.warnFallback()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []string
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}
