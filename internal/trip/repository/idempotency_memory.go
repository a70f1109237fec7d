package repository

import (
	"context"
	"sync"
	"time"
)

type cachedResponse struct {
	payload   []byte
	pending   bool
	expiresAt time.Time
}

// MemoryIdempotencyRepo stores trip creation responses keyed by
// idempotency key. A zero ttl keeps entries forever.
type MemoryIdempotencyRepo struct {
	mu        sync.RWMutex
	ttl       time.Duration
	now       func() time.Time
	responses map[string]cachedResponse
}

// NewMemoryIdempotencyRepo constructs repository.
func NewMemoryIdempotencyRepo(ttl time.Duration) *MemoryIdempotencyRepo {
	return &MemoryIdempotencyRepo{ttl: ttl, now: time.Now, responses: make(map[string]cachedResponse)}
}

func (m *MemoryIdempotencyRepo) live(key string) (cachedResponse, bool) {
	entry, ok := m.responses[key]
	if !ok {
		return cachedResponse{}, false
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		return cachedResponse{}, false
	}
	return entry, true
}

func (m *MemoryIdempotencyRepo) expiry() time.Time {
	if m.ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(m.ttl)
}

// Reserve claims key for one in-flight request.
func (m *MemoryIdempotencyRepo) Reserve(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.responses[key] = cachedResponse{pending: true, expiresAt: m.expiry()}
	return true, nil
}

// GetResponse retrieves a live cached response. Reservations without a
// response are reported as absent.
func (m *MemoryIdempotencyRepo) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.live(key)
	if !ok || entry.pending {
		return nil, false, nil
	}
	return append([]byte(nil), entry.payload...), true, nil
}

// PutResponse stores response payload unless a live one exists.
func (m *MemoryIdempotencyRepo) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.live(key); ok && !old.pending {
		return nil
	}
	m.responses[key] = cachedResponse{payload: append([]byte(nil), payload...), expiresAt: m.expiry()}
	return nil
}

// Release drops an unfinished reservation; completed responses stay.
func (m *MemoryIdempotencyRepo) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.responses[key]; ok && entry.pending {
		delete(m.responses, key)
	}
	return nil
}
