// Package idempotency replays the response of a write that was already
// accepted under the same caller-scoped key.
package idempotency

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Record holds stored response data. A record with a zero StatusCode is a
// reservation for a request still in flight.
type Record struct {
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (r *Record) Pending() bool { return r != nil && r.StatusCode == 0 }

// Store abstracts idempotency persistence.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
	// Reserve stores record only if key is absent or expired.
	Reserve(ctx context.Context, key string, record Record) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Key scopes a client supplied key to the calling account.
func Key(caller common.Address, key string) string {
	return strings.ToLower(caller.Hex()) + ":" + strings.TrimSpace(key)
}

// Fingerprint identifies a request body so a reused key with a different
// payload can be rejected.
func Fingerprint(method, path string, body []byte) string {
	return crypto.Keccak256Hash([]byte(method), []byte(path), body).Hex()
}

// MemoryStore is mostly for testing and single-instance deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if m.now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Reserve(_ context.Context, key string, record Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.data[key]; ok && !m.now().After(rec.ExpiresAt) {
		return false, nil
	}
	m.data[key] = record
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
