package crypto

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/whoiscaerus/signalrelay/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memKeyStore is an in-memory DeviceKeyStore for tests.
type memKeyStore struct {
	mu   sync.Mutex
	keys map[string][]domain.DeviceKey // deviceID -> records, newest last
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{keys: map[string][]domain.DeviceKey{}}
}

func (m *memKeyStore) Insert(_ context.Context, k domain.DeviceKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[k.DeviceID] = append(m.keys[k.DeviceID], k)
	return nil
}

func (m *memKeyStore) GetActive(_ context.Context, deviceID string) (domain.DeviceKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.keys[deviceID]
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Active {
			return recs[i], nil
		}
	}
	return domain.DeviceKey{}, domain.ErrNotFound
}

func (m *memKeyStore) Rotate(_ context.Context, deviceID string, next domain.DeviceKey, graceUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.keys[deviceID]
	for i := range recs {
		if recs[i].Active {
			recs[i].Active = false
			recs[i].ExpiresAt = graceUntil
		}
	}
	m.keys[deviceID] = append(recs, next)
	return nil
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func (m *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held == nil {
		m.held = map[string]bool{}
	}
	if m.held[key] {
		return nil, domain.ErrLockHeld
	}
	m.held[key] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.held[key] = false
	}, nil
}

func TestDeriveDeterministic(t *testing.T) {
	km := NewKeyManager([]byte("master"), nil, nil, 0, discardLogger())

	k1 := km.Derive("dev-1", "2026-08-30")
	k2 := km.Derive("dev-1", "2026-08-30")
	if string(k1) != string(k2) {
		t.Error("same device and tag must derive the same key")
	}
	if len(k1) != aesKeyLen {
		t.Errorf("derived key length %d, want %d", len(k1), aesKeyLen)
	}

	if string(k1) == string(km.Derive("dev-1", "2026-08-31")) {
		t.Error("different date tags must derive different keys")
	}
	if string(k1) == string(km.Derive("dev-2", "2026-08-30")) {
		t.Error("different devices must derive different keys")
	}
}

func TestCurrentKeyStatelessFallback(t *testing.T) {
	km := NewKeyManager([]byte("master"), newMemKeyStore(), nil, 0, discardLogger())
	km.now = func() time.Time { return time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC) }

	key, err := km.CurrentKey(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("current key: %v", err)
	}
	if string(key) != string(km.Derive("dev-1", "2026-08-30")) {
		t.Error("fallback key must use the current UTC date tag")
	}
}

func TestCurrentKeyPrefersPersistedRecord(t *testing.T) {
	store := newMemKeyStore()
	km := NewKeyManager([]byte("master"), store, nil, 0, discardLogger())
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	km.now = func() time.Time { return now }

	rec := domain.DeviceKey{
		ID: "k1", DeviceID: "dev-1", DateTag: "pinned-tag",
		Active: true, IssuedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour),
	}
	if err := store.Insert(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	key, err := km.CurrentKey(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("current key: %v", err)
	}
	if string(key) != string(km.Derive("dev-1", "pinned-tag")) {
		t.Error("persisted record's date tag must win over the daily tag")
	}
}

func TestCurrentKeyExpiredRecord(t *testing.T) {
	store := newMemKeyStore()
	km := NewKeyManager([]byte("master"), store, nil, 0, discardLogger())
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	km.now = func() time.Time { return now }

	rec := domain.DeviceKey{
		ID: "k1", DeviceID: "dev-1", DateTag: "old-tag",
		Active: true, IssuedAt: now.Add(-100 * 24 * time.Hour), ExpiresAt: now.Add(-time.Minute),
	}
	if err := store.Insert(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	if _, err := km.CurrentKey(context.Background(), "dev-1"); !errors.Is(err, domain.ErrKeyExpired) {
		t.Errorf("got %v, want ErrKeyExpired", err)
	}
}

func TestRotateReplacesActiveRecord(t *testing.T) {
	store := newMemKeyStore()
	km := NewKeyManager([]byte("master"), store, &memLocks{}, 90*24*time.Hour, discardLogger())

	first, err := km.Rotate(context.Background(), "dev-1", 0)
	if err != nil {
		t.Fatalf("first rotate: %v", err)
	}
	second, err := km.Rotate(context.Background(), "dev-1", 0)
	if err != nil {
		t.Fatalf("second rotate: %v", err)
	}
	if first.ID == second.ID {
		t.Error("rotation must create a fresh record")
	}

	active, err := store.GetActive(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != second.ID {
		t.Errorf("active record is %s, want the latest rotation %s", active.ID, second.ID)
	}
}
