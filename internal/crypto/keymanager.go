package crypto

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/whoiscaerus/signalrelay/internal/domain"
)

const (
	// pbkdf2Iterations is fixed by the device protocol; changing it breaks
	// every deployed agent's key derivation.
	pbkdf2Iterations = 100_000
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// dateTagLayout formats the daily rotation salt component.
	dateTagLayout = "2006-01-02"
	// defaultKeyLifetime is the pinned lifetime for persisted key records.
	defaultKeyLifetime = 90 * 24 * time.Hour
	// rotateLockTTL bounds how long a rotation critical section may hold
	// the per-device lock.
	rotateLockTTL = 30 * time.Second
)

// KeyManager derives per-device AES keys from a single master secret. With
// no persisted record a device's key rotates automatically: the salt is
// device_id || "::" || current UTC date, so every day yields a fresh key
// with no stored state. Devices that must not rotate mid-session get a
// persisted DeviceKey record pinning an explicit date tag and expiry.
//
// One KeyManager is constructed at startup and passed to every consumer;
// there is no package-level instance.
type KeyManager struct {
	master   []byte
	keys     domain.DeviceKeyStore
	locks    domain.LockManager
	lifetime time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewKeyManager creates a KeyManager over the given master secret. keys and
// locks may be nil in stateless deployments; CurrentKey then always derives
// with the daily tag.
func NewKeyManager(master []byte, keys domain.DeviceKeyStore, locks domain.LockManager, lifetime time.Duration, logger *slog.Logger) *KeyManager {
	if lifetime <= 0 {
		lifetime = defaultKeyLifetime
	}
	return &KeyManager{
		master:   master,
		keys:     keys,
		locks:    locks,
		lifetime: lifetime,
		logger:   logger.With(slog.String("component", "keymanager")),
		now:      time.Now,
	}
}

// Derive computes the device key for an explicit date tag.
func (km *KeyManager) Derive(deviceID, dateTag string) []byte {
	salt := []byte(deviceID + "::" + dateTag)
	return pbkdf2.Key(km.master, salt, pbkdf2Iterations, aesKeyLen, sha256.New)
}

// CurrentKey resolves the active key for a device. A persisted active
// record wins; with none the key is derived fresh with the current UTC
// date. A persisted record past its expiry is domain.ErrKeyExpired; the
// caller must rotate before the device can decrypt again.
func (km *KeyManager) CurrentKey(ctx context.Context, deviceID string) ([]byte, error) {
	if km.keys != nil {
		rec, err := km.keys.GetActive(ctx, deviceID)
		switch {
		case err == nil:
			if rec.Expired(km.now().UTC()) {
				return nil, fmt.Errorf("crypto: key for device %s: %w", deviceID, domain.ErrKeyExpired)
			}
			return km.Derive(deviceID, rec.DateTag), nil
		case errors.Is(err, domain.ErrNotFound):
			// fall through to stateless derivation
		default:
			return nil, fmt.Errorf("crypto: load key record for device %s: %w", deviceID, err)
		}
	}
	return km.Derive(deviceID, km.now().UTC().Format(dateTagLayout)), nil
}

// Rotate issues a fresh persisted key record for the device and deactivates
// the prior one, optionally after a grace period. The critical section is
// serialized per device through the lock manager so two concurrent
// rotations cannot leave the device without an active key.
func (km *KeyManager) Rotate(ctx context.Context, deviceID string, grace time.Duration) (domain.DeviceKey, error) {
	if km.keys == nil {
		return domain.DeviceKey{}, fmt.Errorf("crypto: rotate device %s: no key store configured", deviceID)
	}

	if km.locks != nil {
		unlock, err := km.locks.Acquire(ctx, "keyrotate:"+deviceID, rotateLockTTL)
		if err != nil {
			return domain.DeviceKey{}, fmt.Errorf("crypto: rotate device %s: %w", deviceID, err)
		}
		defer unlock()
	}

	now := km.now().UTC()
	tag := now.Format(time.RFC3339)
	derived := km.Derive(deviceID, tag)

	next := domain.DeviceKey{
		ID:          uuid.New().String(),
		DeviceID:    deviceID,
		DateTag:     tag,
		Fingerprint: Fingerprint(derived),
		Active:      true,
		IssuedAt:    now,
		ExpiresAt:   now.Add(km.lifetime),
	}

	if err := km.keys.Rotate(ctx, deviceID, next, now.Add(grace)); err != nil {
		return domain.DeviceKey{}, fmt.Errorf("crypto: rotate device %s: %w", deviceID, err)
	}

	km.logger.InfoContext(ctx, "device key rotated",
		slog.String("device_id", deviceID),
		slog.String("fingerprint", next.Fingerprint),
		slog.Time("expires_at", next.ExpiresAt),
	)
	return next, nil
}

// Fingerprint returns the hex SHA-256 of derived key bytes. Fingerprints
// are safe to persist and log; the key itself never is.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}
