package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whoiscaerus/signalrelay/internal/domain"
)

// DeviceKeyStore implements domain.DeviceKeyStore using PostgreSQL. The
// schema's partial unique index guarantees at most one active record per
// device; Rotate swaps records inside one transaction so the invariant
// holds under concurrent rotations.
type DeviceKeyStore struct {
	pool *pgxpool.Pool
}

// NewDeviceKeyStore creates a new DeviceKeyStore backed by the given pool.
func NewDeviceKeyStore(pool *pgxpool.Pool) *DeviceKeyStore {
	return &DeviceKeyStore{pool: pool}
}

const keySelectCols = `id, device_id, date_tag, fingerprint, active, issued_at, expires_at`

// Insert stores a new key record.
func (s *DeviceKeyStore) Insert(ctx context.Context, k domain.DeviceKey) error {
	const query = `
		INSERT INTO device_keys (id, device_id, date_tag, fingerprint, active, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		k.ID, k.DeviceID, k.DateTag, k.Fingerprint, k.Active, k.IssuedAt, k.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert device key %s: %w", k.ID, err)
	}
	return nil
}

// GetActive returns the device's single active key record.
func (s *DeviceKeyStore) GetActive(ctx context.Context, deviceID string) (domain.DeviceKey, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+keySelectCols+` FROM device_keys
		 WHERE device_id = $1 AND active`, deviceID)

	var k domain.DeviceKey
	err := row.Scan(&k.ID, &k.DeviceID, &k.DateTag, &k.Fingerprint, &k.Active, &k.IssuedAt, &k.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DeviceKey{}, domain.ErrNotFound
		}
		return domain.DeviceKey{}, fmt.Errorf("postgres: get active key for %s: %w", deviceID, err)
	}
	return k, nil
}

// Rotate deactivates the prior active record (its expiry moved to
// graceUntil) and inserts the next record in a single transaction.
func (s *DeviceKeyStore) Rotate(ctx context.Context, deviceID string, next domain.DeviceKey, graceUntil time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: rotate key for %s: begin: %w", deviceID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE device_keys SET active = FALSE, expires_at = $2
		 WHERE device_id = $1 AND active`, deviceID, graceUntil); err != nil {
		return fmt.Errorf("postgres: rotate key for %s: deactivate: %w", deviceID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO device_keys (id, device_id, date_tag, fingerprint, active, issued_at, expires_at)
		 VALUES ($1, $2, $3, $4, TRUE, $5, $6)`,
		next.ID, next.DeviceID, next.DateTag, next.Fingerprint, next.IssuedAt, next.ExpiresAt); err != nil {
		return fmt.Errorf("postgres: rotate key for %s: insert: %w", deviceID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: rotate key for %s: commit: %w", deviceID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.DeviceKeyStore = (*DeviceKeyStore)(nil)
