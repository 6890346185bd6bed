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

// DeviceStore implements domain.DeviceStore using PostgreSQL.
type DeviceStore struct {
	pool *pgxpool.Pool
}

// NewDeviceStore creates a new DeviceStore backed by the given connection pool.
func NewDeviceStore(pool *pgxpool.Pool) *DeviceStore {
	return &DeviceStore{pool: pool}
}

const deviceSelectCols = `id, account_id, name, secret, active,
	last_poll_at, last_ack_at, created_at, revoked_at`

func scanDeviceRow(row pgx.Row) (domain.Device, error) {
	var d domain.Device
	err := row.Scan(
		&d.ID, &d.AccountID, &d.Name, &d.Secret, &d.Active,
		&d.LastPoll, &d.LastAck, &d.CreatedAt, &d.RevokedAt,
	)
	return d, err
}

// Create inserts a new device.
func (s *DeviceStore) Create(ctx context.Context, d domain.Device) error {
	const query = `
		INSERT INTO devices (id, account_id, name, secret, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, query,
		d.ID, d.AccountID, d.Name, d.Secret, d.Active, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create device %s: %w", d.ID, err)
	}
	return nil
}

// GetByID retrieves a single device by its ID.
func (s *DeviceStore) GetByID(ctx context.Context, id string) (domain.Device, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deviceSelectCols+` FROM devices WHERE id = $1`, id)

	d, err := scanDeviceRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Device{}, domain.ErrNotFound
		}
		return domain.Device{}, fmt.Errorf("postgres: get device %s: %w", id, err)
	}
	return d, nil
}

// Revoke flips the device's active flag. Devices are never deleted while
// any position or execution references them.
func (s *DeviceStore) Revoke(ctx context.Context, id string) error {
	const query = `
		UPDATE devices SET active = FALSE, revoked_at = NOW()
		WHERE id = $1 AND active`

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("postgres: revoke device %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// TouchPoll records the device's most recent authenticated poll.
func (s *DeviceStore) TouchPoll(ctx context.Context, id string, at time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE devices SET last_poll_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("postgres: touch poll %s: %w", id, err)
	}
	return nil
}

// TouchAck records the device's most recent authenticated ack.
func (s *DeviceStore) TouchAck(ctx context.Context, id string, at time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE devices SET last_ack_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("postgres: touch ack %s: %w", id, err)
	}
	return nil
}

// ListByAccount returns every device registered under the account.
func (s *DeviceStore) ListByAccount(ctx context.Context, accountID string) ([]domain.Device, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deviceSelectCols+` FROM devices
		 WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list devices for %s: %w", accountID, err)
	}
	defer rows.Close()

	var devices []domain.Device
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Compile-time interface check.
var _ domain.DeviceStore = (*DeviceStore)(nil)
