package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whoiscaerus/signalrelay/internal/domain"
)

// CommandStore implements domain.CommandStore using PostgreSQL. The partial
// unique index on position_id over outstanding statuses backs the
// single-outstanding-command invariant even under concurrent monitor ticks.
type CommandStore struct {
	pool *pgxpool.Pool
}

// NewCommandStore creates a new CommandStore backed by the given pool.
func NewCommandStore(pool *pgxpool.Pool) *CommandStore {
	return &CommandStore{pool: pool}
}

const commandSelectCols = `id, position_id, device_id, reason, expected_price,
	status, actual_price, error_text, created_at, acked_at, settled_at`

func scanCommandRow(row pgx.Row) (domain.CloseCommand, error) {
	var c domain.CloseCommand
	var reason, status string
	err := row.Scan(
		&c.ID, &c.PositionID, &c.DeviceID, &reason, &c.ExpectedPrice,
		&status, &c.ActualPrice, &c.ErrorText, &c.CreatedAt, &c.AckedAt, &c.SettledAt,
	)
	if err != nil {
		return domain.CloseCommand{}, err
	}
	c.Reason = domain.BreachReason(reason)
	c.Status = domain.CommandStatus(status)
	return c, nil
}

// Insert creates a new close command. It returns domain.ErrAlreadyExists
// when the position already has an outstanding command.
func (s *CommandStore) Insert(ctx context.Context, c domain.CloseCommand) error {
	const query = `
		INSERT INTO close_commands (id, position_id, device_id, reason, expected_price, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		c.ID, c.PositionID, c.DeviceID, string(c.Reason), c.ExpectedPrice, string(c.Status), c.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert close command %s: %w", c.ID, err)
	}
	return nil
}

// GetByID retrieves a single command by its ID.
func (s *CommandStore) GetByID(ctx context.Context, id string) (domain.CloseCommand, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+commandSelectCols+` FROM close_commands WHERE id = $1`, id)

	c, err := scanCommandRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CloseCommand{}, domain.ErrNotFound
		}
		return domain.CloseCommand{}, fmt.Errorf("postgres: get close command %s: %w", id, err)
	}
	return c, nil
}

// HasOutstanding reports whether the position has a PENDING or ACKNOWLEDGED
// command.
func (s *CommandStore) HasOutstanding(ctx context.Context, positionID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM close_commands
			WHERE position_id = $1 AND status IN ('PENDING', 'ACKNOWLEDGED')
		)`, positionID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: outstanding command for %s: %w", positionID, err)
	}
	return exists, nil
}

// ListPendingForDevice returns PENDING commands for the device, oldest
// first (FIFO delivery).
func (s *CommandStore) ListPendingForDevice(ctx context.Context, deviceID string, limit int) ([]domain.CloseCommand, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+commandSelectCols+` FROM close_commands
		 WHERE device_id = $1 AND status = 'PENDING'
		 ORDER BY created_at LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending commands for %s: %w", deviceID, err)
	}
	defer rows.Close()

	var commands []domain.CloseCommand
	for rows.Next() {
		c, err := scanCommandRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan close command: %w", err)
		}
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

// MarkAcknowledged transitions a PENDING command to ACKNOWLEDGED on device
// receipt.
func (s *CommandStore) MarkAcknowledged(ctx context.Context, id string, at time.Time) error {
	const query = `
		UPDATE close_commands SET status = 'ACKNOWLEDGED', acked_at = $2
		WHERE id = $1 AND status = 'PENDING'`

	tag, err := s.pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("postgres: acknowledge command %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Settle moves an outstanding command to a terminal status.
func (s *CommandStore) Settle(ctx context.Context, id string, status domain.CommandStatus, actualPrice *float64, errorText string, at time.Time) error {
	const query = `
		UPDATE close_commands
		SET status = $2, actual_price = $3, error_text = $4, settled_at = $5
		WHERE id = $1 AND status IN ('PENDING', 'ACKNOWLEDGED')`

	tag, err := s.pool.Exec(ctx, query, id, string(status), actualPrice, errorText, at)
	if err != nil {
		return fmt.Errorf("postgres: settle command %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCommandSettled
	}
	return nil
}

// ExpireOutstanding moves outstanding commands created before the deadline
// to TIMEOUT and returns them.
func (s *CommandStore) ExpireOutstanding(ctx context.Context, deadline time.Time) ([]domain.CloseCommand, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE close_commands
		SET status = 'TIMEOUT', settled_at = NOW()
		WHERE status IN ('PENDING', 'ACKNOWLEDGED') AND created_at < $1
		RETURNING `+commandSelectCols, deadline)
	if err != nil {
		return nil, fmt.Errorf("postgres: expire commands: %w", err)
	}
	defer rows.Close()

	var expired []domain.CloseCommand
	for rows.Next() {
		c, err := scanCommandRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan expired command: %w", err)
		}
		expired = append(expired, c)
	}
	return expired, rows.Err()
}

// Compile-time interface check.
var _ domain.CommandStore = (*CommandStore)(nil)
