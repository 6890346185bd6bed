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

// uniqueViolation is the PostgreSQL error code for unique constraint hits.
const uniqueViolation = "23505"

// ExecutionStore implements the append-only execution ledger. The unique
// index on (approval_id, device_id) turns a concurrent duplicate ack into
// domain.ErrDuplicateAck rather than a second ledger row.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore backed by the given pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionSelectCols = `id, approval_id, device_id, status, broker_ticket, error_text, recorded_at`

func scanExecutionRow(row pgx.Row) (domain.Execution, error) {
	var e domain.Execution
	var status string
	err := row.Scan(&e.ID, &e.ApprovalID, &e.DeviceID, &status, &e.BrokerTicket, &e.ErrorText, &e.RecordedAt)
	if err != nil {
		return domain.Execution{}, err
	}
	e.Status = domain.ExecutionStatus(status)
	return e, nil
}

// Insert appends one ledger record. Records are never updated or deleted.
func (s *ExecutionStore) Insert(ctx context.Context, e domain.Execution) error {
	const query = `
		INSERT INTO executions (id, approval_id, device_id, status, broker_ticket, error_text, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		e.ID, e.ApprovalID, e.DeviceID, string(e.Status), e.BrokerTicket, e.ErrorText, e.RecordedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrDuplicateAck
		}
		return fmt.Errorf("postgres: insert execution %s: %w", e.ID, err)
	}
	return nil
}

// GetByID retrieves a single execution by its ID.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionSelectCols+` FROM executions WHERE id = $1`, id)

	e, err := scanExecutionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Execution{}, domain.ErrNotFound
		}
		return domain.Execution{}, fmt.Errorf("postgres: get execution %s: %w", id, err)
	}
	return e, nil
}

// Exists reports whether a record for the (approval, device) pair exists.
func (s *ExecutionStore) Exists(ctx context.Context, approvalID, deviceID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM executions WHERE approval_id = $1 AND device_id = $2)`,
		approvalID, deviceID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: execution exists (%s, %s): %w", approvalID, deviceID, err)
	}
	return exists, nil
}

// ListBefore returns up to limit records recorded before the cutoff, oldest
// first. Used by the ledger archiver.
func (s *ExecutionStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Execution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+executionSelectCols+` FROM executions
		 WHERE recorded_at < $1 ORDER BY recorded_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions before %s: %w", cutoff, err)
	}
	defer rows.Close()

	var executions []domain.Execution
	for rows.Next() {
		e, err := scanExecutionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// Compile-time interface check.
var _ domain.ExecutionStore = (*ExecutionStore)(nil)
