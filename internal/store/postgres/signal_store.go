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

// SignalStore implements domain.SignalStore using PostgreSQL. The sealed
// owner blob is stored as three raw byte columns (ciphertext, nonce, aad);
// the database never sees the plaintext exit levels.
type SignalStore struct {
	pool *pgxpool.Pool
}

// NewSignalStore creates a new SignalStore backed by the given pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

// Create inserts a new signal.
func (s *SignalStore) Create(ctx context.Context, sig domain.Signal) error {
	const query = `
		INSERT INTO signals (
			id, account_id, instrument, side,
			entry_price, volume, ttl_minutes,
			owner_blob, owner_nonce, owner_aad, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.pool.Exec(ctx, query,
		sig.ID, sig.AccountID, sig.Instrument, string(sig.Side),
		sig.EntryPrice, sig.Volume, sig.TTLMinutes,
		sig.OwnerBlob.Ciphertext, sig.OwnerBlob.Nonce, sig.OwnerBlob.AAD, sig.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create signal %s: %w", sig.ID, err)
	}
	return nil
}

// GetByID retrieves a single signal by its ID.
func (s *SignalStore) GetByID(ctx context.Context, id string) (domain.Signal, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, account_id, instrument, side,
		       entry_price, volume, ttl_minutes,
		       owner_blob, owner_nonce, owner_aad, created_at
		FROM signals WHERE id = $1`, id)

	var sig domain.Signal
	var side string
	err := row.Scan(
		&sig.ID, &sig.AccountID, &sig.Instrument, &side,
		&sig.EntryPrice, &sig.Volume, &sig.TTLMinutes,
		&sig.OwnerBlob.Ciphertext, &sig.OwnerBlob.Nonce, &sig.OwnerBlob.AAD, &sig.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Signal{}, domain.ErrNotFound
		}
		return domain.Signal{}, fmt.Errorf("postgres: get signal %s: %w", id, err)
	}
	sig.Side = domain.Side(side)
	return sig, nil
}

// CreateApproval records the owner's decision for a signal.
func (s *SignalStore) CreateApproval(ctx context.Context, a domain.Approval) error {
	const query = `
		INSERT INTO approvals (id, signal_id, account_id, decision, decided_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, query,
		a.ID, a.SignalID, a.AccountID, string(a.Decision), a.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create approval %s: %w", a.ID, err)
	}
	return nil
}

// GetApproval retrieves a single approval by its ID.
func (s *SignalStore) GetApproval(ctx context.Context, approvalID string) (domain.Approval, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, signal_id, account_id, decision, decided_at
		FROM approvals WHERE id = $1`, approvalID)

	var a domain.Approval
	var decision string
	err := row.Scan(&a.ID, &a.SignalID, &a.AccountID, &decision, &a.DecidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Approval{}, domain.ErrNotFound
		}
		return domain.Approval{}, fmt.Errorf("postgres: get approval %s: %w", approvalID, err)
	}
	a.Decision = domain.Decision(decision)
	return a, nil
}

// ListPollable returns approved approvals for the account with no execution
// recorded for the device, oldest first, optionally restricted to approvals
// decided after since.
func (s *SignalStore) ListPollable(ctx context.Context, accountID, deviceID string, since *time.Time) ([]domain.Approval, error) {
	query := `
		SELECT a.id, a.signal_id, a.account_id, a.decision, a.decided_at
		FROM approvals a
		WHERE a.account_id = $1
		  AND a.decision = 'approved'
		  AND NOT EXISTS (
		      SELECT 1 FROM executions e
		      WHERE e.approval_id = a.id AND e.device_id = $2
		  )`
	args := []any{accountID, deviceID}

	if since != nil {
		query += " AND a.decided_at > $3"
		args = append(args, *since)
	}
	query += " ORDER BY a.decided_at"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pollable for device %s: %w", deviceID, err)
	}
	defer rows.Close()

	var approvals []domain.Approval
	for rows.Next() {
		var a domain.Approval
		var decision string
		if err := rows.Scan(&a.ID, &a.SignalID, &a.AccountID, &decision, &a.DecidedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan approval: %w", err)
		}
		a.Decision = domain.Decision(decision)
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// Compile-time interface check.
var _ domain.SignalStore = (*SignalStore)(nil)
