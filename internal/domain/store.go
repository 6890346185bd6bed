package domain

import (
	"context"
	"time"
)

// DeviceStore persists execution agents.
type DeviceStore interface {
	Create(ctx context.Context, d Device) error
	GetByID(ctx context.Context, id string) (Device, error)
	Revoke(ctx context.Context, id string) error
	TouchPoll(ctx context.Context, id string, at time.Time) error
	TouchAck(ctx context.Context, id string, at time.Time) error
	ListByAccount(ctx context.Context, accountID string) ([]Device, error)
}

// DeviceKeyStore persists key-derivation records. Rotate must atomically
// deactivate the prior active record and insert the new one so there is
// never a window with zero active keys for a device.
type DeviceKeyStore interface {
	Insert(ctx context.Context, k DeviceKey) error
	GetActive(ctx context.Context, deviceID string) (DeviceKey, error)
	Rotate(ctx context.Context, deviceID string, next DeviceKey, graceUntil time.Time) error
}

// SignalStore persists signals and their approvals.
type SignalStore interface {
	Create(ctx context.Context, s Signal) error
	GetByID(ctx context.Context, id string) (Signal, error)
	CreateApproval(ctx context.Context, a Approval) error
	GetApproval(ctx context.Context, approvalID string) (Approval, error)
	// ListPollable returns approved approvals for the account that have no
	// execution recorded for the given device, oldest first.
	ListPollable(ctx context.Context, accountID, deviceID string, since *time.Time) ([]Approval, error)
}

// ExecutionStore is the append-only execution ledger. Insert must fail with
// ErrDuplicateAck when a record for the same (approval, device) pair already
// exists, even under concurrent inserts.
type ExecutionStore interface {
	Insert(ctx context.Context, e Execution) error
	GetByID(ctx context.Context, id string) (Execution, error)
	Exists(ctx context.Context, approvalID, deviceID string) (bool, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]Execution, error)
}

// PositionStore persists open and closed positions.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	// CloseTo transitions an OPEN position to the given terminal status. It
	// returns ErrNotFound when the position does not exist or is already
	// closed.
	CloseTo(ctx context.Context, id string, status PositionStatus, closePrice *float64, at time.Time) error
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Position, error)
}

// CommandStore persists close commands. Insert must fail with
// ErrAlreadyExists when the position already has an outstanding command; the
// backing schema enforces this with a partial unique index.
type CommandStore interface {
	Insert(ctx context.Context, c CloseCommand) error
	GetByID(ctx context.Context, id string) (CloseCommand, error)
	HasOutstanding(ctx context.Context, positionID string) (bool, error)
	// ListPendingForDevice returns PENDING commands for the device, oldest
	// first.
	ListPendingForDevice(ctx context.Context, deviceID string, limit int) ([]CloseCommand, error)
	MarkAcknowledged(ctx context.Context, id string, at time.Time) error
	Settle(ctx context.Context, id string, status CommandStatus, actualPrice *float64, errorText string, at time.Time) error
	// ExpireOutstanding moves PENDING/ACKNOWLEDGED commands created before
	// the deadline to TIMEOUT and returns the affected commands.
	ExpireOutstanding(ctx context.Context, deadline time.Time) ([]CloseCommand, error)
}

// NonceStore records protocol nonces for replay detection. Register must be
// an atomic check-and-set: it returns false when the (device, nonce) pair
// was already present, and otherwise records it with the given TTL.
type NonceStore interface {
	Register(ctx context.Context, deviceID, nonce string, ttl time.Duration) (bool, error)
}

// LockManager provides short-lived mutual exclusion across processes, used
// to serialize key rotation per device and command creation per position.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateLimiter throttles device request bursts per client key.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// PriceCache stores the latest observed price per instrument.
type PriceCache interface {
	SetPrice(ctx context.Context, instrument string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, instrument string) (float64, time.Time, error)
}

// PriceFeed supplies the current price for an instrument. Implementations
// are fallible and own their reconnection policy; callers treat a feed
// error as a transient condition and retry on their next cycle.
type PriceFeed interface {
	Quote(ctx context.Context, instrument string) (float64, error)
}

// EventBus publishes protocol events (breaches, command outcomes, security
// degradations) for dashboards and operator tooling.
type EventBus interface {
	Publish(ctx context.Context, event string, payload []byte) error
}

// BlobWriter uploads ledger archive objects.
type BlobWriter interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
}
