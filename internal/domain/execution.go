package domain

import "time"

// ExecutionStatus is the reported outcome of a device's attempt to place an
// approved signal with its broker.
type ExecutionStatus string

const (
	ExecutionPlaced    ExecutionStatus = "placed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionUnknown   ExecutionStatus = "unknown"
)

// Execution is one append-only ledger record per (approval, device) attempt.
// Records are immutable once written; a second ack for the same pair is a
// conflict, not an update.
type Execution struct {
	ID           string
	ApprovalID   string
	DeviceID     string
	Status       ExecutionStatus
	BrokerTicket string // set when Status == ExecutionPlaced
	ErrorText    string // set when Status == ExecutionFailed
	RecordedAt   time.Time
}
