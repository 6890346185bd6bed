package domain

import "time"

// CommandStatus is the delivery state of a close command. PENDING and
// ACKNOWLEDGED are the two outstanding states; a position may have at most
// one outstanding command at any time.
type CommandStatus string

const (
	CommandPending      CommandStatus = "PENDING"
	CommandAcknowledged CommandStatus = "ACKNOWLEDGED"
	CommandExecuted     CommandStatus = "EXECUTED"
	CommandFailed       CommandStatus = "FAILED"
	CommandTimeout      CommandStatus = "TIMEOUT"
)

// Outstanding reports whether the status still counts against the
// single-outstanding-command invariant.
func (s CommandStatus) Outstanding() bool {
	return s == CommandPending || s == CommandAcknowledged
}

// CloseCommand instructs a device to close one of its open positions. The
// monitor creates it when a hidden level is breached; the device fetches it
// through the command poll (receipt moves it to ACKNOWLEDGED) and reports
// the outcome through the command ack.
type CloseCommand struct {
	ID            string
	PositionID    string
	DeviceID      string
	Reason        BreachReason
	ExpectedPrice float64 // price observed at creation time
	Status        CommandStatus
	ActualPrice   *float64 // close price reported on success
	ErrorText     string   // set when Status == FAILED
	CreatedAt     time.Time
	AckedAt       *time.Time
	SettledAt     *time.Time
}
