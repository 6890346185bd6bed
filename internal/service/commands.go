package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/whoiscaerus/signalrelay/internal/domain"
	"github.com/whoiscaerus/signalrelay/internal/notify"
)

const defaultCommandBatch = 10

// CommandAck is a device's report of the outcome of one close command.
type CommandAck struct {
	CommandID   string
	Status      domain.CommandStatus // EXECUTED or FAILED
	ActualPrice *float64
	ErrorText   string
}

// DeliveredCommand is a close command as handed to a device, enriched with
// the instrument and the broker ticket the device originally reported so it
// can place the close without a local lookup.
type DeliveredCommand struct {
	Command      domain.CloseCommand
	Instrument   string
	BrokerTicket string
}

// CommandService delivers pending close commands to devices and settles
// their outcomes against the owning position.
type CommandService struct {
	commands   domain.CommandStore
	positions  domain.PositionStore
	executions domain.ExecutionStore
	feed       domain.PriceFeed
	locks      domain.LockManager
	bus        domain.EventBus
	notifier   *notify.Notifier
	logger     *slog.Logger
	batch      int
	now        func() time.Time
}

func NewCommandService(commands domain.CommandStore, positions domain.PositionStore, executions domain.ExecutionStore, feed domain.PriceFeed, locks domain.LockManager, bus domain.EventBus, notifier *notify.Notifier, logger *slog.Logger) *CommandService {
	return &CommandService{
		commands:   commands,
		positions:  positions,
		executions: executions,
		feed:       feed,
		locks:      locks,
		bus:        bus,
		notifier:   notifier,
		logger:     logger.With(slog.String("component", "commands")),
		batch:      defaultCommandBatch,
		now:        time.Now,
	}
}

// Poll returns the device's pending close commands oldest first and marks
// each returned command ACKNOWLEDGED. A command the device fetched but
// never settled stays acknowledged until the timeout sweep expires it.
func (s *CommandService) Poll(ctx context.Context, dev domain.Device) ([]DeliveredCommand, error) {
	pending, err := s.commands.ListPendingForDevice(ctx, dev.ID, s.batch)
	if err != nil {
		return nil, fmt.Errorf("service: list pending commands for device %s: %w", dev.ID, err)
	}

	now := s.now().UTC()
	delivered := make([]DeliveredCommand, 0, len(pending))
	for _, cmd := range pending {
		if err := s.commands.MarkAcknowledged(ctx, cmd.ID, now); err != nil {
			// Lost a race with the sweep or a concurrent poll; the
			// command is no longer ours to deliver.
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("service: acknowledge command %s: %w", cmd.ID, err)
		}
		cmd.Status = domain.CommandAcknowledged
		cmd.AckedAt = &now
		delivered = append(delivered, s.enrich(ctx, cmd))
	}
	return delivered, nil
}

// enrich attaches the instrument and broker ticket to a command. Lookups are
// best-effort; a command with blank context is still actionable by position
// id.
func (s *CommandService) enrich(ctx context.Context, cmd domain.CloseCommand) DeliveredCommand {
	out := DeliveredCommand{Command: cmd}
	pos, err := s.positions.GetByID(ctx, cmd.PositionID)
	if err != nil {
		s.logger.WarnContext(ctx, "position lookup for command delivery",
			slog.String("command_id", cmd.ID), slog.Any("error", err))
		return out
	}
	out.Instrument = pos.Instrument
	if s.executions != nil && pos.ExecutionID != "" {
		if exec, err := s.executions.GetByID(ctx, pos.ExecutionID); err == nil {
			out.BrokerTicket = exec.BrokerTicket
		}
	}
	return out
}

// Ack settles a close command with the outcome the device reports. An
// executed command closes the position to the terminal status its breach
// reason dictates; a failed command closes it to CLOSED_ERROR so it is not
// re-armed every tick while operators investigate.
func (s *CommandService) Ack(ctx context.Context, dev domain.Device, ack CommandAck) (domain.CloseCommand, error) {
	switch ack.Status {
	case domain.CommandExecuted:
		if ack.ActualPrice == nil {
			return domain.CloseCommand{}, fmt.Errorf("service: executed ack without close price: %w", domain.ErrMalformedRequest)
		}
	case domain.CommandFailed:
		if ack.ErrorText == "" {
			return domain.CloseCommand{}, fmt.Errorf("service: failed ack without error text: %w", domain.ErrMalformedRequest)
		}
	default:
		return domain.CloseCommand{}, fmt.Errorf("service: command ack status %q: %w", ack.Status, domain.ErrMalformedRequest)
	}

	cmd, err := s.commands.GetByID(ctx, ack.CommandID)
	if err != nil {
		return domain.CloseCommand{}, fmt.Errorf("service: load command %s: %w", ack.CommandID, err)
	}
	if cmd.DeviceID != dev.ID {
		return domain.CloseCommand{}, fmt.Errorf("service: command %s: %w", ack.CommandID, domain.ErrNotOwner)
	}

	now := s.now().UTC()
	if err := s.commands.Settle(ctx, cmd.ID, ack.Status, ack.ActualPrice, ack.ErrorText, now); err != nil {
		return domain.CloseCommand{}, fmt.Errorf("service: settle command %s: %w", cmd.ID, err)
	}

	var target domain.PositionStatus
	var closePrice *float64
	if ack.Status == domain.CommandExecuted {
		target = cmd.Reason.ClosedStatus()
		closePrice = ack.ActualPrice
	} else {
		target = domain.PositionClosedError
	}
	if err := s.positions.CloseTo(ctx, cmd.PositionID, target, closePrice, now); err != nil {
		// The command settled but the position transition was lost; the
		// ledger still carries the outcome, so surface it loudly rather
		// than failing the device's report.
		s.logger.ErrorContext(ctx, "position close transition failed",
			slog.String("position_id", cmd.PositionID),
			slog.String("command_id", cmd.ID),
			slog.Any("error", err))
	}

	cmd.Status = ack.Status
	cmd.ActualPrice = ack.ActualPrice
	cmd.ErrorText = ack.ErrorText
	cmd.SettledAt = &now

	s.publish(ctx, "command_settled", map[string]any{
		"command_id":  cmd.ID,
		"position_id": cmd.PositionID,
		"device_id":   cmd.DeviceID,
		"status":      string(ack.Status),
	})
	if ack.Status == domain.CommandFailed && s.notifier != nil {
		msg := fmt.Sprintf("device %s failed to close position %s: %s", dev.ID, cmd.PositionID, ack.ErrorText)
		if err := s.notifier.Notify(ctx, "command_failed", "Close command failed", msg); err != nil {
			s.logger.WarnContext(ctx, "failure notification", slog.Any("error", err))
		}
	}
	return cmd, nil
}

// ManualClose arms a close command for an open position on the owner's
// explicit request, bypassing level evaluation. The same
// single-outstanding-command invariant applies.
func (s *CommandService) ManualClose(ctx context.Context, positionID string) (domain.CloseCommand, error) {
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.CloseCommand{}, fmt.Errorf("service: load position %s: %w", positionID, err)
	}
	if pos.Status != domain.PositionOpen {
		return domain.CloseCommand{}, fmt.Errorf("service: position %s is %s: %w", positionID, pos.Status, domain.ErrNotFound)
	}

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, "closecmd:"+pos.ID, commandLockTTL)
		if err != nil {
			return domain.CloseCommand{}, fmt.Errorf("service: manual close position %s: %w", positionID, domain.ErrLockHeld)
		}
		defer unlock()
	}

	outstanding, err := s.commands.HasOutstanding(ctx, pos.ID)
	if err != nil {
		return domain.CloseCommand{}, fmt.Errorf("service: outstanding command check for position %s: %w", positionID, err)
	}
	if outstanding {
		return domain.CloseCommand{}, fmt.Errorf("service: position %s already has an outstanding command: %w", positionID, domain.ErrAlreadyExists)
	}

	expected := pos.EntryPrice
	if s.feed != nil {
		if price, err := s.feed.Quote(ctx, pos.Instrument); err == nil {
			expected = price
		}
	}

	cmd := domain.CloseCommand{
		ID:            uuid.New().String(),
		PositionID:    pos.ID,
		DeviceID:      pos.DeviceID,
		Reason:        domain.BreachManual,
		ExpectedPrice: expected,
		Status:        domain.CommandPending,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.commands.Insert(ctx, cmd); err != nil {
		return domain.CloseCommand{}, fmt.Errorf("service: create manual close command for position %s: %w", positionID, err)
	}

	s.logger.InfoContext(ctx, "manual close armed",
		slog.String("command_id", cmd.ID),
		slog.String("position_id", pos.ID),
	)
	s.publish(ctx, "manual_close_armed", map[string]any{
		"command_id":  cmd.ID,
		"position_id": pos.ID,
		"device_id":   pos.DeviceID,
	})
	return cmd, nil
}

func (s *CommandService) publish(ctx context.Context, event string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, event, data); err != nil {
		s.logger.WarnContext(ctx, "publish event", slog.String("event", event), slog.Any("error", err))
	}
}
