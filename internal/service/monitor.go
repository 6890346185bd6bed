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

const (
	defaultMonitorInterval = 5 * time.Second
	defaultCommandTimeout  = 10 * time.Minute
	defaultSweepInterval   = time.Minute
	commandLockTTL         = 15 * time.Second
)

// Monitor walks the open positions on a fixed cadence, evaluates each
// against its sealed exit levels, and arms a close command when a level is
// breached. It also expires close commands no device has settled within
// the command timeout. It holds no position state of its own; every cycle
// reads fresh from the store, so any number of relay processes can run a
// monitor as long as they share the lock manager.
type Monitor struct {
	positions domain.PositionStore
	commands  domain.CommandStore
	feed      domain.PriceFeed
	locks     domain.LockManager
	bus       domain.EventBus
	notifier  *notify.Notifier
	logger    *slog.Logger

	interval       time.Duration
	commandTimeout time.Duration
	sweepInterval  time.Duration
	now            func() time.Time
}

// MonitorConfig tunes the monitor cadence. Zero values take the defaults:
// 5s evaluation interval, 10m command timeout, 1m sweep interval.
type MonitorConfig struct {
	Interval       time.Duration
	CommandTimeout time.Duration
	SweepInterval  time.Duration
}

func NewMonitor(positions domain.PositionStore, commands domain.CommandStore, feed domain.PriceFeed, locks domain.LockManager, bus domain.EventBus, notifier *notify.Notifier, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultMonitorInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Monitor{
		positions:      positions,
		commands:       commands,
		feed:           feed,
		locks:          locks,
		bus:            bus,
		notifier:       notifier,
		logger:         logger.With(slog.String("component", "monitor")),
		interval:       cfg.Interval,
		commandTimeout: cfg.CommandTimeout,
		sweepInterval:  cfg.SweepInterval,
		now:            time.Now,
	}
}

// Run drives the evaluation and sweep loops until the context is
// cancelled. It never returns a non-context error; individual cycle
// failures are logged and the next tick retries.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "monitor started",
		slog.Duration("interval", m.interval),
		slog.Duration("command_timeout", m.commandTimeout),
	)

	evaluate := time.NewTicker(m.interval)
	defer evaluate.Stop()
	sweep := time.NewTicker(m.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "monitor stopped")
			return ctx.Err()
		case <-evaluate.C:
			if err := m.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.ErrorContext(ctx, "evaluation cycle failed", slog.Any("error", err))
			}
		case <-sweep.C:
			if err := m.SweepTimeouts(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.ErrorContext(ctx, "timeout sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Tick evaluates every open position once. A feed miss on one instrument
// skips that position only; the rest of the cycle proceeds.
func (m *Monitor) Tick(ctx context.Context) error {
	open, err := m.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("service: list open positions: %w", err)
	}

	for _, pos := range open {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		price, err := m.feed.Quote(ctx, pos.Instrument)
		if err != nil {
			m.logger.WarnContext(ctx, "no price for instrument, skipping",
				slog.String("instrument", pos.Instrument),
				slog.String("position_id", pos.ID),
				slog.Any("error", err))
			continue
		}

		reason := pos.Evaluate(price)
		if reason == domain.BreachNone {
			continue
		}
		m.armClose(ctx, pos, reason, price)
	}
	return nil
}

// armClose creates the close command for a breached position. Creation is
// serialized per position through the lock manager, and both the
// outstanding check and the store's partial unique index guard the
// single-outstanding-command invariant; losing either race is not an
// error, the command already exists.
func (m *Monitor) armClose(ctx context.Context, pos domain.Position, reason domain.BreachReason, price float64) {
	if m.locks != nil {
		unlock, err := m.locks.Acquire(ctx, "closecmd:"+pos.ID, commandLockTTL)
		if err != nil {
			if !errors.Is(err, domain.ErrLockHeld) {
				m.logger.WarnContext(ctx, "close command lock", slog.String("position_id", pos.ID), slog.Any("error", err))
			}
			return
		}
		defer unlock()
	}

	outstanding, err := m.commands.HasOutstanding(ctx, pos.ID)
	if err != nil {
		m.logger.WarnContext(ctx, "outstanding command check", slog.String("position_id", pos.ID), slog.Any("error", err))
		return
	}
	if outstanding {
		return
	}

	cmd := domain.CloseCommand{
		ID:            uuid.New().String(),
		PositionID:    pos.ID,
		DeviceID:      pos.DeviceID,
		Reason:        reason,
		ExpectedPrice: price,
		Status:        domain.CommandPending,
		CreatedAt:     m.now().UTC(),
	}
	if err := m.commands.Insert(ctx, cmd); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return
		}
		m.logger.ErrorContext(ctx, "create close command", slog.String("position_id", pos.ID), slog.Any("error", err))
		return
	}

	m.logger.InfoContext(ctx, "close command armed",
		slog.String("command_id", cmd.ID),
		slog.String("position_id", pos.ID),
		slog.String("reason", string(reason)),
		slog.Float64("price", price),
	)
	m.publish(ctx, "level_breached", map[string]any{
		"command_id":  cmd.ID,
		"position_id": pos.ID,
		"device_id":   pos.DeviceID,
		"instrument":  pos.Instrument,
		"reason":      string(reason),
		"price":       price,
	})
	if m.notifier != nil {
		msg := fmt.Sprintf("%s %s breached %s at %.5f, close command armed", pos.Instrument, pos.Side, reason, price)
		if err := m.notifier.Notify(ctx, "level_breached", "Level breached", msg); err != nil {
			m.logger.WarnContext(ctx, "breach notification", slog.Any("error", err))
		}
	}
}

// SweepTimeouts expires outstanding close commands older than the command
// timeout. The position stays open and re-arms on a later tick if the
// level is still breached.
func (m *Monitor) SweepTimeouts(ctx context.Context) error {
	deadline := m.now().UTC().Add(-m.commandTimeout)
	expired, err := m.commands.ExpireOutstanding(ctx, deadline)
	if err != nil {
		return fmt.Errorf("service: expire outstanding commands: %w", err)
	}

	for _, cmd := range expired {
		m.logger.WarnContext(ctx, "close command timed out",
			slog.String("command_id", cmd.ID),
			slog.String("position_id", cmd.PositionID),
			slog.String("device_id", cmd.DeviceID),
		)
		m.publish(ctx, "command_timeout", map[string]any{
			"command_id":  cmd.ID,
			"position_id": cmd.PositionID,
			"device_id":   cmd.DeviceID,
		})
		if m.notifier != nil {
			msg := fmt.Sprintf("close command %s for position %s not settled within %s", cmd.ID, cmd.PositionID, m.commandTimeout)
			if err := m.notifier.Notify(ctx, "command_timeout", "Close command timed out", msg); err != nil {
				m.logger.WarnContext(ctx, "timeout notification", slog.Any("error", err))
			}
		}
	}
	return nil
}

func (m *Monitor) publish(ctx context.Context, event string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, event, data); err != nil {
		m.logger.WarnContext(ctx, "publish event", slog.String("event", event), slog.Any("error", err))
	}
}
