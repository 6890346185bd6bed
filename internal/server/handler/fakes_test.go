package handler

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/whoiscaerus/signalrelay/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memSignals holds signals and approvals in maps and emulates the pollable
// query the way the postgres store does: approved approvals with no
// execution recorded for the device.
type memSignals struct {
	mu        sync.Mutex
	signals   map[string]domain.Signal
	approvals map[string]domain.Approval
	execs     *memExecs
}

func newMemSignals(execs *memExecs) *memSignals {
	return &memSignals{
		signals:   make(map[string]domain.Signal),
		approvals: make(map[string]domain.Approval),
		execs:     execs,
	}
}

func (m *memSignals) Create(_ context.Context, s domain.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[s.ID] = s
	return nil
}

func (m *memSignals) GetByID(_ context.Context, id string) (domain.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return domain.Signal{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *memSignals) CreateApproval(_ context.Context, a domain.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[a.ID] = a
	return nil
}

func (m *memSignals) GetApproval(_ context.Context, id string) (domain.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return domain.Approval{}, domain.ErrNotFound
	}
	return a, nil
}

func (m *memSignals) ListPollable(ctx context.Context, accountID, deviceID string, since *time.Time) ([]domain.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Approval
	for _, a := range m.approvals {
		if a.AccountID != accountID || a.Decision != domain.DecisionApproved {
			continue
		}
		if since != nil && !a.DecidedAt.After(*since) {
			continue
		}
		if ok, _ := m.execs.Exists(ctx, a.ID, deviceID); ok {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DecidedAt.Before(out[j].DecidedAt) })
	return out, nil
}

type memExecs struct {
	mu    sync.Mutex
	execs map[string]domain.Execution
}

func newMemExecs() *memExecs {
	return &memExecs{execs: make(map[string]domain.Execution)}
}

func (m *memExecs) Insert(_ context.Context, e domain.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, have := range m.execs {
		if have.ApprovalID == e.ApprovalID && have.DeviceID == e.DeviceID {
			return domain.ErrDuplicateAck
		}
	}
	m.execs[e.ID] = e
	return nil
}

func (m *memExecs) GetByID(_ context.Context, id string) (domain.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return domain.Execution{}, domain.ErrNotFound
	}
	return e, nil
}

func (m *memExecs) Exists(_ context.Context, approvalID, deviceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.execs {
		if e.ApprovalID == approvalID && e.DeviceID == deviceID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memExecs) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Execution, error) {
	return nil, nil
}

type memPositions struct {
	mu        sync.Mutex
	positions map[string]domain.Position
}

func newMemPositions() *memPositions {
	return &memPositions{positions: make(map[string]domain.Position)}
}

func (m *memPositions) Create(_ context.Context, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = p
	return nil
}

func (m *memPositions) GetByID(_ context.Context, id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memPositions) ListOpen(_ context.Context) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.positions {
		if p.Status == domain.PositionOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPositions) CloseTo(_ context.Context, id string, status domain.PositionStatus, closePrice *float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok || p.Status != domain.PositionOpen {
		return domain.ErrNotFound
	}
	p.Status = status
	p.ClosePrice = closePrice
	p.ClosedAt = &at
	m.positions[id] = p
	return nil
}

func (m *memPositions) ListClosedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	return nil, nil
}

type memCommands struct {
	mu       sync.Mutex
	commands map[string]domain.CloseCommand
}

func newMemCommands() *memCommands {
	return &memCommands{commands: make(map[string]domain.CloseCommand)}
}

func (m *memCommands) Insert(_ context.Context, c domain.CloseCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, have := range m.commands {
		if have.PositionID == c.PositionID && have.Status.Outstanding() {
			return domain.ErrAlreadyExists
		}
	}
	m.commands[c.ID] = c
	return nil
}

func (m *memCommands) GetByID(_ context.Context, id string) (domain.CloseCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[id]
	if !ok {
		return domain.CloseCommand{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memCommands) HasOutstanding(_ context.Context, positionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.commands {
		if c.PositionID == positionID && c.Status.Outstanding() {
			return true, nil
		}
	}
	return false, nil
}

func (m *memCommands) ListPendingForDevice(_ context.Context, deviceID string, limit int) ([]domain.CloseCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CloseCommand
	for _, c := range m.commands {
		if c.DeviceID == deviceID && c.Status == domain.CommandPending {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memCommands) MarkAcknowledged(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[id]
	if !ok || c.Status != domain.CommandPending {
		return domain.ErrNotFound
	}
	c.Status = domain.CommandAcknowledged
	c.AckedAt = &at
	m.commands[id] = c
	return nil
}

func (m *memCommands) Settle(_ context.Context, id string, status domain.CommandStatus, actualPrice *float64, errorText string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !c.Status.Outstanding() {
		return domain.ErrCommandSettled
	}
	c.Status = status
	c.ActualPrice = actualPrice
	c.ErrorText = errorText
	c.SettledAt = &at
	m.commands[id] = c
	return nil
}

func (m *memCommands) ExpireOutstanding(_ context.Context, deadline time.Time) ([]domain.CloseCommand, error) {
	return nil, nil
}

var (
	_ domain.SignalStore    = (*memSignals)(nil)
	_ domain.ExecutionStore = (*memExecs)(nil)
	_ domain.PositionStore  = (*memPositions)(nil)
	_ domain.CommandStore   = (*memCommands)(nil)
)
