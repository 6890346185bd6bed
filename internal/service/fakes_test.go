package service

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

// memSignalStore keeps signals and approvals in maps and emulates the
// pollable query: approved approvals with no execution for the device.
type memSignalStore struct {
	mu        sync.Mutex
	signals   map[string]domain.Signal
	approvals map[string]domain.Approval
	execs     *memExecutionStore
}

func newMemSignalStore(execs *memExecutionStore) *memSignalStore {
	return &memSignalStore{
		signals:   make(map[string]domain.Signal),
		approvals: make(map[string]domain.Approval),
		execs:     execs,
	}
}

func (m *memSignalStore) Create(_ context.Context, s domain.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.signals[s.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.signals[s.ID] = s
	return nil
}

func (m *memSignalStore) GetByID(_ context.Context, id string) (domain.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.signals[id]
	if !ok {
		return domain.Signal{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *memSignalStore) CreateApproval(_ context.Context, a domain.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[a.ID] = a
	return nil
}

func (m *memSignalStore) GetApproval(_ context.Context, id string) (domain.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return domain.Approval{}, domain.ErrNotFound
	}
	return a, nil
}

func (m *memSignalStore) ListPollable(ctx context.Context, accountID, deviceID string, since *time.Time) ([]domain.Approval, error) {
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
		if m.execs != nil {
			if ok, _ := m.execs.Exists(ctx, a.ID, deviceID); ok {
				continue
			}
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DecidedAt.Before(out[j].DecidedAt) })
	return out, nil
}

type memExecutionStore struct {
	mu    sync.Mutex
	execs map[string]domain.Execution
}

func newMemExecutionStore() *memExecutionStore {
	return &memExecutionStore{execs: make(map[string]domain.Execution)}
}

func (m *memExecutionStore) Insert(_ context.Context, e domain.Execution) error {
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

func (m *memExecutionStore) GetByID(_ context.Context, id string) (domain.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.execs[id]
	if !ok {
		return domain.Execution{}, domain.ErrNotFound
	}
	return e, nil
}

func (m *memExecutionStore) Exists(_ context.Context, approvalID, deviceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.execs {
		if e.ApprovalID == approvalID && e.DeviceID == deviceID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memExecutionStore) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Execution
	for _, e := range m.execs {
		if e.RecordedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memPositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{positions: make(map[string]domain.Position)}
}

func (m *memPositionStore) Create(_ context.Context, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.positions[p.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.positions[p.ID] = p
	return nil
}

func (m *memPositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memPositionStore) ListOpen(_ context.Context) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.positions {
		if p.Status == domain.PositionOpen {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *memPositionStore) CloseTo(_ context.Context, id string, status domain.PositionStatus, closePrice *float64, at time.Time) error {
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

func (m *memPositionStore) ListClosedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.positions {
		if p.Status != domain.PositionOpen && p.ClosedAt != nil && p.ClosedAt.Before(cutoff) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(*out[j].ClosedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memCommandStore struct {
	mu       sync.Mutex
	commands map[string]domain.CloseCommand
}

func newMemCommandStore() *memCommandStore {
	return &memCommandStore{commands: make(map[string]domain.CloseCommand)}
}

func (m *memCommandStore) Insert(_ context.Context, c domain.CloseCommand) error {
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

func (m *memCommandStore) GetByID(_ context.Context, id string) (domain.CloseCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[id]
	if !ok {
		return domain.CloseCommand{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memCommandStore) HasOutstanding(_ context.Context, positionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.commands {
		if c.PositionID == positionID && c.Status.Outstanding() {
			return true, nil
		}
	}
	return false, nil
}

func (m *memCommandStore) ListPendingForDevice(_ context.Context, deviceID string, limit int) ([]domain.CloseCommand, error) {
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

func (m *memCommandStore) MarkAcknowledged(_ context.Context, id string, at time.Time) error {
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

func (m *memCommandStore) Settle(_ context.Context, id string, status domain.CommandStatus, actualPrice *float64, errorText string, at time.Time) error {
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

func (m *memCommandStore) ExpireOutstanding(_ context.Context, deadline time.Time) ([]domain.CloseCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CloseCommand
	for id, c := range m.commands {
		if c.Status.Outstanding() && c.CreatedAt.Before(deadline) {
			c.Status = domain.CommandTimeout
			m.commands[id] = c
			out = append(out, c)
		}
	}
	return out, nil
}

type memDeviceStore struct {
	mu      sync.Mutex
	devices map[string]domain.Device
}

func newMemDeviceStore() *memDeviceStore {
	return &memDeviceStore{devices: make(map[string]domain.Device)}
}

func (m *memDeviceStore) Create(_ context.Context, d domain.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.devices[d.ID] = d
	return nil
}

func (m *memDeviceStore) GetByID(_ context.Context, id string) (domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return domain.Device{}, domain.ErrNotFound
	}
	return d, nil
}

func (m *memDeviceStore) Revoke(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.Active = false
	m.devices[id] = d
	return nil
}

func (m *memDeviceStore) TouchPoll(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.LastPoll = &at
	m.devices[id] = d
	return nil
}

func (m *memDeviceStore) TouchAck(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.LastAck = &at
	m.devices[id] = d
	return nil
}

func (m *memDeviceStore) ListByAccount(_ context.Context, accountID string) ([]domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Device
	for _, d := range m.devices {
		if d.AccountID == accountID {
			out = append(out, d)
		}
	}
	return out, nil
}

// staticFeed returns a fixed price per instrument and
// domain.ErrFeedUnavailable for anything else.
type staticFeed struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newStaticFeed() *staticFeed {
	return &staticFeed{prices: make(map[string]float64)}
}

func (f *staticFeed) set(instrument string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[instrument] = price
}

func (f *staticFeed) Quote(_ context.Context, instrument string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.prices[instrument]
	if !ok {
		return 0, domain.ErrFeedUnavailable
	}
	return price, nil
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocks() *memLocks {
	return &memLocks{held: make(map[string]bool)}
}

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

type capturedEvent struct {
	Event   string
	Payload []byte
}

type memBus struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (b *memBus) Publish(_ context.Context, event string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, capturedEvent{Event: event, Payload: payload})
	return nil
}

func (b *memBus) byName(event string) []capturedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []capturedEvent
	for _, e := range b.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: make(map[string][]byte)}
}

func (b *memBlobs) Put(_ context.Context, path string, data []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = data
	return nil
}

// Compile-time interface checks for the fakes.
var (
	_ domain.SignalStore    = (*memSignalStore)(nil)
	_ domain.ExecutionStore = (*memExecutionStore)(nil)
	_ domain.PositionStore  = (*memPositionStore)(nil)
	_ domain.CommandStore   = (*memCommandStore)(nil)
	_ domain.DeviceStore    = (*memDeviceStore)(nil)
	_ domain.PriceFeed      = (*staticFeed)(nil)
	_ domain.LockManager    = (*memLocks)(nil)
	_ domain.EventBus       = (*memBus)(nil)
	_ domain.BlobWriter     = (*memBlobs)(nil)
)
