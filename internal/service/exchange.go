// Package service implements the business operations of the relay:
// signal ingestion and approval, the device poll/ack exchange, the
// position monitor, close-command settlement and ledger archival.
// Services depend only on the store interfaces in domain and are
// wired together in internal/app.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/whoiscaerus/signalrelay/internal/crypto"
	"github.com/whoiscaerus/signalrelay/internal/domain"
	"github.com/whoiscaerus/signalrelay/internal/notify"
)

// ownerBlobTag versions the key derivation for account-scoped owner
// blobs. Bump it to re-key all sealed levels.
const ownerBlobTag = "owner-v1"

func ownerKey(km *crypto.KeyManager, accountID string) []byte {
	return km.Derive("owner:"+accountID, ownerBlobTag)
}

// PollItem is one approved signal as delivered to a device. It is
// assembled field by field so owner-only exit levels can never leak
// into the poll payload.
type PollItem struct {
	ApprovalID string                 `json:"approval_id"`
	SignalID   string                 `json:"signal_id"`
	Instrument string                 `json:"instrument"`
	Side       domain.Side            `json:"side"`
	Params     domain.ExecutionParams `json:"execution_params"`
	ApprovedAt time.Time              `json:"approved_at"`
	CreatedAt  time.Time              `json:"created_at"`
}

// AckRequest is a device's report of the outcome of one approval.
type AckRequest struct {
	ApprovalID   string
	Status       domain.ExecutionStatus
	BrokerTicket string
	ErrorText    string
}

// ExchangeService serves the device-facing poll and ack operations.
type ExchangeService struct {
	signals    domain.SignalStore
	executions domain.ExecutionStore
	positions  domain.PositionStore
	keys       *crypto.KeyManager
	bus        domain.EventBus
	notifier   *notify.Notifier
	pollEvery  time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewExchangeService(signals domain.SignalStore, executions domain.ExecutionStore, positions domain.PositionStore, keys *crypto.KeyManager, bus domain.EventBus, notifier *notify.Notifier, pollEvery time.Duration, logger *slog.Logger) *ExchangeService {
	if pollEvery <= 0 {
		pollEvery = 30 * time.Second
	}
	return &ExchangeService{
		signals:    signals,
		executions: executions,
		positions:  positions,
		keys:       keys,
		bus:        bus,
		notifier:   notifier,
		pollEvery:  pollEvery,
		logger:     logger.With(slog.String("component", "exchange")),
		now:        time.Now,
	}
}

// Poll returns the approved, unexpired, not-yet-acknowledged signals
// for the device's account. Items carry execution parameters only;
// stop loss and take profit never appear here.
func (s *ExchangeService) Poll(ctx context.Context, dev domain.Device, since *time.Time) ([]PollItem, error) {
	approvals, err := s.signals.ListPollable(ctx, dev.AccountID, dev.ID, since)
	if err != nil {
		return nil, fmt.Errorf("service: list pollable signals: %w", err)
	}

	now := s.now().UTC()
	items := make([]PollItem, 0, len(approvals))
	for _, a := range approvals {
		sig, err := s.signals.GetByID(ctx, a.SignalID)
		if err != nil {
			return nil, fmt.Errorf("service: load signal %s: %w", a.SignalID, err)
		}
		if sig.TTLMinutes > 0 && now.After(sig.CreatedAt.Add(time.Duration(sig.TTLMinutes)*time.Minute)) {
			continue
		}
		items = append(items, PollItem{
			ApprovalID: a.ID,
			SignalID:   sig.ID,
			Instrument: sig.Instrument,
			Side:       sig.Side,
			Params:     domain.NewExecutionParams(sig.EntryPrice, sig.Volume, sig.TTLMinutes),
			ApprovedAt: a.DecidedAt,
			CreatedAt:  sig.CreatedAt,
		})
	}
	return items, nil
}

// NextPollSeconds tells devices how long to wait before polling again.
func (s *ExchangeService) NextPollSeconds() int {
	return int(s.pollEvery / time.Second)
}

// Ack records the execution outcome for one approval. A placed ack
// additionally opens a monitored position; the owner's sealed exit
// levels are attached when the blob opens, and the position is
// monitored without them when it does not.
func (s *ExchangeService) Ack(ctx context.Context, dev domain.Device, req AckRequest) (domain.Execution, error) {
	switch req.Status {
	case domain.ExecutionPlaced:
		if req.BrokerTicket == "" {
			return domain.Execution{}, fmt.Errorf("service: placed ack without broker ticket: %w", domain.ErrMalformedRequest)
		}
	case domain.ExecutionFailed:
		if req.ErrorText == "" {
			return domain.Execution{}, fmt.Errorf("service: failed ack without error text: %w", domain.ErrMalformedRequest)
		}
	case domain.ExecutionCancelled:
	default:
		return domain.Execution{}, fmt.Errorf("service: ack status %q: %w", req.Status, domain.ErrMalformedRequest)
	}

	approval, err := s.signals.GetApproval(ctx, req.ApprovalID)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("service: load approval %s: %w", req.ApprovalID, err)
	}
	if approval.AccountID != dev.AccountID {
		return domain.Execution{}, fmt.Errorf("service: approval %s: %w", req.ApprovalID, domain.ErrNotOwner)
	}
	if approval.Decision != domain.DecisionApproved {
		return domain.Execution{}, fmt.Errorf("service: approval %s is %s: %w", req.ApprovalID, approval.Decision, domain.ErrNotFound)
	}

	exec := domain.Execution{
		ID:           uuid.New().String(),
		ApprovalID:   approval.ID,
		DeviceID:     dev.ID,
		Status:       req.Status,
		BrokerTicket: req.BrokerTicket,
		ErrorText:    req.ErrorText,
		RecordedAt:   s.now().UTC(),
	}
	if err := s.executions.Insert(ctx, exec); err != nil {
		return domain.Execution{}, fmt.Errorf("service: record execution for approval %s: %w", req.ApprovalID, err)
	}

	s.publish(ctx, "execution_recorded", map[string]any{
		"execution_id": exec.ID,
		"approval_id":  exec.ApprovalID,
		"device_id":    exec.DeviceID,
		"status":       string(exec.Status),
	})

	if req.Status != domain.ExecutionPlaced {
		return exec, nil
	}

	sig, err := s.signals.GetByID(ctx, approval.SignalID)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("service: load signal %s: %w", approval.SignalID, err)
	}

	pos := domain.Position{
		ID:          uuid.New().String(),
		ExecutionID: exec.ID,
		DeviceID:    dev.ID,
		AccountID:   dev.AccountID,
		Instrument:  sig.Instrument,
		Side:        sig.Side,
		EntryPrice:  sig.EntryPrice,
		Volume:      sig.Volume,
		Status:      domain.PositionOpen,
		OpenedAt:    s.now().UTC(),
	}

	levels, err := s.openOwnerBlob(sig)
	if err != nil {
		// Degraded monitoring: the trade stands, the position is
		// tracked without exit levels, and operators are told.
		s.logger.Warn("owner blob unreadable, monitoring without exit levels",
			slog.String("signal_id", sig.ID),
			slog.String("position_id", pos.ID),
			slog.Any("error", err))
		s.publish(ctx, "security_degradation", map[string]any{
			"signal_id":   sig.ID,
			"position_id": pos.ID,
			"reason":      "owner_blob_unreadable",
		})
		if s.notifier != nil {
			msg := fmt.Sprintf("Owner blob for signal %s is unreadable; position %s is monitored without exit levels.", sig.ID, pos.ID)
			if err := s.notifier.Notify(ctx, "security_degradation", "Security degradation", msg); err != nil {
				s.logger.Warn("notify security degradation", slog.Any("error", err))
			}
		}
	} else {
		pos.OwnerSL = levels.StopLoss
		pos.OwnerTP = levels.TakeProfit
	}

	if err := s.positions.Create(ctx, pos); err != nil {
		return domain.Execution{}, fmt.Errorf("service: open position for execution %s: %w", exec.ID, err)
	}

	s.publish(ctx, "position_opened", map[string]any{
		"position_id": pos.ID,
		"instrument":  pos.Instrument,
		"side":        string(pos.Side),
		"device_id":   pos.DeviceID,
	})
	return exec, nil
}

func (s *ExchangeService) openOwnerBlob(sig domain.Signal) (domain.HiddenLevels, error) {
	if sig.OwnerBlob.Empty() {
		return domain.HiddenLevels{}, fmt.Errorf("service: signal %s has no owner blob: %w", sig.ID, domain.ErrEnvelopeOpen)
	}
	plaintext, err := crypto.Open(ownerKey(s.keys, sig.AccountID), sig.OwnerBlob, []byte(sig.ID))
	if err != nil {
		return domain.HiddenLevels{}, fmt.Errorf("service: open owner blob for signal %s: %w", sig.ID, err)
	}
	var levels domain.HiddenLevels
	if err := json.Unmarshal(plaintext, &levels); err != nil {
		return domain.HiddenLevels{}, fmt.Errorf("service: decode owner blob for signal %s: %w", sig.ID, domain.ErrEnvelopeOpen)
	}
	return levels, nil
}

// envelopeDetail is the plaintext sealed into a per-device envelope. It is
// assembled from the redaction-safe fields only; owner exit levels have no
// path into it.
type envelopeDetail struct {
	ApprovalID string                 `json:"approval_id"`
	SignalID   string                 `json:"signal_id"`
	Instrument string                 `json:"instrument"`
	Side       domain.Side            `json:"side"`
	Params     domain.ExecutionParams `json:"execution_params"`
}

// SealedEnvelope returns the execution detail for an approval the device's
// account owns, sealed under the device's current key with the device id as
// associated data. A device whose key has drifted gets ciphertext it cannot
// open and must treat the signal as invalid.
func (s *ExchangeService) SealedEnvelope(ctx context.Context, dev domain.Device, approvalID string) (domain.Envelope, error) {
	approval, err := s.signals.GetApproval(ctx, approvalID)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("service: load approval %s: %w", approvalID, err)
	}
	if approval.AccountID != dev.AccountID {
		return domain.Envelope{}, fmt.Errorf("service: approval %s: %w", approvalID, domain.ErrNotOwner)
	}
	sig, err := s.signals.GetByID(ctx, approval.SignalID)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("service: load signal %s: %w", approval.SignalID, err)
	}

	detail := envelopeDetail{
		ApprovalID: approval.ID,
		SignalID:   sig.ID,
		Instrument: sig.Instrument,
		Side:       sig.Side,
		Params:     domain.NewExecutionParams(sig.EntryPrice, sig.Volume, sig.TTLMinutes),
	}
	plaintext, err := json.Marshal(detail)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("service: encode envelope detail: %w", err)
	}

	key, err := s.keys.CurrentKey(ctx, dev.ID)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("service: key for device %s: %w", dev.ID, err)
	}
	env, err := crypto.Seal(key, plaintext, []byte(dev.ID))
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("service: seal envelope for device %s: %w", dev.ID, err)
	}
	return env, nil
}

func (s *ExchangeService) publish(ctx context.Context, event string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, event, data); err != nil {
		s.logger.Warn("publish event", slog.String("event", event), slog.Any("error", err))
	}
}
