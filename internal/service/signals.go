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
)

// IngestRequest carries a new signal from the operator surface. The exit
// levels arrive in the clear over the operator channel and are sealed
// before the signal is persisted; they never exist unencrypted at rest.
type IngestRequest struct {
	AccountID  string
	Instrument string
	Side       domain.Side
	EntryPrice float64
	Volume     float64
	TTLMinutes int
	StopLoss   *float64
	TakeProfit *float64
	Strategy   string
}

// SignalService owns signal ingestion and the approval step that gates
// visibility to devices.
type SignalService struct {
	signals domain.SignalStore
	keys    *crypto.KeyManager
	bus     domain.EventBus
	logger  *slog.Logger
	now     func() time.Time
}

func NewSignalService(signals domain.SignalStore, keys *crypto.KeyManager, bus domain.EventBus, logger *slog.Logger) *SignalService {
	return &SignalService{
		signals: signals,
		keys:    keys,
		bus:     bus,
		logger:  logger.With(slog.String("component", "signals")),
		now:     time.Now,
	}
}

// Ingest validates and persists a new signal. The hidden levels are sealed
// under the account's owner key with the signal id as associated data, so
// a blob copied onto another signal row fails to open.
func (s *SignalService) Ingest(ctx context.Context, req IngestRequest) (domain.Signal, error) {
	if req.AccountID == "" || req.Instrument == "" {
		return domain.Signal{}, fmt.Errorf("service: ingest missing account or instrument: %w", domain.ErrMalformedRequest)
	}
	if !req.Side.Valid() {
		return domain.Signal{}, fmt.Errorf("service: ingest side %q: %w", req.Side, domain.ErrMalformedRequest)
	}
	if req.EntryPrice <= 0 || req.Volume <= 0 {
		return domain.Signal{}, fmt.Errorf("service: ingest non-positive price or volume: %w", domain.ErrMalformedRequest)
	}
	if req.TTLMinutes < 0 {
		return domain.Signal{}, fmt.Errorf("service: ingest negative ttl: %w", domain.ErrMalformedRequest)
	}

	sig := domain.Signal{
		ID:         uuid.New().String(),
		AccountID:  req.AccountID,
		Instrument: req.Instrument,
		Side:       req.Side,
		EntryPrice: req.EntryPrice,
		Volume:     req.Volume,
		TTLMinutes: req.TTLMinutes,
		CreatedAt:  s.now().UTC(),
	}

	levels := domain.HiddenLevels{
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Strategy:   req.Strategy,
	}
	if !levels.Empty() {
		plaintext, err := json.Marshal(levels)
		if err != nil {
			return domain.Signal{}, fmt.Errorf("service: encode hidden levels: %w", err)
		}
		env, err := crypto.Seal(ownerKey(s.keys, sig.AccountID), plaintext, []byte(sig.ID))
		if err != nil {
			return domain.Signal{}, fmt.Errorf("service: seal hidden levels for signal %s: %w", sig.ID, err)
		}
		sig.OwnerBlob = env
	}

	if err := s.signals.Create(ctx, sig); err != nil {
		return domain.Signal{}, fmt.Errorf("service: create signal: %w", err)
	}

	s.logger.InfoContext(ctx, "signal ingested",
		slog.String("signal_id", sig.ID),
		slog.String("instrument", sig.Instrument),
		slog.String("side", string(sig.Side)),
		slog.Bool("sealed_levels", !sig.OwnerBlob.Empty()),
	)
	return sig, nil
}

// Decide records the owner's approval or rejection of a signal. Only
// approved signals ever reach the account's devices.
func (s *SignalService) Decide(ctx context.Context, signalID string, decision domain.Decision) (domain.Approval, error) {
	if decision != domain.DecisionApproved && decision != domain.DecisionRejected {
		return domain.Approval{}, fmt.Errorf("service: decision %q: %w", decision, domain.ErrMalformedRequest)
	}

	sig, err := s.signals.GetByID(ctx, signalID)
	if err != nil {
		return domain.Approval{}, fmt.Errorf("service: load signal %s: %w", signalID, err)
	}

	approval := domain.Approval{
		ID:        uuid.New().String(),
		SignalID:  sig.ID,
		AccountID: sig.AccountID,
		Decision:  decision,
		DecidedAt: s.now().UTC(),
	}
	if err := s.signals.CreateApproval(ctx, approval); err != nil {
		return domain.Approval{}, fmt.Errorf("service: create approval for signal %s: %w", signalID, err)
	}

	if s.bus != nil && decision == domain.DecisionApproved {
		payload, _ := json.Marshal(map[string]any{
			"approval_id": approval.ID,
			"signal_id":   sig.ID,
			"account_id":  sig.AccountID,
			"instrument":  sig.Instrument,
		})
		if err := s.bus.Publish(ctx, "signal_approved", payload); err != nil {
			s.logger.Warn("publish signal_approved", slog.Any("error", err))
		}
	}
	return approval, nil
}
