package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/whoiscaerus/signalrelay/internal/domain"
)

const (
	defaultArchiveInterval  = time.Hour
	defaultArchiveRetention = 24 * time.Hour
	defaultArchiveBatch     = 500
)

// LedgerArchiver exports settled ledger records to object storage as
// JSON-lines snapshots. The database rows stay put; the archive is an
// immutable off-site copy for audit, not a purge.
type LedgerArchiver struct {
	executions domain.ExecutionStore
	positions  domain.PositionStore
	blobs      domain.BlobWriter
	logger     *slog.Logger

	interval  time.Duration
	retention time.Duration
	batch     int
	now       func() time.Time
}

// ArchiverConfig tunes the archive cadence. Zero values take the defaults:
// hourly runs, records older than 24h, 500 per object.
type ArchiverConfig struct {
	Interval  time.Duration
	Retention time.Duration
	Batch     int
}

func NewLedgerArchiver(executions domain.ExecutionStore, positions domain.PositionStore, blobs domain.BlobWriter, cfg ArchiverConfig, logger *slog.Logger) *LedgerArchiver {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultArchiveInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultArchiveRetention
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultArchiveBatch
	}
	return &LedgerArchiver{
		executions: executions,
		positions:  positions,
		blobs:      blobs,
		logger:     logger.With(slog.String("component", "archiver")),
		interval:   cfg.Interval,
		retention:  cfg.Retention,
		batch:      cfg.Batch,
		now:        time.Now,
	}
}

// Run exports snapshots on the configured cadence until the context is
// cancelled.
func (a *LedgerArchiver) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "archiver started",
		slog.Duration("interval", a.interval),
		slog.Duration("retention", a.retention),
	)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "archiver stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := a.ArchiveOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.ErrorContext(ctx, "archive run failed", slog.Any("error", err))
			}
		}
	}
}

// ArchiveOnce exports one snapshot of executions and closed positions
// older than the retention cutoff.
func (a *LedgerArchiver) ArchiveOnce(ctx context.Context) error {
	now := a.now().UTC()
	cutoff := now.Add(-a.retention)
	stamp := now.Format("2006-01-02T15-04-05Z")

	executions, err := a.executions.ListBefore(ctx, cutoff, a.batch)
	if err != nil {
		return fmt.Errorf("service: list executions for archive: %w", err)
	}
	if len(executions) > 0 {
		records := make([]any, len(executions))
		for i, e := range executions {
			records[i] = executionRecord(e)
		}
		path := fmt.Sprintf("ledger/executions/%s/%s.jsonl", now.Format("2006-01-02"), stamp)
		if err := a.put(ctx, path, records); err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "executions archived", slog.Int("count", len(executions)), slog.String("path", path))
	}

	closed, err := a.positions.ListClosedBefore(ctx, cutoff, a.batch)
	if err != nil {
		return fmt.Errorf("service: list closed positions for archive: %w", err)
	}
	if len(closed) > 0 {
		records := make([]any, len(closed))
		for i, p := range closed {
			records[i] = p
		}
		path := fmt.Sprintf("ledger/positions/%s/%s.jsonl", now.Format("2006-01-02"), stamp)
		if err := a.put(ctx, path, records); err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "positions archived", slog.Int("count", len(closed)), slog.String("path", path))
	}
	return nil
}

func (a *LedgerArchiver) put(ctx context.Context, path string, records []any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("service: encode archive record: %w", err)
		}
	}
	if err := a.blobs.Put(ctx, path, buf.Bytes(), "application/x-ndjson"); err != nil {
		return fmt.Errorf("service: upload archive %s: %w", path, err)
	}
	return nil
}

// executionRecord shapes one ledger row for the archive. Field names match
// the API's execution representation.
func executionRecord(e domain.Execution) map[string]any {
	rec := map[string]any{
		"id":          e.ID,
		"approval_id": e.ApprovalID,
		"device_id":   e.DeviceID,
		"status":      string(e.Status),
		"recorded_at": e.RecordedAt,
	}
	if e.BrokerTicket != "" {
		rec["broker_ticket"] = e.BrokerTicket
	}
	if e.ErrorText != "" {
		rec["error"] = e.ErrorText
	}
	return rec
}
