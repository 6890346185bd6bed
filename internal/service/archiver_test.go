package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/whoiscaerus/signalrelay/internal/domain"
)

func TestArchiveOnceExportsOldRecords(t *testing.T) {
	ctx := context.Background()
	execs := newMemExecutionStore()
	positions := newMemPositionStore()
	blobs := newMemBlobs()

	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)

	if err := execs.Insert(ctx, domain.Execution{
		ID: "exec-old", ApprovalID: "appr-1", DeviceID: "dev-1",
		Status: domain.ExecutionPlaced, BrokerTicket: "T1", RecordedAt: old,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := execs.Insert(ctx, domain.Execution{
		ID: "exec-new", ApprovalID: "appr-2", DeviceID: "dev-1",
		Status: domain.ExecutionFailed, ErrorText: "no margin", RecordedAt: now,
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	closedAt := old
	closePrice := 2643.75
	positions.mu.Lock()
	positions.positions["pos-old"] = domain.Position{
		ID: "pos-old", DeviceID: "dev-1", AccountID: "acct-1",
		Instrument: "XAUUSD", Side: domain.SideBuy,
		Status: domain.PositionClosedSL, OpenedAt: old.Add(-time.Hour),
		ClosedAt: &closedAt, ClosePrice: &closePrice,
		OwnerSL: ptr(2645.00), OwnerTP: ptr(2670.00),
	}
	positions.mu.Unlock()

	arch := NewLedgerArchiver(execs, positions, blobs, ArchiverConfig{}, discardLogger())
	if err := arch.ArchiveOnce(ctx); err != nil {
		t.Fatalf("archive: %v", err)
	}

	var execObj, posObj []byte
	for path, data := range blobs.objects {
		switch {
		case strings.HasPrefix(path, "ledger/executions/"):
			execObj = data
		case strings.HasPrefix(path, "ledger/positions/"):
			posObj = data
		default:
			t.Errorf("unexpected archive path %q", path)
		}
	}
	if execObj == nil || posObj == nil {
		t.Fatalf("missing archive objects, have %v", blobs.objects)
	}

	// Only the old execution is exported.
	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(execObj))
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad jsonl line: %v", err)
		}
		ids = append(ids, rec["id"].(string))
	}
	if len(ids) != 1 || ids[0] != "exec-old" {
		t.Fatalf("archived executions = %v, want [exec-old]", ids)
	}

	// The position snapshot never carries the owner levels.
	if bytes.Contains(posObj, []byte("2645")) || bytes.Contains(posObj, []byte("2670")) {
		t.Errorf("position archive leaked owner levels: %s", posObj)
	}
	if !bytes.Contains(posObj, []byte("CLOSED_SL")) {
		t.Errorf("position archive missing terminal status: %s", posObj)
	}
}

func TestArchiveOnceNoEligibleRecords(t *testing.T) {
	blobs := newMemBlobs()
	arch := NewLedgerArchiver(newMemExecutionStore(), newMemPositionStore(), blobs, ArchiverConfig{}, discardLogger())
	if err := arch.ArchiveOnce(context.Background()); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if len(blobs.objects) != 0 {
		t.Fatalf("expected no uploads, got %d", len(blobs.objects))
	}
}
