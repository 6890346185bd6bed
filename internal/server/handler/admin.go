package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/whoiscaerus/signalrelay/internal/domain"
	"github.com/whoiscaerus/signalrelay/internal/service"
)

// AdminHandler serves the operator surface: device lifecycle, signal
// ingestion and approval, and manual position control. The operator token
// middleware guards every route here.
type AdminHandler struct {
	devices   *service.DeviceService
	signals   *service.SignalService
	commands  *service.CommandService
	positions domain.PositionStore
	logger    *slog.Logger
}

func NewAdminHandler(devices *service.DeviceService, signals *service.SignalService, commands *service.CommandService, positions domain.PositionStore, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		devices:   devices,
		signals:   signals,
		commands:  commands,
		positions: positions,
		logger:    logHandler(logger, "admin"),
	}
}

type registerDeviceRequest struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name,omitempty"`
}

// RegisterDevice creates a device and returns its signing secret. The
// secret appears in this response and nowhere else.
// POST /api/v1/admin/devices
func (h *AdminHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	reg, err := h.devices.Register(r.Context(), req.AccountID, req.Name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"device_id":  reg.Device.ID,
		"account_id": reg.Device.AccountID,
		"name":       reg.Device.Name,
		"secret":     reg.Secret,
		"created_at": reg.Device.CreatedAt.Format(time.RFC3339),
	})
}

// ListDevices returns the devices of one account.
// GET /api/v1/admin/devices?account_id=...
func (h *AdminHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	devices, err := h.devices.List(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(devices))
	for _, d := range devices {
		item := map[string]any{
			"device_id":  d.ID,
			"account_id": d.AccountID,
			"name":       d.Name,
			"active":     d.Active,
			"created_at": d.CreatedAt.Format(time.RFC3339),
		}
		if d.LastPoll != nil {
			item["last_poll"] = d.LastPoll.Format(time.RFC3339)
		}
		if d.LastAck != nil {
			item["last_ack"] = d.LastAck.Format(time.RFC3339)
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

// RevokeDevice deactivates a device immediately.
// DELETE /api/v1/admin/devices/{id}
func (h *AdminHandler) RevokeDevice(w http.ResponseWriter, r *http.Request) {
	if err := h.devices.Revoke(r.Context(), pathParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rotateKeyRequest struct {
	Grace string `json:"grace,omitempty"`
}

// RotateDeviceKey issues a fresh envelope key for a device.
// POST /api/v1/admin/devices/{id}/rotate-key
func (h *AdminHandler) RotateDeviceKey(w http.ResponseWriter, r *http.Request) {
	var req rotateKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	var grace time.Duration
	if req.Grace != "" {
		parsed, err := time.ParseDuration(req.Grace)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid grace duration")
			return
		}
		grace = parsed
	}

	key, err := h.devices.RotateKey(r.Context(), pathParam(r, "id"), grace)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":   key.DeviceID,
		"fingerprint": key.Fingerprint,
		"issued_at":   key.IssuedAt.Format(time.RFC3339),
		"expires_at":  key.ExpiresAt.Format(time.RFC3339),
	})
}

type ingestSignalRequest struct {
	AccountID  string   `json:"account_id"`
	Instrument string   `json:"instrument"`
	Side       string   `json:"side"`
	EntryPrice float64  `json:"entry_price"`
	Volume     float64  `json:"volume"`
	TTLMinutes int      `json:"ttl_minutes,omitempty"`
	StopLoss   *float64 `json:"sl,omitempty"`
	TakeProfit *float64 `json:"tp,omitempty"`
	Strategy   string   `json:"strategy,omitempty"`
}

// IngestSignal accepts a new signal from the owner. The response never
// echoes the exit levels; they are sealed before the signal is stored.
// POST /api/v1/admin/signals
func (h *AdminHandler) IngestSignal(w http.ResponseWriter, r *http.Request) {
	var req ingestSignalRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	sig, err := h.signals.Ingest(r.Context(), service.IngestRequest{
		AccountID:  req.AccountID,
		Instrument: req.Instrument,
		Side:       domain.Side(req.Side),
		EntryPrice: req.EntryPrice,
		Volume:     req.Volume,
		TTLMinutes: req.TTLMinutes,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Strategy:   req.Strategy,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"signal_id":  sig.ID,
		"instrument": sig.Instrument,
		"side":       string(sig.Side),
		"created_at": sig.CreatedAt.Format(time.RFC3339),
		"sealed":     !sig.OwnerBlob.Empty(),
	})
}

type decisionRequest struct {
	Decision string `json:"decision"`
}

// DecideSignal records the owner's approval or rejection.
// POST /api/v1/admin/signals/{id}/decision
func (h *AdminHandler) DecideSignal(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	approval, err := h.signals.Decide(r.Context(), pathParam(r, "id"), domain.Decision(req.Decision))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"approval_id": approval.ID,
		"signal_id":   approval.SignalID,
		"decision":    string(approval.Decision),
		"decided_at":  approval.DecidedAt.Format(time.RFC3339),
	})
}

// ListOpenPositions returns every open position. The Position JSON shape
// excludes the owner levels by construction.
// GET /api/v1/admin/positions
func (h *AdminHandler) ListOpenPositions(w http.ResponseWriter, r *http.Request) {
	open, err := h.positions.ListOpen(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": open, "count": len(open)})
}

// ClosePosition arms a manual close command for an open position.
// POST /api/v1/admin/positions/{id}/close
func (h *AdminHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.commands.ManualClose(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"command_id":     cmd.ID,
		"position_id":    cmd.PositionID,
		"reason":         string(cmd.Reason),
		"expected_price": cmd.ExpectedPrice,
		"created_at":     cmd.CreatedAt.Format(time.RFC3339),
	})
}
