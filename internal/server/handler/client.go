package handler

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/whoiscaerus/signalrelay/internal/domain"
	"github.com/whoiscaerus/signalrelay/internal/server/middleware"
	"github.com/whoiscaerus/signalrelay/internal/service"
)

// ClientHandler serves the authenticated device exchange: signal polling,
// execution acks, close-command polling, and command acks. Every handler
// assumes DeviceAuth already ran; a missing context device is a server bug,
// not a client error.
type ClientHandler struct {
	exchange *service.ExchangeService
	commands *service.CommandService
	logger   *slog.Logger
}

func NewClientHandler(exchange *service.ExchangeService, commands *service.CommandService, logger *slog.Logger) *ClientHandler {
	return &ClientHandler{
		exchange: exchange,
		commands: commands,
		logger:   logHandler(logger, "client"),
	}
}

func (h *ClientHandler) device(w http.ResponseWriter, r *http.Request) (domain.Device, bool) {
	dev, ok := middleware.DeviceFrom(r.Context())
	if !ok {
		h.logger.ErrorContext(r.Context(), "handler reached without authenticated device",
			slog.String("path", r.URL.Path))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return domain.Device{}, false
	}
	return dev, true
}

// Poll returns the device's approved, unexecuted signals.
// GET /api/v1/client/poll
func (h *ClientHandler) Poll(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.device(w, r)
	if !ok {
		return
	}
	since, err := parseSince(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items, err := h.exchange.Poll(r.Context(), dev, since)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals":         items,
		"count":             len(items),
		"polled_at":         time.Now().UTC().Format(time.RFC3339),
		"next_poll_seconds": h.exchange.NextPollSeconds(),
	})
}

type ackRequest struct {
	ApprovalID   string `json:"approval_id"`
	Status       string `json:"status"`
	BrokerTicket string `json:"broker_ticket,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Ack records the execution outcome for one approval.
// POST /api/v1/client/ack
func (h *ClientHandler) Ack(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.device(w, r)
	if !ok {
		return
	}
	var req ackRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}

	exec, err := h.exchange.Ack(r.Context(), dev, service.AckRequest{
		ApprovalID:   req.ApprovalID,
		Status:       domain.ExecutionStatus(req.Status),
		BrokerTicket: req.BrokerTicket,
		ErrorText:    req.Error,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"execution_id": exec.ID,
		"approval_id":  exec.ApprovalID,
		"status":       string(exec.Status),
		"recorded_at":  exec.RecordedAt.Format(time.RFC3339),
	})
}

// Commands returns and acknowledges the device's pending close commands.
// GET /api/v1/client/commands
func (h *ClientHandler) Commands(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.device(w, r)
	if !ok {
		return
	}
	delivered, err := h.commands.Poll(r.Context(), dev)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(delivered))
	for _, d := range delivered {
		item := map[string]any{
			"id":             d.Command.ID,
			"position_id":    d.Command.PositionID,
			"reason":         string(d.Command.Reason),
			"expected_price": d.Command.ExpectedPrice,
			"created_at":     d.Command.CreatedAt.Format(time.RFC3339),
		}
		if d.Instrument != "" {
			item["instrument"] = d.Instrument
		}
		if d.BrokerTicket != "" {
			item["broker_ticket"] = d.BrokerTicket
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"commands": out,
		"count":    len(out),
	})
}

type commandAckRequest struct {
	CommandID    string   `json:"command_id"`
	Status       string   `json:"status"`
	ActualPrice  *float64 `json:"actual_close_price,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

// commandStatusFromWire maps the lowercase wire status onto the stored
// command status. Anything else is a malformed request.
func commandStatusFromWire(s string) (domain.CommandStatus, bool) {
	switch s {
	case "executed":
		return domain.CommandExecuted, true
	case "failed":
		return domain.CommandFailed, true
	}
	return "", false
}

// CommandAck settles a close command with the reported outcome.
// POST /api/v1/client/commands/ack
func (h *ClientHandler) CommandAck(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.device(w, r)
	if !ok {
		return
	}
	var req commandAckRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, err)
		return
	}
	status, ok := commandStatusFromWire(req.Status)
	if !ok {
		writeDomainError(w, domain.ErrMalformedRequest)
		return
	}

	cmd, err := h.commands.Ack(r.Context(), dev, service.CommandAck{
		CommandID:   req.CommandID,
		Status:      status,
		ActualPrice: req.ActualPrice,
		ErrorText:   req.ErrorMessage,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"command_id": cmd.ID,
		"status":     strings.ToLower(string(cmd.Status)),
		"settled_at": cmd.SettledAt.Format(time.RFC3339),
	})
}

// Envelope returns the approval's execution detail sealed under the
// requesting device's current key. A device holding a stale key gets
// ciphertext it cannot open.
// GET /api/v1/client/signals/{approval_id}/envelope
func (h *ClientHandler) Envelope(w http.ResponseWriter, r *http.Request) {
	dev, ok := h.device(w, r)
	if !ok {
		return
	}
	env, err := h.exchange.SealedEnvelope(r.Context(), dev, pathParam(r, "approval_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ciphertext": base64.StdEncoding.EncodeToString(env.Ciphertext),
		"nonce":      base64.StdEncoding.EncodeToString(env.Nonce),
		"aad":        base64.StdEncoding.EncodeToString(env.AAD),
	})
}
