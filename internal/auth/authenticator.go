// Package auth implements the per-request device authentication pipeline
// that every device-originated request passes through before any business
// logic runs.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/whoiscaerus/signalrelay/internal/crypto"
	"github.com/whoiscaerus/signalrelay/internal/domain"
)

// Request carries the authentication material extracted from one device
// request. Body must be the exact payload bytes the device signed.
type Request struct {
	Method    string
	Path      string
	Body      []byte
	DeviceID  string
	Nonce     string
	Timestamp string
	Signature string
}

// Touch selects which device activity timestamp a successful request
// updates.
type Touch int

const (
	TouchNone Touch = iota
	TouchPoll
	TouchAck
)

const (
	// defaultWindow is the freshness window for request timestamps.
	defaultWindow = 5 * time.Minute
	// defaultSkew is the explicit clock-skew allowance on top of the window.
	defaultSkew = 30 * time.Second
)

// Authenticator verifies device signatures, timestamp freshness, and nonce
// uniqueness. It is safe for concurrent use; the replay check relies on the
// nonce store's atomic check-and-set.
type Authenticator struct {
	devices domain.DeviceStore
	nonces  domain.NonceStore
	window  time.Duration
	skew    time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Authenticator. window and skew fall back to the protocol
// defaults (5 minutes, 30 seconds) when non-positive.
func New(devices domain.DeviceStore, nonces domain.NonceStore, window, skew time.Duration, logger *slog.Logger) *Authenticator {
	if window <= 0 {
		window = defaultWindow
	}
	if skew < 0 {
		skew = defaultSkew
	}
	return &Authenticator{
		devices: devices,
		nonces:  nonces,
		window:  window,
		skew:    skew,
		logger:  logger.With(slog.String("component", "auth")),
		now:     time.Now,
	}
}

// Window returns the freshness window, which is also the nonce TTL.
func (a *Authenticator) Window() time.Duration {
	return a.window
}

// Authenticate runs the full pipeline and returns the authenticated device.
// A rejected request is terminal; the server never retries any step, the
// device must retry with a fresh nonce and timestamp.
func (a *Authenticator) Authenticate(ctx context.Context, req Request, touch Touch) (domain.Device, error) {
	// 1. All four protocol fields are structurally required.
	if req.DeviceID == "" || req.Nonce == "" || req.Timestamp == "" || req.Signature == "" {
		return domain.Device{}, fmt.Errorf("auth: missing protocol header: %w", domain.ErrMalformedRequest)
	}

	// 2. The device must exist and be active.
	dev, err := a.devices.GetByID(ctx, req.DeviceID)
	if err != nil {
		return domain.Device{}, fmt.Errorf("auth: device %s: %w", req.DeviceID, err)
	}
	if !dev.Active {
		return domain.Device{}, fmt.Errorf("auth: device %s: %w", req.DeviceID, domain.ErrDeviceRevoked)
	}

	// 3. The timestamp must parse and sit inside the freshness window in
	// both directions.
	ts, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		return domain.Device{}, fmt.Errorf("auth: timestamp %q: %w", req.Timestamp, domain.ErrMalformedRequest)
	}
	if drift := a.now().Sub(ts).Abs(); drift > a.window+a.skew {
		return domain.Device{}, fmt.Errorf("auth: timestamp drift %s: %w", drift, domain.ErrStaleTimestamp)
	}

	// 4. Atomic check-and-record of the (device, nonce) pair. Two
	// simultaneous requests with the same nonce cannot both pass.
	fresh, err := a.nonces.Register(ctx, req.DeviceID, req.Nonce, a.window)
	if err != nil {
		return domain.Device{}, fmt.Errorf("auth: nonce store: %w", err)
	}
	if !fresh {
		return domain.Device{}, fmt.Errorf("auth: nonce %q: %w", req.Nonce, domain.ErrReplayedNonce)
	}

	// 5. Recompute the canonical string from what was actually received and
	// verify in constant time.
	canonical := crypto.Canonical(req.Method, req.Path, req.Body, req.DeviceID, req.Nonce, req.Timestamp)
	if !crypto.Verify(canonical, req.Signature, []byte(dev.Secret)) {
		return domain.Device{}, fmt.Errorf("auth: device %s: %w", req.DeviceID, domain.ErrBadSignature)
	}

	a.touch(ctx, dev.ID, touch)
	return dev, nil
}

// touch updates the device's last activity timestamp. Failures are logged,
// not surfaced; the request itself already authenticated.
func (a *Authenticator) touch(ctx context.Context, deviceID string, kind Touch) {
	var err error
	switch kind {
	case TouchPoll:
		err = a.devices.TouchPoll(ctx, deviceID, a.now().UTC())
	case TouchAck:
		err = a.devices.TouchAck(ctx, deviceID, a.now().UTC())
	default:
		return
	}
	if err != nil {
		a.logger.WarnContext(ctx, "device activity update failed",
			slog.String("device_id", deviceID),
			slog.String("error", err.Error()),
		)
	}
}
