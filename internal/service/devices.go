package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/whoiscaerus/signalrelay/internal/crypto"
	"github.com/whoiscaerus/signalrelay/internal/domain"
)

const deviceSecretLen = 32

// RegisteredDevice is the one-time registration result. Secret is returned
// here and never again; the stored device record is the only other copy.
type RegisteredDevice struct {
	Device domain.Device
	Secret string
}

// DeviceService owns the device lifecycle: registration, revocation, and
// key rotation for the envelope channel.
type DeviceService struct {
	devices domain.DeviceStore
	keys    *crypto.KeyManager
	bus     domain.EventBus
	logger  *slog.Logger
	now     func() time.Time
}

func NewDeviceService(devices domain.DeviceStore, keys *crypto.KeyManager, bus domain.EventBus, logger *slog.Logger) *DeviceService {
	return &DeviceService{
		devices: devices,
		keys:    keys,
		bus:     bus,
		logger:  logger.With(slog.String("component", "devices")),
		now:     time.Now,
	}
}

// Register creates a device under an account and issues its signing secret.
func (s *DeviceService) Register(ctx context.Context, accountID, name string) (RegisteredDevice, error) {
	if accountID == "" {
		return RegisteredDevice{}, fmt.Errorf("service: register device without account: %w", domain.ErrMalformedRequest)
	}

	secret, err := newSecret()
	if err != nil {
		return RegisteredDevice{}, fmt.Errorf("service: generate device secret: %w", err)
	}

	dev := domain.Device{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Name:      name,
		Secret:    secret,
		Active:    true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.devices.Create(ctx, dev); err != nil {
		return RegisteredDevice{}, fmt.Errorf("service: create device: %w", err)
	}

	s.logger.InfoContext(ctx, "device registered",
		slog.String("device_id", dev.ID),
		slog.String("account_id", dev.AccountID),
	)
	return RegisteredDevice{Device: dev, Secret: secret}, nil
}

// Revoke deactivates a device. In-flight requests signed by it fail at the
// next authentication step; there is no grace period.
func (s *DeviceService) Revoke(ctx context.Context, deviceID string) error {
	if err := s.devices.Revoke(ctx, deviceID); err != nil {
		return fmt.Errorf("service: revoke device %s: %w", deviceID, err)
	}
	s.logger.InfoContext(ctx, "device revoked", slog.String("device_id", deviceID))
	s.publish(ctx, "device_revoked", map[string]any{
		"device_id":  deviceID,
		"revoked_at": s.now().UTC(),
	})
	return nil
}

func (s *DeviceService) publish(ctx context.Context, event string, payload map[string]any) {
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

// RotateKey issues a fresh persisted envelope key for the device with the
// given overlap grace, during which the previous key still opens envelopes
// sealed before the rotation.
func (s *DeviceService) RotateKey(ctx context.Context, deviceID string, grace time.Duration) (domain.DeviceKey, error) {
	if _, err := s.devices.GetByID(ctx, deviceID); err != nil {
		return domain.DeviceKey{}, fmt.Errorf("service: rotate key for device %s: %w", deviceID, err)
	}
	return s.keys.Rotate(ctx, deviceID, grace)
}

// List returns the account's devices with their activity timestamps.
func (s *DeviceService) List(ctx context.Context, accountID string) ([]domain.Device, error) {
	devices, err := s.devices.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("service: list devices for account %s: %w", accountID, err)
	}
	return devices, nil
}

func newSecret() (string, error) {
	buf := make([]byte, deviceSecretLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
