// Package domain defines the core value types, enumerations, and store
// interfaces shared by every layer of the signal relay server. Concrete
// persistence and cache implementations live in internal/store and
// internal/cache and are wired against these interfaces at startup.
package domain

import "time"

// Device is an execution agent: a client-side process that polls the server
// for approved signals and places orders with a broker on the trader's
// behalf. The Secret is issued exactly once at registration and is never
// retransmitted afterwards; every subsequent request from the device must be
// HMAC-signed with it.
type Device struct {
	ID        string
	AccountID string
	Name      string
	Secret    string // HMAC secret, shared only with the device
	Active    bool
	LastPoll  *time.Time
	LastAck   *time.Time
	CreatedAt time.Time
	RevokedAt *time.Time
}

// DeviceKey is a persisted key-derivation record for a device. The derived
// AES key itself is never stored; the record pins the salt tag the key was
// derived with plus a fingerprint so rotation and expiry can be enforced
// without key material ever touching the database.
type DeviceKey struct {
	ID          string
	DeviceID    string
	DateTag     string // salt component: device_id || "::" || date_tag
	Fingerprint string // hex SHA-256 of the derived key, for diagnostics
	Active      bool
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the key record is past its expiry at the given
// instant.
func (k DeviceKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}
