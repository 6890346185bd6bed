package domain

import "time"

// Side is the direction of a trading signal.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Envelope is an AES-256-GCM sealed payload. Ciphertext, nonce, and
// associated data are each independently transportable; all three are
// required to open the envelope, together with the key it was sealed under.
type Envelope struct {
	Ciphertext []byte
	Nonce      []byte
	AAD        []byte
}

// Empty reports whether the envelope carries no ciphertext.
func (e Envelope) Empty() bool {
	return len(e.Ciphertext) == 0
}

// Signal is one trading instruction. The redaction-safe fields (entry price,
// volume, TTL) are stored in the clear; the proprietary exit levels and any
// strategy metadata live only inside OwnerBlob, sealed under a server-side
// key. A signal is immutable once approved.
type Signal struct {
	ID         string
	AccountID  string
	Instrument string
	Side       Side
	EntryPrice float64
	Volume     float64
	TTLMinutes int
	OwnerBlob  Envelope // sealed HiddenLevels; never sent to devices
	CreatedAt  time.Time
}

// Decision is the outcome of reviewing a signal.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Approval binds a signal to its owner's decision. Only approved signals are
// ever visible to that account's devices.
type Approval struct {
	ID        string
	SignalID  string
	AccountID string
	Decision  Decision
	DecidedAt time.Time
}
