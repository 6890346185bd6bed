package domain

import "time"

// PositionStatus is the lifecycle state of an open position. A position
// starts OPEN and moves to exactly one terminal closed status.
type PositionStatus string

const (
	PositionOpen           PositionStatus = "OPEN"
	PositionClosedSL       PositionStatus = "CLOSED_SL"
	PositionClosedTP       PositionStatus = "CLOSED_TP"
	PositionClosedManual   PositionStatus = "CLOSED_MANUAL"
	PositionClosedError    PositionStatus = "CLOSED_ERROR"
	PositionClosedDrawdown PositionStatus = "CLOSED_DRAWDOWN"
	PositionClosedMarket   PositionStatus = "CLOSED_MARKET"
)

// Position is created exactly once per successfully placed execution. The
// owner levels are populated best-effort from the signal's owner blob at ack
// time and stay nil when the blob was absent or undecryptable; a position
// with nil levels is still tracked, it just cannot breach.
//
// OwnerSL and OwnerTP are deliberately excluded from JSON: no representation
// of a position that reaches a device may carry them.
type Position struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	DeviceID    string         `json:"device_id"`
	AccountID   string         `json:"account_id"`
	Instrument  string         `json:"instrument"`
	Side        Side           `json:"side"`
	EntryPrice  float64        `json:"entry_price"`
	Volume      float64        `json:"volume"`
	OwnerSL     *float64       `json:"-"`
	OwnerTP     *float64       `json:"-"`
	Status      PositionStatus `json:"status"`
	OpenedAt    time.Time      `json:"opened_at"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`
	ClosePrice  *float64       `json:"close_price,omitempty"`
}

// BreachReason identifies which hidden level a price crossed.
type BreachReason string

const (
	BreachNone   BreachReason = ""
	BreachSLHit  BreachReason = "sl_hit"
	BreachTPHit  BreachReason = "tp_hit"
	BreachManual BreachReason = "manual"
)

// ClosedStatus maps a breach reason to the terminal status the position
// takes when the resulting close command executes successfully.
func (r BreachReason) ClosedStatus() PositionStatus {
	switch r {
	case BreachSLHit:
		return PositionClosedSL
	case BreachTPHit:
		return PositionClosedTP
	case BreachManual:
		return PositionClosedManual
	default:
		return PositionClosedMarket
	}
}

// Evaluate applies the side-dependent breach rule to a live price. Both
// thresholds are inclusive. The stop loss is checked before the take profit,
// so when a single price satisfies both levels the stop wins. A position
// with neither level set never breaches.
func (p Position) Evaluate(price float64) BreachReason {
	switch p.Side {
	case SideBuy:
		if p.OwnerSL != nil && price <= *p.OwnerSL {
			return BreachSLHit
		}
		if p.OwnerTP != nil && price >= *p.OwnerTP {
			return BreachTPHit
		}
	case SideSell:
		if p.OwnerSL != nil && price >= *p.OwnerSL {
			return BreachSLHit
		}
		if p.OwnerTP != nil && price <= *p.OwnerTP {
			return BreachTPHit
		}
	}
	return BreachNone
}
