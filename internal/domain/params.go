package domain

// ExecutionParams is the only object ever shown to a device for a signal.
// It is constructed field by field via NewExecutionParams, never by
// filtering a Signal or anything decrypted from an owner blob, so a field
// added elsewhere cannot leak through it.
type ExecutionParams struct {
	EntryPrice float64 `json:"entry_price"`
	Volume     float64 `json:"volume"`
	TTLMinutes int     `json:"ttl_minutes"`
}

// NewExecutionParams builds the device-facing execution object from the
// three redaction-safe values.
func NewExecutionParams(entryPrice, volume float64, ttlMinutes int) ExecutionParams {
	return ExecutionParams{
		EntryPrice: entryPrice,
		Volume:     volume,
		TTLMinutes: ttlMinutes,
	}
}

// HiddenLevels holds the owner-only exit levels for a signal. It is a
// distinct type from ExecutionParams on purpose: nothing that serializes
// device responses accepts it, and only the ack path and the position
// monitor ever read one. Either level may be absent.
type HiddenLevels struct {
	StopLoss   *float64 `json:"sl,omitempty"`
	TakeProfit *float64 `json:"tp,omitempty"`
	Strategy   string   `json:"strategy,omitempty"`
}

// Empty reports whether neither exit level is set.
func (h HiddenLevels) Empty() bool {
	return h.StopLoss == nil && h.TakeProfit == nil
}
