package domain

import (
	"encoding/json"
	"testing"
)

func TestExecutionParamsKeySet(t *testing.T) {
	p := NewExecutionParams(2655.50, 0.1, 240)

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var keys map[string]any
	if err := json.Unmarshal(data, &keys); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	want := []string{"entry_price", "volume", "ttl_minutes"}
	if len(keys) != len(want) {
		t.Fatalf("got %d keys %v, want exactly %v", len(keys), keys, want)
	}
	for _, k := range want {
		if _, ok := keys[k]; !ok {
			t.Errorf("missing key %q", k)
		}
	}
}

func TestHiddenLevelsEmpty(t *testing.T) {
	if !(HiddenLevels{}).Empty() {
		t.Error("zero HiddenLevels should be empty")
	}
	sl := 2645.0
	if (HiddenLevels{StopLoss: &sl}).Empty() {
		t.Error("HiddenLevels with a stop loss should not be empty")
	}
}
