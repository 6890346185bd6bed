package domain

import "testing"

func fp(v float64) *float64 { return &v }

func TestEvaluate_BuySide(t *testing.T) {
	pos := Position{
		Side:       SideBuy,
		EntryPrice: 2655.00,
		OwnerSL:    fp(2645.00),
		OwnerTP:    fp(2670.00),
	}

	cases := []struct {
		price float64
		want  BreachReason
	}{
		{2643.00, BreachSLHit},
		{2645.00, BreachSLHit}, // boundary inclusive
		{2660.00, BreachNone},
		{2670.00, BreachTPHit}, // boundary inclusive
		{2672.00, BreachTPHit},
	}

	for _, c := range cases {
		if got := pos.Evaluate(c.price); got != c.want {
			t.Errorf("buy price %.2f: got %q, want %q", c.price, got, c.want)
		}
	}
}

func TestEvaluate_SellSide(t *testing.T) {
	pos := Position{
		Side:       SideSell,
		EntryPrice: 1.0850,
		OwnerSL:    fp(1.0870),
		OwnerTP:    fp(1.0820),
	}

	cases := []struct {
		price float64
		want  BreachReason
	}{
		{1.0875, BreachSLHit},
		{1.0870, BreachSLHit},
		{1.0840, BreachNone},
		{1.0820, BreachTPHit},
		{1.0815, BreachTPHit},
	}

	for _, c := range cases {
		if got := pos.Evaluate(c.price); got != c.want {
			t.Errorf("sell price %.4f: got %q, want %q", c.price, got, c.want)
		}
	}
}

func TestEvaluate_SLWinsWhenBothMatch(t *testing.T) {
	// Degenerate levels where one price satisfies both thresholds: the stop
	// loss must win.
	pos := Position{
		Side:    SideBuy,
		OwnerSL: fp(2650.00),
		OwnerTP: fp(2650.00),
	}
	if got := pos.Evaluate(2650.00); got != BreachSLHit {
		t.Errorf("got %q, want sl_hit when both levels match", got)
	}
}

func TestEvaluate_NilLevels(t *testing.T) {
	if got := (Position{Side: SideBuy}).Evaluate(100); got != BreachNone {
		t.Errorf("no levels: got %q, want none", got)
	}

	tpOnly := Position{Side: SideBuy, OwnerTP: fp(110)}
	if got := tpOnly.Evaluate(90); got != BreachNone {
		t.Errorf("tp-only below tp: got %q, want none", got)
	}
	if got := tpOnly.Evaluate(110); got != BreachTPHit {
		t.Errorf("tp-only at tp: got %q, want tp_hit", got)
	}

	slOnly := Position{Side: SideSell, OwnerSL: fp(105)}
	if got := slOnly.Evaluate(106); got != BreachSLHit {
		t.Errorf("sl-only above sl: got %q, want sl_hit", got)
	}
}

func TestClosedStatusMapping(t *testing.T) {
	cases := []struct {
		reason BreachReason
		want   PositionStatus
	}{
		{BreachSLHit, PositionClosedSL},
		{BreachTPHit, PositionClosedTP},
		{BreachManual, PositionClosedManual},
	}
	for _, c := range cases {
		if got := c.reason.ClosedStatus(); got != c.want {
			t.Errorf("reason %q: got %q, want %q", c.reason, got, c.want)
		}
	}
}
