package crypto

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/whoiscaerus/signalrelay/internal/domain"
)

func testKey(t *testing.T, tag string) []byte {
	t.Helper()
	km := NewKeyManager([]byte("master-secret"), nil, nil, 0, discardLogger())
	return km.Derive("dev-1", tag)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(t, "2026-08-30")

	payloads := []any{
		map[string]any{"sl": 2645.0, "tp": 2670.0},
		domain.HiddenLevels{StopLoss: fp(1.0870), TakeProfit: fp(1.0820), Strategy: "london-breakout"},
		[]int{1, 2, 3},
		"just a string",
	}

	for _, p := range payloads {
		plain, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}

		env, err := Seal(key, plain, []byte("dev-1"))
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		if len(env.Nonce) != gcmNonceLen {
			t.Fatalf("nonce length %d, want %d", len(env.Nonce), gcmNonceLen)
		}

		got, err := Open(key, env, []byte("dev-1"))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if !bytes.Equal(got, plain) {
			t.Errorf("round trip mismatch: got %s want %s", got, plain)
		}
	}
}

func TestOpenRejectsAADMismatch(t *testing.T) {
	key := testKey(t, "2026-08-30")
	env, err := Seal(key, []byte(`{"sl":1}`), []byte("dev-1"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := Open(key, env, []byte("dev-2")); !errors.Is(err, domain.ErrEnvelopeOpen) {
		t.Errorf("aad mismatch: got %v, want ErrEnvelopeOpen", err)
	}

	// An attacker swapping the bound aad to match their presentation still
	// fails the authenticated decrypt.
	forged := env
	forged.AAD = []byte("dev-2")
	if _, err := Open(key, forged, []byte("dev-2")); !errors.Is(err, domain.ErrEnvelopeOpen) {
		t.Errorf("forged aad: got %v, want ErrEnvelopeOpen", err)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key := testKey(t, "2026-08-30")
	env, err := Seal(key, []byte(`{"sl":2645.0,"tp":2670.0}`), []byte("dev-1"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	for i := range env.Ciphertext {
		tampered := env
		tampered.Ciphertext = make([]byte, len(env.Ciphertext))
		copy(tampered.Ciphertext, env.Ciphertext)
		tampered.Ciphertext[i] ^= 0x01

		if _, err := Open(key, tampered, []byte("dev-1")); !errors.Is(err, domain.ErrEnvelopeOpen) {
			t.Fatalf("tampered byte %d: got %v, want ErrEnvelopeOpen", i, err)
		}
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	env, err := Seal(testKey(t, "2026-08-30"), []byte("payload"), []byte("dev-1"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	// A key derived for a different day must not open yesterday's envelope.
	if _, err := Open(testKey(t, "2026-08-31"), env, []byte("dev-1")); !errors.Is(err, domain.ErrEnvelopeOpen) {
		t.Errorf("wrong key: got %v, want ErrEnvelopeOpen", err)
	}
}

func TestSealRejectsBadKeyLength(t *testing.T) {
	if _, err := Seal([]byte("short"), []byte("p"), nil); err == nil {
		t.Error("seal accepted a non-32-byte key")
	}
}

func fp(v float64) *float64 { return &v }
