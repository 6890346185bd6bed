package crypto

import (
	"encoding/base64"
	"testing"
)

func TestCanonicalLayout(t *testing.T) {
	got := Canonical("POST", "/api/v1/client/ack", []byte(`{"approval_id":"a1"}`), "dev-1", "n-42", "2026-08-30T12:00:00Z")
	want := `POST|/api/v1/client/ack|{"approval_id":"a1"}|dev-1|n-42|2026-08-30T12:00:00Z`
	if got != want {
		t.Errorf("canonical mismatch:\n got %q\nwant %q", got, want)
	}

	// Bodyless requests leave the body field empty.
	got = Canonical("GET", "/api/v1/client/poll", nil, "dev-1", "n-43", "2026-08-30T12:00:05Z")
	want = "GET|/api/v1/client/poll||dev-1|n-43|2026-08-30T12:00:05Z"
	if got != want {
		t.Errorf("bodyless canonical mismatch:\n got %q\nwant %q", got, want)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	secrets := []string{"s", "a-much-longer-shared-device-secret", "0123456789abcdef"}
	canonicals := []string{
		"",
		"GET|/api/v1/client/poll||d|n|t",
		Canonical("POST", "/p", []byte("body|with|separators"), "d", "n", "t"),
	}

	for _, s := range secrets {
		for _, c := range canonicals {
			sig := Sign(c, []byte(s))
			if !Verify(c, sig, []byte(s)) {
				t.Errorf("verify failed for secret %q canonical %q", s, c)
			}
			if Verify(c, sig, []byte(s+"x")) {
				t.Errorf("verify passed with wrong secret for canonical %q", c)
			}
		}
	}
}

func TestVerifyRejectsBitFlips(t *testing.T) {
	secret := []byte("device-secret")
	c := Canonical("POST", "/api/v1/client/ack", []byte(`{"x":1}`), "dev", "nonce", "ts")
	sig := Sign(c, secret)

	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}

	for i := range raw {
		for bit := 0; bit < 8; bit++ {
			flipped := make([]byte, len(raw))
			copy(flipped, raw)
			flipped[i] ^= 1 << bit
			if Verify(c, base64.StdEncoding.EncodeToString(flipped), secret) {
				t.Fatalf("verify accepted signature with byte %d bit %d flipped", i, bit)
			}
		}
	}
}
