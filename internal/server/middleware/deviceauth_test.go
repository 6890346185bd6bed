package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/whoiscaerus/signalrelay/internal/auth"
	"github.com/whoiscaerus/signalrelay/internal/crypto"
	"github.com/whoiscaerus/signalrelay/internal/domain"
)

type stubDeviceStore struct {
	dev domain.Device
}

func (s *stubDeviceStore) Create(context.Context, domain.Device) error { return nil }

func (s *stubDeviceStore) GetByID(_ context.Context, id string) (domain.Device, error) {
	if id != s.dev.ID {
		return domain.Device{}, domain.ErrNotFound
	}
	return s.dev, nil
}

func (s *stubDeviceStore) Revoke(context.Context, string) error { return nil }

func (s *stubDeviceStore) TouchPoll(context.Context, string, time.Time) error { return nil }

func (s *stubDeviceStore) TouchAck(context.Context, string, time.Time) error { return nil }

func (s *stubDeviceStore) ListByAccount(context.Context, string) ([]domain.Device, error) {
	return nil, nil
}

type stubNonceStore struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (s *stubNonceStore) Register(_ context.Context, deviceID, nonce string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	key := deviceID + ":" + nonce
	if s.seen[key] {
		return false, nil
	}
	s.seen[key] = true
	return true, nil
}

var _ domain.DeviceStore = (*stubDeviceStore)(nil)
var _ domain.NonceStore = (*stubNonceStore)(nil)

func newAuthFixture(t *testing.T) (*auth.Authenticator, domain.Device) {
	t.Helper()
	dev := domain.Device{
		ID:        "dev-1",
		AccountID: "acct-1",
		Secret:    "device-secret",
		Active:    true,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := auth.New(&stubDeviceStore{dev: dev}, &stubNonceStore{}, 5*time.Minute, 30*time.Second, logger)
	return a, dev
}

// signRequest attaches valid protocol headers for the given body and nonce.
func signRequest(r *http.Request, dev domain.Device, body []byte, nonce string) {
	ts := time.Now().UTC().Format(time.RFC3339)
	canonical := crypto.Canonical(r.Method, r.URL.Path, body, dev.ID, nonce, ts)
	r.Header.Set(HeaderDeviceID, dev.ID)
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderSignature, crypto.Sign(canonical, []byte(dev.Secret)))
}

func TestDeviceAuthPassesSignedRequest(t *testing.T) {
	a, dev := newAuthFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var gotDevice domain.Device
	var gotBody []byte
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, ok := DeviceFrom(r.Context())
		if !ok {
			t.Fatal("device missing from request context")
		}
		gotDevice = d
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})

	body := []byte(`{"approval_id":"ap-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/client/ack", bytes.NewReader(body))
	signRequest(req, dev, body, "nonce-1")

	rec := httptest.NewRecorder()
	DeviceAuth(a, auth.TouchAck, logger)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotDevice.ID != dev.ID {
		t.Errorf("context device = %q, want %q", gotDevice.ID, dev.ID)
	}
	if !bytes.Equal(gotBody, body) {
		t.Errorf("handler body = %q, want the signed payload", gotBody)
	}
}

func TestDeviceAuthMissingHeadersIsBadRequest(t *testing.T) {
	a, _ := newAuthFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/client/poll", nil)
	rec := httptest.NewRecorder()
	DeviceAuth(a, auth.TouchPoll, logger)(blockedHandler(t)).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDeviceAuthFailureStatuses(t *testing.T) {
	a, dev := newAuthFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mw := DeviceAuth(a, auth.TouchNone, logger)

	cases := []struct {
		name string
		mod  func(r *http.Request, body []byte)
		want int
	}{
		{"unknown device", func(r *http.Request, body []byte) {
			signRequest(r, domain.Device{ID: "ghost", Secret: "x"}, body, "n-u")
		}, http.StatusNotFound},
		{"tampered body", func(r *http.Request, body []byte) {
			signRequest(r, dev, []byte(`{"approval_id":"ap-OTHER"}`), "n-t")
		}, http.StatusUnauthorized},
		{"stale timestamp", func(r *http.Request, body []byte) {
			ts := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
			canonical := crypto.Canonical(r.Method, r.URL.Path, body, dev.ID, "n-s", ts)
			r.Header.Set(HeaderDeviceID, dev.ID)
			r.Header.Set(HeaderNonce, "n-s")
			r.Header.Set(HeaderTimestamp, ts)
			r.Header.Set(HeaderSignature, crypto.Sign(canonical, []byte(dev.Secret)))
		}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := []byte(`{"approval_id":"ap-1"}`)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/client/ack", bytes.NewReader(body))
			tc.mod(req, body)
			rec := httptest.NewRecorder()
			mw(blockedHandler(t)).ServeHTTP(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if tc.want == http.StatusUnauthorized {
				if got := rec.Body.String(); got != `{"error":"authentication failed"}` {
					t.Errorf("body = %s, want the generic rejection", got)
				}
			}
		})
	}
}

func TestDeviceAuthRevokedDeviceIsUnauthorized(t *testing.T) {
	dev := domain.Device{ID: "dev-r", AccountID: "acct-1", Secret: "s", Active: false}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := auth.New(&stubDeviceStore{dev: dev}, &stubNonceStore{}, 5*time.Minute, 30*time.Second, logger)
	mw := DeviceAuth(a, auth.TouchNone, logger)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/client/poll", nil)
	signRequest(req, dev, nil, "n-rv")
	rec := httptest.NewRecorder()
	mw(blockedHandler(t)).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := rec.Body.String(); got != `{"error":"authentication failed"}` {
		t.Errorf("body = %s, want the generic rejection", got)
	}
}

func TestDeviceAuthReplayedNonceRejected(t *testing.T) {
	a, dev := newAuthFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mw := DeviceAuth(a, auth.TouchPoll, logger)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	first := httptest.NewRequest(http.MethodGet, "/api/v1/client/poll", nil)
	signRequest(first, dev, nil, "nonce-replay")
	rec := httptest.NewRecorder()
	mw(ok).ServeHTTP(rec, first)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	replay := httptest.NewRequest(http.MethodGet, "/api/v1/client/poll", nil)
	for _, h := range []string{HeaderDeviceID, HeaderNonce, HeaderTimestamp, HeaderSignature} {
		replay.Header.Set(h, first.Header.Get(h))
	}
	rec = httptest.NewRecorder()
	mw(blockedHandler(t)).ServeHTTP(rec, replay)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay status = %d, want 401", rec.Code)
	}
}

// blockedHandler fails the test if the middleware lets the request through.
func blockedHandler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request reached the handler despite failing authentication")
	})
}
