package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/whoiscaerus/signalrelay/internal/auth"
	"github.com/whoiscaerus/signalrelay/internal/domain"
)

// maxDeviceBody bounds how much of a device request body is read for
// signature verification.
const maxDeviceBody = 1 << 20

// Protocol headers carrying the device authentication material.
const (
	HeaderDeviceID  = "X-Device-Id"
	HeaderNonce     = "X-Nonce"
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

type deviceCtxKey struct{}

// DeviceFrom returns the authenticated device stored by DeviceAuth.
func DeviceFrom(ctx context.Context) (domain.Device, bool) {
	dev, ok := ctx.Value(deviceCtxKey{}).(domain.Device)
	return dev, ok
}

// WithDevice returns a context carrying dev as the authenticated device.
func WithDevice(ctx context.Context, dev domain.Device) context.Context {
	return context.WithValue(ctx, deviceCtxKey{}, dev)
}

// DeviceAuth returns middleware that runs the full device authentication
// pipeline on every request: protocol headers, device lookup, timestamp
// freshness, nonce replay, and signature over the exact bytes received.
// The body is buffered so the downstream handler sees the same payload that
// was verified. On success the device is stored on the request context.
func DeviceAuth(a *auth.Authenticator, touch auth.Touch, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxDeviceBody))
			if err != nil {
				writeAuthError(w, http.StatusBadRequest, "unreadable body")
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			dev, err := a.Authenticate(r.Context(), auth.Request{
				Method:    r.Method,
				Path:      r.URL.Path,
				Body:      body,
				DeviceID:  r.Header.Get(HeaderDeviceID),
				Nonce:     r.Header.Get(HeaderNonce),
				Timestamp: r.Header.Get(HeaderTimestamp),
				Signature: r.Header.Get(HeaderSignature),
			}, touch)
			if err != nil {
				logger.WarnContext(r.Context(), "device authentication rejected",
					slog.String("device_id", r.Header.Get(HeaderDeviceID)),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				status, msg := authStatus(err)
				writeAuthError(w, status, msg)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithDevice(r.Context(), dev)))
		})
	}
}

// authStatus maps an authentication failure to its response. Malformed
// headers and out-of-window timestamps are the caller's to fix (400), an
// unknown device id is 404, and the credential failures (revoked device,
// replayed nonce, bad signature) collapse into the same generic 401.
func authStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrMalformedRequest):
		return http.StatusBadRequest, "missing or malformed protocol headers"
	case errors.Is(err, domain.ErrStaleTimestamp):
		return http.StatusBadRequest, "timestamp outside allowed window"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "unknown device"
	case errors.Is(err, domain.ErrDeviceRevoked),
		errors.Is(err, domain.ErrBadSignature),
		errors.Is(err, domain.ErrReplayedNonce):
		return http.StatusUnauthorized, "authentication failed"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
