package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrMalformedRequest = errors.New("malformed request")
	ErrBadSignature     = errors.New("signature mismatch")
	ErrReplayedNonce    = errors.New("nonce already used")
	ErrStaleTimestamp   = errors.New("timestamp outside freshness window")
	ErrDeviceRevoked    = errors.New("device revoked")
	ErrNotOwner         = errors.New("resource not owned by device account")
	ErrDuplicateAck     = errors.New("duplicate acknowledgement")
	ErrCommandSettled   = errors.New("close command already settled")
	ErrKeyExpired       = errors.New("device key expired or inactive")
	ErrEnvelopeOpen     = errors.New("envelope authentication failed")
	ErrFeedUnavailable  = errors.New("price feed unavailable")
	ErrLockHeld         = errors.New("lock already held")
)
