package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/whoiscaerus/signalrelay/internal/domain"
)

// NonceStore implements domain.NonceStore using Redis SET NX with a TTL.
// The existence of a key is the replay-detection signal: SETNX makes the
// check-and-record atomic, so two simultaneous requests bearing the same
// (device, nonce) pair can never both pass.
type NonceStore struct {
	rdb *redis.Client
}

// NewNonceStore creates a NonceStore backed by the given Client.
func NewNonceStore(c *Client) *NonceStore {
	return &NonceStore{rdb: c.Underlying()}
}

func nonceKey(deviceID, nonce string) string {
	return "nonce:" + deviceID + ":" + nonce
}

// Register records the (device, nonce) pair with the given TTL. It returns
// false when the pair was already present, meaning the request is a replay.
func (ns *NonceStore) Register(ctx context.Context, deviceID, nonce string, ttl time.Duration) (bool, error) {
	ok, err := ns.rdb.SetNX(ctx, nonceKey(deviceID, nonce), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: register nonce for device %s: %w", deviceID, err)
	}
	return ok, nil
}

// Compile-time interface check.
var _ domain.NonceStore = (*NonceStore)(nil)
