// Package fencing coordinates which replica is allowed to mint the next
// signed fencing token (pkg/sync.FencingToken) when several devices for
// the same actor might sync concurrently against a shared relay. It is a
// distributed lease, not a replacement for pkg/sync's self-contained,
// offline-verifiable tokens: a vault with no relay never needs this
// package at all.
package fencing

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// leaseScript atomically extends a lease only if the caller already holds
// it, or claims it if unheld/expired, in one Lua script so the check and
// the SET are atomic on the Redis side.
var leaseScript = redis.NewScript(`
local key = KEYS[1]
local holder = ARGV[1]
local ttl_ms = tonumber(ARGV[2])

local current = redis.call("GET", key)
if current == false or current == holder then
    redis.call("SET", key, holder, "PX", ttl_ms)
    return 1
end
return 0
`)

// Coordinator grants exclusive, time-bounded leases to sync actors over a
// Redis instance shared by every device syncing through the same relay.
type Coordinator struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCoordinator returns a Coordinator using client, leasing for ttl
// (renew well before it expires; a crashed holder's lease self-clears).
func NewCoordinator(client *redis.Client, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Coordinator{client: client, ttl: ttl}
}

func leaseKey(actor string) string {
	return fmt.Sprintf("provara:fencing:%s", actor)
}

// Acquire claims or renews actor's sync lease under holderID. It returns
// false (with no error) if a different holder currently owns the lease.
func (c *Coordinator) Acquire(ctx context.Context, actor, holderID string) (bool, error) {
	res, err := leaseScript.Run(ctx, c.client, []string{leaseKey(actor)}, holderID, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("fencing: acquire lease: %w", err)
	}
	return res == 1, nil
}

// Release drops holderID's lease on actor, but only if it still holds it
// (a lease that already expired or was taken by someone else is left
// untouched rather than forcibly cleared).
func (c *Coordinator) Release(ctx context.Context, actor, holderID string) error {
	current, err := c.client.Get(ctx, leaseKey(actor)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fencing: read lease: %w", err)
	}
	if current != holderID {
		return nil
	}
	if err := c.client.Del(ctx, leaseKey(actor)).Err(); err != nil {
		return fmt.Errorf("fencing: release lease: %w", err)
	}
	return nil
}

// Holder returns the current lease holder for actor, or "" if unleased.
func (c *Coordinator) Holder(ctx context.Context, actor string) (string, error) {
	holder, err := c.client.Get(ctx, leaseKey(actor)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fencing: read lease: %w", err)
	}
	return holder, nil
}
