// Package ephemeral wraps the Redis client used as the fast tier: hot
// session documents, account capacity counters, breaker checkpoints, and the
// per-tenant progress event streams with their pub/sub fan-out channels.
//
// The key layout is centralized here so every consumer derives keys the same
// way.
package ephemeral

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout.
const (
	sessionKeyFmt   = "session:%s"
	threadKeyFmt    = "thread:%s:%s:%s"
	counterKeyFmt   = "acct:%s:counters:%d" // per-minute window bucket
	breakerKeyFmt   = "acct:%s:breaker"
	eventSeqKeyFmt  = "events:%s:seq"
	eventStreamFmt  = "events:%s"
	eventChannelFmt = "events.tenant.%s"
)

// SessionKey returns the hot-session key for a session ID.
func SessionKey(sessionID string) string { return fmt.Sprintf(sessionKeyFmt, sessionID) }

// ThreadKey returns the secondary lookup key mapping an external thread to a
// session ID.
func ThreadKey(tenantID, source, threadKey string) string {
	return fmt.Sprintf(threadKeyFmt, tenantID, source, threadKey)
}

// CounterKey returns the capacity counter key for an account's minute bucket.
func CounterKey(accountID string, minute int64) string {
	return fmt.Sprintf(counterKeyFmt, accountID, minute)
}

// BreakerKey returns the breaker checkpoint key for an account.
func BreakerKey(accountID string) string { return fmt.Sprintf(breakerKeyFmt, accountID) }

// EventSeqKey returns the per-tenant monotonic event sequence key.
func EventSeqKey(tenantID string) string { return fmt.Sprintf(eventSeqKeyFmt, tenantID) }

// EventStream returns the per-tenant persistent event stream key.
func EventStream(tenantID string) string { return fmt.Sprintf(eventStreamFmt, tenantID) }

// EventChannel returns the per-tenant pub/sub channel name.
func EventChannel(tenantID string) string { return fmt.Sprintf(eventChannelFmt, tenantID) }

// Client wraps the redis client with config and health probing.
type Client struct {
	rdb *redis.Client
}

// NewClientFromEnv connects using REDIS_URL (default localhost) and verifies
// connectivity with a ping.
func NewClientFromEnv(ctx context.Context) (*Client, error) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// NewClient wraps an existing redis client (used by tests with miniature
// servers or fakes).
func NewClient(rdb *redis.Client) *Client { return &Client{rdb: rdb} }

// Redis returns the underlying client.
func (c *Client) Redis() *redis.Client { return c.rdb }

// Health runs a trivial probe. Used by the readiness endpoint.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection.
func (c *Client) Close() error { return c.rdb.Close() }
