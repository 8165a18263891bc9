package database

import (
	"context"
	"time"
)

// Health runs a trivial probe against the database. Used by the readiness
// endpoint.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var one int
	return c.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}
