// Package cache stores bounded, TTL-checked results of idempotent mailbox
// reads. Rows are keyed by identity plus an operation fingerprint; expiry is
// enforced when a row is read, not by background jobs.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type Config struct {
	Driver      string // "sqlite" or "postgres"
	Path        string // sqlite file path (":memory:" for tests)
	PostgresDSN string
	MaxRows     int
}

// Store is the persisted cache contract. Get returns ok=false for both a
// missing row and an expired one.
type Store interface {
	Get(ctx context.Context, identity, key string, ttl time.Duration) (json.RawMessage, bool, error)
	Set(ctx context.Context, identity, key string, value json.RawMessage) error
	Close() error
}

// Open selects a driver from the config.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 1000
	}
	switch cfg.Driver {
	case "", "sqlite":
		return openSQLite(ctx, cfg)
	case "postgres":
		return openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}

// rowKey builds the stored primary key. The identity prefix keeps one user's
// fingerprints from colliding with another's.
func rowKey(identity, key string) string {
	return identity + ":" + key
}
