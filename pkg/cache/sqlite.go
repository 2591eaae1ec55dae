package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS message_cache (
	cache_key TEXT PRIMARY KEY,
	identity  TEXT NOT NULL,
	data      TEXT NOT NULL,
	cached_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_identity_cached_at ON message_cache(identity, cached_at);
`

type sqliteStore struct {
	db      *sql.DB
	maxRows int
}

func openSQLite(ctx context.Context, cfg Config) (Store, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent sessions.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite cache schema: %w", err)
	}
	return &sqliteStore{db: db, maxRows: cfg.MaxRows}, nil
}

func (s *sqliteStore) Get(ctx context.Context, identity, key string, ttl time.Duration) (json.RawMessage, bool, error) {
	var data string
	var cachedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT data, cached_at FROM message_cache WHERE cache_key = ?`,
		rowKey(identity, key),
	).Scan(&data, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	if time.Since(time.Unix(cachedAt, 0)) >= ttl {
		return nil, false, nil
	}
	return json.RawMessage(data), true, nil
}

func (s *sqliteStore) Set(ctx context.Context, identity, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO message_cache (cache_key, identity, data, cached_at) VALUES (?, ?, ?, ?)`,
		rowKey(identity, key), identity, string(value), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return s.evict(ctx)
}

// evict drops the oldest rows once the table grows past the configured bound.
func (s *sqliteStore) evict(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_cache`).Scan(&count); err != nil {
		return fmt.Errorf("cache count: %w", err)
	}
	if count <= s.maxRows {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM message_cache WHERE cache_key IN
			(SELECT cache_key FROM message_cache ORDER BY cached_at, cache_key LIMIT ?)`,
		count-s.maxRows+s.maxRows/10,
	)
	if err != nil {
		return fmt.Errorf("cache evict: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
