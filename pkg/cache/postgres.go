package cache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type postgresStore struct {
	db      *sql.DB
	maxRows int
}

func openPostgres(ctx context.Context, cfg Config) (Store, error) {
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres cache: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres cache: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate cache schema: %w", err)
	}

	return &postgresStore{db: db, maxRows: cfg.MaxRows}, nil
}

func (s *postgresStore) Get(ctx context.Context, identity, key string, ttl time.Duration) (json.RawMessage, bool, error) {
	var data string
	var cachedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT data, cached_at FROM message_cache WHERE cache_key = $1`,
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

func (s *postgresStore) Set(ctx context.Context, identity, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_cache (cache_key, identity, data, cached_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (cache_key) DO UPDATE SET data = EXCLUDED.data, cached_at = EXCLUDED.cached_at`,
		rowKey(identity, key), identity, string(value), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return s.evict(ctx)
}

func (s *postgresStore) evict(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_cache`).Scan(&count); err != nil {
		return fmt.Errorf("cache count: %w", err)
	}
	if count <= s.maxRows {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM message_cache WHERE cache_key IN
			(SELECT cache_key FROM message_cache ORDER BY cached_at, cache_key LIMIT $1)`,
		count-s.maxRows+s.maxRows/10,
	)
	if err != nil {
		return fmt.Errorf("cache evict: %w", err)
	}
	return nil
}

func (s *postgresStore) Close() error {
	return s.db.Close()
}
