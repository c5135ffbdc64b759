package ratelimit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Postgres stores windows in the rate_limits table, serializing hits on the
// same key with a row lock.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps db.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Hit implements Store.
func (p *Postgres) Hit(ctx context.Context, key string, now time.Time, window time.Duration, max int) (Decision, error) {
	if err := validate(window, max); err != nil {
		return Decision{}, err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into rate_limits (key, hits, updated_at)
		values ($1, '[]'::jsonb, $2)
		on conflict (key) do nothing
	`, key, now); err != nil {
		return Decision{}, err
	}

	var raw []byte
	if err := tx.QueryRowContext(ctx, `select hits from rate_limits where key = $1 for update`, key).Scan(&raw); err != nil {
		return Decision{}, err
	}
	var hits []int64
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &hits); err != nil {
			return Decision{}, fmt.Errorf("decode hits: %w", err)
		}
	}

	kept, d := slide(hits, now, window, max)
	encoded, err := json.Marshal(kept)
	if err != nil {
		return Decision{}, fmt.Errorf("encode hits: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `update rate_limits set hits = $2, updated_at = $3 where key = $1`, key, encoded, now); err != nil {
		return Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, err
	}
	return d, nil
}

// Purge deletes windows untouched since before cutoff.
func (p *Postgres) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `delete from rate_limits where updated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
