package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema defines the rate_limit_rules table. Rows override the built-in
// DefaultLimits per category; categories without a row (or with enabled=0)
// keep their defaults. Any write to the table bumps PRAGMA data_version,
// which a watch.Watcher can use to trigger ReloadRules without a restart.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limit_rules (
    category   TEXT PRIMARY KEY,
    burst      INTEGER NOT NULL DEFAULT 0,
    per_minute INTEGER NOT NULL DEFAULT 0,
    per_hour   INTEGER NOT NULL DEFAULT 0,
    enabled    INTEGER NOT NULL DEFAULT 1 CHECK(enabled IN (0, 1)),
    updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
`

// Init creates the rate_limit_rules table if it doesn't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// ReloadRules replaces the limit table with DefaultLimits merged with the
// enabled rows of rate_limit_rules. Intended to run under a watch.Watcher:
//
//	w := watch.New(db, watch.Options{Interval: time.Second})
//	go w.OnChange(ctx, func() error { return limiter.ReloadRules(ctx, db) })
func (rl *Limiter) ReloadRules(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx,
		`SELECT category, burst, per_minute, per_hour FROM rate_limit_rules WHERE enabled = 1`)
	if err != nil {
		return fmt.Errorf("ratelimit: query rules: %w", err)
	}
	defer rows.Close()

	merged := make(map[Category]Limits, len(DefaultLimits))
	for cat, l := range DefaultLimits {
		merged[cat] = l
	}

	loaded := 0
	for rows.Next() {
		var cat string
		var l Limits
		if err := rows.Scan(&cat, &l.Burst, &l.PerMinute, &l.PerHour); err != nil {
			return fmt.Errorf("ratelimit: scan rule: %w", err)
		}
		merged[Category(cat)] = l
		loaded++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ratelimit: rules rows: %w", err)
	}

	rl.mu.Lock()
	rl.rules = merged
	rl.mu.Unlock()

	rl.logger.Info("ratelimit: rules reloaded", "overrides", loaded)
	return nil
}
