package intent

import (
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// cache mirrors the projection into sqlite so operators can inspect
// intents with ordinary tooling. The event log stays the source of
// truth; the cache is rebuilt from it on every startup.
type cache struct {
	db *sql.DB
}

func openCache(path string) (*cache, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open intent cache: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate intent cache: %w", err)
	}
	return &cache{db: db}, nil
}

// rebuild replaces the cache contents with the given rows.
func (c *cache) rebuild(intents []*Intent) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM intents"); err != nil {
		return fmt.Errorf("clear intents: %w", err)
	}
	for _, in := range intents {
		if err := upsertTx(tx, in); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// upsert writes one row.
func (c *cache) upsert(in *Intent) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()
	if err := upsertTx(tx, in); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertTx(tx *sql.Tx, in *Intent) error {
	_, err := tx.Exec(`
		INSERT INTO intents (
			intent_id, parent_session_id, status, prompt, cron, time_zone,
			run_at, next_run_at, last_fired_at, run_count, max_runs,
			consecutive_errors, last_error, cancel_reason, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(intent_id) DO UPDATE SET
			parent_session_id = excluded.parent_session_id,
			status = excluded.status,
			prompt = excluded.prompt,
			cron = excluded.cron,
			time_zone = excluded.time_zone,
			run_at = excluded.run_at,
			next_run_at = excluded.next_run_at,
			last_fired_at = excluded.last_fired_at,
			run_count = excluded.run_count,
			max_runs = excluded.max_runs,
			consecutive_errors = excluded.consecutive_errors,
			last_error = excluded.last_error,
			cancel_reason = excluded.cancel_reason,
			updated_at = excluded.updated_at`,
		in.ID, in.ParentSessionID, string(in.Status), in.Prompt, in.Cron, in.TimeZone,
		timePtr(in.RunAt), timePtr(in.NextRunAt), timePtr(in.LastFiredAt),
		in.RunCount, in.MaxRuns, in.ConsecutiveErrors, in.LastError, in.CancelReason,
		in.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert intent %s: %w", in.ID, err)
	}
	return nil
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// count returns the cached row count, for tests and status output.
func (c *cache) count() (int, error) {
	var n int
	err := c.db.QueryRow("SELECT COUNT(*) FROM intents").Scan(&n)
	return n, err
}

func (c *cache) Close() error {
	return c.db.Close()
}
