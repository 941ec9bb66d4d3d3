package celerity

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqlBackend keeps results in three tables created by the embedded goose
// migrations. Timestamps are unix milliseconds; 0 means no expiry.
type sqlBackend struct {
	db       *sql.DB
	postgres bool
	codec    metaCodec
	expires  time.Duration
}

func newSQLBackend(ctx context.Context, cfg BackendConfig, ser Serializer, expires time.Duration, logger Logger) (*sqlBackend, error) {
	driver, dialect := "sqlite", goose.DialectSQLite3
	if cfg.Provider == BackendPostgres {
		driver, dialect = "pgx", goose.DialectPostgres
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Provider, err)
	}
	if cfg.Provider == BackendSQLite {
		// one writer; also keeps a ":memory:" database alive across calls
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
		if cfg.DSN != ":memory:" {
			_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s backend: %w", cfg.Provider, err)
	}
	if err := migrateSQL(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug(ctx, "sql result backend ready", "provider", cfg.Provider)
	return openSQLBackend(db, cfg.Provider == BackendPostgres, ser, expires), nil
}

func migrateSQL(ctx context.Context, db *sql.DB, dialect goose.Dialect) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("result backend migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("result backend migrations: %w", err)
	}
	return nil
}

func openSQLBackend(db *sql.DB, postgres bool, ser Serializer, expires time.Duration) *sqlBackend {
	if ser == nil {
		ser = jsonSerializer{}
	}
	return &sqlBackend{db: db, postgres: postgres, codec: metaCodec{ser: ser}, expires: expires}
}

// rebind rewrites ? placeholders to $n for postgres.
func (b *sqlBackend) rebind(q string) string {
	if !b.postgres {
		return q
	}
	var sb strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *sqlBackend) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).UnixMilli()
}

func (b *sqlBackend) StoreResult(ctx context.Context, m *TaskMeta) error {
	stampDone(m)
	data, err := b.codec.encode(m)
	if err != nil {
		return err
	}
	var done sql.NullInt64
	if m.DateDone != nil {
		done = sql.NullInt64{Int64: m.DateDone.UnixMilli(), Valid: true}
	}
	_, err = b.db.ExecContext(ctx, b.rebind(`INSERT INTO celery_taskmeta (task_id, status, payload, date_done, expires_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (task_id) DO UPDATE SET status = excluded.status, payload = excluded.payload,
date_done = excluded.date_done, expires_at = excluded.expires_at`),
		m.ID, string(m.State), string(data), done, b.expiry(b.expires))
	if err != nil {
		return fmt.Errorf("store result %s: %w", m.ID, err)
	}
	return nil
}

func (b *sqlBackend) GetTaskMeta(ctx context.Context, id string) (*TaskMeta, error) {
	var (
		payload  string
		expireAt int64
	)
	err := b.db.QueryRowContext(ctx, b.rebind(`SELECT payload, expires_at FROM celery_taskmeta WHERE task_id = ?`), id).
		Scan(&payload, &expireAt)
	if errors.Is(err, sql.ErrNoRows) {
		return pendingMeta(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", id, err)
	}
	if expireAt > 0 && time.Now().UnixMilli() > expireAt {
		return pendingMeta(id), nil
	}
	return b.codec.decodeMeta([]byte(payload))
}

func (b *sqlBackend) Forget(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM celery_taskmeta WHERE task_id = ?`), id)
	return err
}

func (b *sqlBackend) SaveGroup(ctx context.Context, id string, ids []string) error {
	data, err := b.codec.encode(ids)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, b.rebind(`INSERT INTO celery_groupmeta (group_id, task_ids, chord_count, expires_at)
VALUES (?, ?, 0, ?)
ON CONFLICT (group_id) DO UPDATE SET task_ids = excluded.task_ids, expires_at = excluded.expires_at`),
		id, string(data), b.expiry(b.expires))
	if err != nil {
		return fmt.Errorf("save group %s: %w", id, err)
	}
	return nil
}

func (b *sqlBackend) RestoreGroup(ctx context.Context, id string) ([]string, error) {
	var payload string
	err := b.db.QueryRowContext(ctx, b.rebind(`SELECT task_ids FROM celery_groupmeta WHERE group_id = ?`), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("restore group %s: %w", id, err)
	}
	return b.codec.decodeIDs([]byte(payload))
}

func (b *sqlBackend) ForgetGroup(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM celery_groupmeta WHERE group_id = ?`), id)
	return err
}

func (b *sqlBackend) IncrChord(ctx context.Context, id string) (int64, error) {
	var n int64
	err := b.db.QueryRowContext(ctx, b.rebind(`UPDATE celery_groupmeta SET chord_count = chord_count + 1 WHERE group_id = ? RETURNING chord_count`), id).
		Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("chord %s: group not saved", id)
	}
	if err != nil {
		return 0, fmt.Errorf("chord %s: %w", id, err)
	}
	return n, nil
}

func (b *sqlBackend) PutWorker(ctx context.Context, info WorkerInfo, ttl time.Duration) error {
	data, err := b.codec.encode(info)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, b.rebind(`INSERT INTO celery_workers (hostname, payload, expires_at) VALUES (?, ?, ?)
ON CONFLICT (hostname) DO UPDATE SET payload = excluded.payload, expires_at = excluded.expires_at`),
		info.Hostname, string(data), b.expiry(ttl))
	return err
}

func (b *sqlBackend) Workers(ctx context.Context) ([]WorkerInfo, error) {
	rows, err := b.db.QueryContext(ctx, b.rebind(`SELECT payload FROM celery_workers WHERE expires_at = 0 OR expires_at > ? ORDER BY hostname`), time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WorkerInfo
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		w, err := b.codec.decodeWorker([]byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (b *sqlBackend) Cleanup(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for _, table := range []string{"celery_taskmeta", "celery_groupmeta", "celery_workers"} {
		res, err := b.db.ExecContext(ctx, b.rebind(`DELETE FROM `+table+` WHERE expires_at > 0 AND expires_at <= ?`), now.UnixMilli())
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

func (b *sqlBackend) Close() error { return b.db.Close() }
