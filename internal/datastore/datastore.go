// Package datastore owns the shared tenant database: entitlement records,
// auto-reply rules, operator settings, and the contact history used by the
// admin announce feature. One SQLite file, embedded migrations.
package datastore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "wabridge/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type DB struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("datastore: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	d := &DB{db: db, log: log}
	if err := d.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, string(b))
	return err
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// ---- tenants / entitlement ----

// Activate extends (or creates) a tenant's entitlement by the given number
// of days from now if expired, or from the current expiry if still active.
func (d *DB) Activate(ctx context.Context, tenantID string, days int) error {
	if days <= 0 {
		return errors.New("datastore: days must be positive")
	}
	now := time.Now().UnixMilli()
	add := int64(days) * 24 * int64(time.Hour/time.Millisecond)
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO tenants(tenant_id, expires_at) VALUES(?, ? + ?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
		   expires_at = MAX(expires_at, ?) + ?`,
		tenantID, now, add, now, add)
	return err
}

// Revoke removes a tenant's entitlement record entirely.
func (d *DB) Revoke(ctx context.Context, tenantID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM tenants WHERE tenant_id = ?`, tenantID)
	return err
}

// ExpiresAt returns the tenant's entitlement expiry (zero time when the
// tenant has no record).
func (d *DB) ExpiresAt(ctx context.Context, tenantID string) (time.Time, error) {
	var ms int64
	err := d.db.QueryRowContext(ctx,
		`SELECT expires_at FROM tenants WHERE tenant_id = ?`, tenantID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// TenantCount returns the number of tenants with an entitlement record.
func (d *DB) TenantCount(ctx context.Context) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tenants`).Scan(&n)
	return n, err
}

// ExpiredTenants lists tenants whose entitlement lapsed before now.
func (d *DB) ExpiredTenants(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT tenant_id FROM tenants WHERE expires_at < ?`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

// ---- reply rules ----

type ReplyRule struct {
	TenantID string
	Keyword  string
	Response string
}

func (d *DB) AddReplyRule(ctx context.Context, r ReplyRule) error {
	if strings.TrimSpace(r.Keyword) == "" {
		return errors.New("datastore: rule keyword is empty")
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO reply_rules(tenant_id, keyword, response) VALUES(?,?,?)`,
		r.TenantID, r.Keyword, r.Response)
	return err
}

// RemoveReplyRules deletes every rule of the tenant matching the keyword
// case-insensitively and returns the number removed.
func (d *DB) RemoveReplyRules(ctx context.Context, tenantID, keyword string) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM reply_rules WHERE tenant_id = ? AND keyword = ? COLLATE NOCASE`,
		tenantID, keyword)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReplyRules lists the tenant's rules in insertion order.
func (d *DB) ReplyRules(ctx context.Context, tenantID string) ([]ReplyRule, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT tenant_id, keyword, response FROM reply_rules WHERE tenant_id = ? ORDER BY id`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReplyRule
	for rows.Next() {
		var r ReplyRule
		if err := rows.Scan(&r.TenantID, &r.Keyword, &r.Response); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *DB) ReplyRuleCount(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reply_rules WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, err
}

// ---- settings ----

func (d *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

func (d *DB) Setting(ctx context.Context, key string) (string, error) {
	var v string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func (d *DB) DeleteSetting(ctx context.Context, key string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	return err
}

// ---- contact history ----

// TouchContact records that a tenant talked to the control surface.
func (d *DB) TouchContact(ctx context.Context, tenantID string) error {
	now := time.Now().UnixMilli()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO contact_history(tenant_id, first_seen, last_seen) VALUES(?,?,?)
		 ON CONFLICT(tenant_id) DO UPDATE SET last_seen=excluded.last_seen`,
		tenantID, now, now)
	return err
}

// Contacts lists every tenant that ever talked to the control surface.
func (d *DB) Contacts(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT tenant_id FROM contact_history ORDER BY first_seen`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
