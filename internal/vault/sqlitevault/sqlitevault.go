// Package sqlitevault implements the embedded-database vault backend on top
// of modernc.org/sqlite. Each service gets its own table, created on the
// first insert for that service.
package sqlitevault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"capstan/internal/keys"
	"capstan/internal/vault"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

var serviceNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Vault is a local sqlite-backed key store.
type Vault struct {
	name   string
	path   string
	noPush bool
	db     *sql.DB
}

// Open opens or creates the database file at path.
func Open(name, path string, noPush bool) (*Vault, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite vault: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	return &Vault{name: name, path: path, noPush: noPush, db: db}, nil
}

func (v *Vault) Name() string     { return v.name }
func (v *Vault) Kind() vault.Kind { return vault.KindSQLite }
func (v *Vault) ReadOnly() bool   { return v.noPush }
func (v *Vault) Close() error     { return v.db.Close() }

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func serviceTable(service string) (string, error) {
	table := strings.ReplaceAll(strings.TrimSpace(service), "-", "_")
	if !serviceNamePattern.MatchString(table) {
		return "", fmt.Errorf("invalid service tag %q", service)
	}
	return table, nil
}

func (v *Vault) tableExists(ctx context.Context, table string) (bool, error) {
	var count int
	err := v.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return count > 0, nil
}

func (v *Vault) ensureTable(ctx context.Context, table string) error {
	return retryOnBusy(ctx, func() error {
		_, err := v.db.ExecContext(ctx, fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				kid TEXT NOT NULL COLLATE NOCASE,
				key_ TEXT NOT NULL COLLATE NOCASE,
				UNIQUE(kid, key_)
			)`, table))
		return err
	})
}

func (v *Vault) Key(ctx context.Context, service string, kid keys.KeyID) (keys.ContentKey, error) {
	table, err := serviceTable(service)
	if err != nil {
		return "", err
	}
	exists, err := v.tableExists(ctx, table)
	if err != nil || !exists {
		return "", err
	}
	var raw string
	err = v.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT key_ FROM %s WHERE kid = ? AND key_ != ? LIMIT 1`, table),
		kid.Hex(), keys.ZeroContentKey.String(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup key: %w", err)
	}
	key, err := keys.ParseContentKey(raw)
	if err != nil {
		return "", fmt.Errorf("stored key for %s is malformed: %w", kid, err)
	}
	return key, nil
}

func (v *Vault) Keys(ctx context.Context, service string) (map[keys.KeyID]keys.ContentKey, error) {
	table, err := serviceTable(service)
	if err != nil {
		return nil, err
	}
	exists, err := v.tableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make(map[keys.KeyID]keys.ContentKey)
	if !exists {
		return out, nil
	}
	rows, err := v.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT kid, key_ FROM %s WHERE key_ != ?`, table),
		keys.ZeroContentKey.String())
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rawKID, rawKey string
		if err := rows.Scan(&rawKID, &rawKey); err != nil {
			return nil, fmt.Errorf("scan key row: %w", err)
		}
		kid, err := keys.ParseKeyID(rawKID)
		if err != nil {
			continue
		}
		key, err := keys.ParseContentKey(rawKey)
		if err != nil {
			continue
		}
		out[kid] = key
	}
	return out, rows.Err()
}

func (v *Vault) AddKey(ctx context.Context, service string, kid keys.KeyID, key keys.ContentKey) (bool, error) {
	if key.IsZero() {
		return false, vault.ErrZeroKey
	}
	table, err := serviceTable(service)
	if err != nil {
		return false, err
	}
	if err := v.ensureTable(ctx, table); err != nil {
		return false, fmt.Errorf("create table %s: %w", table, err)
	}
	var res sql.Result
	err = retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = v.db.ExecContext(ctx, fmt.Sprintf(
			`INSERT OR IGNORE INTO %s (kid, key_) VALUES (?, ?)`, table),
			kid.Hex(), key.String())
		return execErr
	})
	if err != nil {
		return false, fmt.Errorf("insert key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (v *Vault) AddKeys(ctx context.Context, service string, batch map[keys.KeyID]keys.ContentKey) (int, error) {
	table, err := serviceTable(service)
	if err != nil {
		return 0, err
	}
	if err := v.ensureTable(ctx, table); err != nil {
		return 0, fmt.Errorf("create table %s: %w", table, err)
	}
	inserted := 0
	err = retryOnBusy(ctx, func() error {
		tx, txErr := v.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback()
		inserted = 0
		for kid, key := range batch {
			if key.IsZero() {
				continue
			}
			res, execErr := tx.ExecContext(ctx, fmt.Sprintf(
				`INSERT OR IGNORE INTO %s (kid, key_) VALUES (?, ?)`, table),
				kid.Hex(), key.String())
			if execErr != nil {
				return execErr
			}
			if affected, _ := res.RowsAffected(); affected > 0 {
				inserted++
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, fmt.Errorf("insert keys: %w", err)
	}
	return inserted, nil
}

func (v *Vault) Services(ctx context.Context) ([]string, error) {
	rows, err := v.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()
	var services []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan service row: %w", err)
		}
		services = append(services, name)
	}
	return services, rows.Err()
}

var _ vault.Vault = (*Vault)(nil)
