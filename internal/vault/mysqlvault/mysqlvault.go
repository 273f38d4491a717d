// Package mysqlvault implements the remote relational vault backend over a
// shared MySQL database. Writes are gated on the grants the connecting user
// actually holds; a missing INSERT or CREATE grant surfaces as
// vault.ErrWriteDenied so the aggregator can absorb it.
package mysqlvault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-sql-driver/mysql"

	"capstan/internal/keys"
	"capstan/internal/vault"
)

var serviceNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

type grant struct {
	privileges []string
	database   string
	table      string
}

// Vault is a MySQL-backed key store.
type Vault struct {
	name     string
	database string
	noPush   bool
	db       *sql.DB
	grants   []grant
}

// Open connects with a go-sql-driver DSN and reads the connection's grants.
// The connecting user must at least hold SELECT.
func Open(ctx context.Context, name, dsn string, noPush bool) (*Vault, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql vault: %w", err)
	}
	v := &Vault{name: name, database: cfg.DBName, noPush: noPush, db: db}
	v.grants, err = v.loadGrants(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if !v.hasPermission("SELECT", "") {
		_ = db.Close()
		return nil, fmt.Errorf("mysql vault %s: connection has no SELECT grant", name)
	}
	return v, nil
}

func (v *Vault) Name() string     { return v.name }
func (v *Vault) Kind() vault.Kind { return vault.KindMySQL }
func (v *Vault) ReadOnly() bool   { return v.noPush }
func (v *Vault) Close() error     { return v.db.Close() }

var grantPattern = regexp.MustCompile(`^GRANT (.+?) ON (.+?) TO `)

func (v *Vault) loadGrants(ctx context.Context) ([]grant, error) {
	rows, err := v.db.QueryContext(ctx, "SHOW GRANTS")
	if err != nil {
		return nil, fmt.Errorf("show grants: %w", err)
	}
	defer rows.Close()
	var grants []grant
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("scan grant row: %w", err)
		}
		m := grantPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		privs := strings.Split(strings.ReplaceAll(m[1], "ALL PRIVILEGES", "*"), ",")
		for i := range privs {
			privs[i] = strings.ToUpper(strings.TrimSpace(privs[i]))
		}
		location := strings.Split(strings.ReplaceAll(m[2], "`", ""), ".")
		g := grant{privileges: privs, database: location[0]}
		if len(location) > 1 {
			g.table = location[1]
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

func (v *Vault) hasPermission(operation, table string) bool {
	operation = strings.ToUpper(operation)
	for _, g := range v.grants {
		allOps := len(g.privileges) == 1 && g.privileges[0] == "*"
		hasOp := allOps
		for _, p := range g.privileges {
			if p == operation {
				hasOp = true
			}
		}
		if !hasOp {
			continue
		}
		if g.database != "*" && g.database != v.database {
			continue
		}
		if table != "" && g.table != "*" && g.table != table {
			continue
		}
		return true
	}
	return false
}

func serviceTable(service string) (string, error) {
	table := strings.ReplaceAll(strings.TrimSpace(service), "-", "_")
	if !serviceNamePattern.MatchString(table) {
		return "", fmt.Errorf("invalid service tag %q", service)
	}
	return table, nil
}

func (v *Vault) hasTable(ctx context.Context, table string) (bool, error) {
	var count int
	err := v.db.QueryRowContext(ctx,
		`SELECT COUNT(TABLE_NAME) FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`,
		v.database, table,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return count > 0, nil
}

func (v *Vault) createTable(ctx context.Context, table string) error {
	if !v.hasPermission("CREATE", "") {
		return fmt.Errorf("%w: no CREATE grant for table %s", vault.ErrWriteDenied, table)
	}
	_, err := v.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
			id INT AUTO_INCREMENT PRIMARY KEY,
			kid VARCHAR(64) NOT NULL,
			key_ VARCHAR(64) NOT NULL,
			UNIQUE(kid, key_)
		)`, table))
	if err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

func (v *Vault) Key(ctx context.Context, service string, kid keys.KeyID) (keys.ContentKey, error) {
	table, err := serviceTable(service)
	if err != nil {
		return "", err
	}
	exists, err := v.hasTable(ctx, table)
	if err != nil || !exists {
		return "", err
	}
	var raw string
	err = v.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT key_ FROM %s WHERE kid = ? AND key_ != ? LIMIT 1", table),
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
	exists, err := v.hasTable(ctx, table)
	if err != nil {
		return nil, err
	}
	out := make(map[keys.KeyID]keys.ContentKey)
	if !exists {
		return out, nil
	}
	rows, err := v.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT kid, key_ FROM %s WHERE key_ != ?", table),
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
	if !v.hasPermission("INSERT", table) {
		return false, fmt.Errorf("%w: no INSERT grant", vault.ErrWriteDenied)
	}
	exists, err := v.hasTable(ctx, table)
	if err != nil {
		return false, err
	}
	if !exists {
		if err := v.createTable(ctx, table); err != nil {
			return false, err
		}
	}
	res, err := v.db.ExecContext(ctx, fmt.Sprintf(
		"INSERT IGNORE INTO %s (kid, key_) VALUES (?, ?)", table),
		kid.Hex(), key.String())
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
	if !v.hasPermission("INSERT", table) {
		return 0, fmt.Errorf("%w: no INSERT grant", vault.ErrWriteDenied)
	}
	exists, err := v.hasTable(ctx, table)
	if err != nil {
		return 0, err
	}
	if !exists {
		if err := v.createTable(ctx, table); err != nil {
			return 0, err
		}
	}
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()
	inserted := 0
	for kid, key := range batch {
		if key.IsZero() {
			continue
		}
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			"INSERT IGNORE INTO %s (kid, key_) VALUES (?, ?)", table),
			kid.Hex(), key.String())
		if err != nil {
			return 0, fmt.Errorf("insert key: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return inserted, nil
}

func (v *Vault) Services(ctx context.Context) ([]string, error) {
	rows, err := v.db.QueryContext(ctx, "SHOW TABLES")
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()
	var services []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}
		services = append(services, name)
	}
	return services, rows.Err()
}

var _ vault.Vault = (*Vault)(nil)
