package postgres

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	migrationsDir = "sql/migrations"
	// schemaLockKey — ключ pg_advisory_lock, сериализующий миграции между репликами витрины.
	schemaLockKey = int64(0x5f0c4ec7)

	schemaTableDDL = `
CREATE TABLE IF NOT EXISTS storefront_schema_migrations (
    version    BIGINT PRIMARY KEY,
    name       TEXT NOT NULL,
    checksum   TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	schemaOpTimeout = 5 * time.Second
)

// ErrMigrationDrift — применённая миграция отличается от встроенного файла.
var ErrMigrationDrift = errors.New("applied migration differs from embedded file")

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	migrationFileName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)
)

// SchemaStatus описывает состояние схемы витрины.
type SchemaStatus struct {
	Version int64
	Applied int
	Pending []string
}

// migration — пара up/down скриптов одной версии схемы.
type migration struct {
	Version int64
	Name    string
	UpSQL   string
	DownSQL string
}

func (m migration) label() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// checksum считается по up-скрипту: именно он определяет форму схемы.
func (m migration) checksum() string {
	sum := sha256.Sum256([]byte(m.UpSQL))
	return hex.EncodeToString(sum[:])
}

type appliedMigration struct {
	version  int64
	checksum string
}

// MigrateUp применяет миграции по возрастанию версии.
// steps=0 применяет все ожидающие.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.withSchemaLock(ctx, func(conn *sql.Conn, migrations []migration) error {
		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return err
		}
		if err := verifyChecksums(migrations, applied); err != nil {
			return err
		}

		done := 0
		for _, m := range migrations {
			if _, ok := applied[m.Version]; ok {
				continue
			}
			if err := runMigration(ctx, conn, m, true); err != nil {
				return err
			}
			done++
			if steps > 0 && done >= steps {
				break
			}
		}
		return nil
	})
}

// MigrateDown откатывает последние применённые миграции. steps<=0 откатывает одну.
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.withSchemaLock(ctx, func(conn *sql.Conn, migrations []migration) error {
		applied, err := appliedMigrations(ctx, conn)
		if err != nil {
			return err
		}

		versions := make([]int64, 0, len(applied))
		for version := range applied {
			versions = append(versions, version)
		}
		slices.Sort(versions)
		slices.Reverse(versions)
		if len(versions) > steps {
			versions = versions[:steps]
		}

		for _, version := range versions {
			idx := slices.IndexFunc(migrations, func(m migration) bool { return m.Version == version })
			if idx < 0 {
				return fmt.Errorf("cannot roll back unknown schema version %d", version)
			}
			if err := runMigration(ctx, conn, migrations[idx], false); err != nil {
				return err
			}
		}
		return nil
	})
}

// SchemaStatus возвращает текущую версию схемы и список ещё не применённых миграций.
func (s *Store) SchemaStatus(ctx context.Context) (SchemaStatus, error) {
	if s == nil || s.db == nil {
		return SchemaStatus{}, errors.New("postgres store is not initialized")
	}

	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return SchemaStatus{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, schemaOpTimeout)
	defer cancel()

	conn, err := s.db.Conn(queryCtx)
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(queryCtx, schemaTableDDL); err != nil {
		return SchemaStatus{}, fmt.Errorf("ensure schema table: %w", err)
	}
	applied, err := appliedMigrations(queryCtx, conn)
	if err != nil {
		return SchemaStatus{}, err
	}

	status := SchemaStatus{Applied: len(applied)}
	for version := range applied {
		status.Version = max(status.Version, version)
	}
	for _, m := range migrations {
		if _, ok := applied[m.Version]; !ok {
			status.Pending = append(status.Pending, m.label())
		}
	}
	return status, nil
}

// withSchemaLock выполняет fn на выделенном соединении под advisory lock.
func (s *Store) withSchemaLock(ctx context.Context, fn func(*sql.Conn, []migration) error) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store is not initialized")
	}

	migrations, err := loadMigrations(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, schemaOpTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", schemaLockKey)
	}()

	if _, err := conn.ExecContext(ctx, schemaTableDDL); err != nil {
		return fmt.Errorf("ensure schema table: %w", err)
	}
	return fn(conn, migrations)
}

// runMigration применяет (up=true) или откатывает миграцию вместе с записью в журнале схемы.
func runMigration(ctx context.Context, conn *sql.Conn, m migration, up bool) (err error) {
	direction, script := "down", m.DownSQL
	if up {
		direction, script = "up", m.UpSQL
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s migration %s: %w", direction, m.label(), err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("execute %s migration %s: %w", direction, m.label(), err)
	}

	if up {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO storefront_schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
			m.Version, m.Name, m.checksum())
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM storefront_schema_migrations WHERE version = $1`, m.Version)
	}
	if err != nil {
		return fmt.Errorf("record %s migration %s: %w", direction, m.label(), err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s migration %s: %w", direction, m.label(), err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, conn *sql.Conn) (map[int64]appliedMigration, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM storefront_schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]appliedMigration)
	for rows.Next() {
		var m appliedMigration
		if err := rows.Scan(&m.version, &m.checksum); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[m.version] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

func verifyChecksums(migrations []migration, applied map[int64]appliedMigration) error {
	for _, m := range migrations {
		record, ok := applied[m.Version]
		if !ok {
			continue
		}
		if record.checksum != m.checksum() {
			return fmt.Errorf("%w: %s", ErrMigrationDrift, m.label())
		}
	}
	return nil
}

// loadMigrations читает пары NNNN_name.{up,down}.sql и возвращает их по возрастанию версии.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[int64]*migration)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		parts := migrationFileName.FindStringSubmatch(entry.Name())
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", entry.Name())
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version from %s: %w", entry.Name(), err)
		}

		raw, err := fs.ReadFile(fsys, path.Join(migrationsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		script := strings.TrimSpace(string(raw))
		if script == "" {
			return nil, fmt.Errorf("migration file is empty: %s", entry.Name())
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{Version: version, Name: parts[2]}
			byVersion[version] = m
		}
		if m.Name != parts[2] {
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, m.Name, parts[2])
		}

		target := &m.DownSQL
		if parts[3] == "up" {
			target = &m.UpSQL
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", parts[3], version)
		}
		*target = script
	}
	if len(byVersion) == 0 {
		return nil, errors.New("no migration files found")
	}

	migrations := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" || m.DownSQL == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m.label())
		}
		migrations = append(migrations, *m)
	}
	slices.SortFunc(migrations, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return migrations, nil
}
