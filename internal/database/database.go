package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"streamflix/pkg/models"

	"github.com/avast/retry-go/v4"
	_ "github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Database wraps a *sql.DB holding the remote library records and the small
// key/value table used by the per-device library endpoints. It is safe for
// concurrent use because the underlying *sql.DB is concurrency-safe.
type Database struct {
	conn     *sql.DB
	logger   *logrus.Logger
	postgres bool
}

// IsPostgresDSN reports whether dsn selects PostgreSQL rather than SQLite.
func IsPostgresDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://")
}

// NewDatabase opens the database named by dsn and ensures all tables exist.
// A postgres:// DSN uses PostgreSQL; anything else is a SQLite file path,
// opened with WAL and the usual performance pragmas. Caller should Close()
// it when finished.
func NewDatabase(dsn string, maxConns int, logger *logrus.Logger) (*Database, error) {
	if maxConns < 1 {
		maxConns = 1
	}

	postgres := IsPostgresDSN(dsn)
	driver, source := "sqlite3", dsn+"?cache=shared&mode=rwc"
	if postgres {
		driver, source = "postgres", dsn
	}

	conn, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(15 * time.Minute)

	db := &Database{
		conn:     conn,
		logger:   logger,
		postgres: postgres,
	}

	if !postgres {
		pragmas := []string{
			"PRAGMA journal_mode=WAL;",
			"PRAGMA synchronous=NORMAL;",
			"PRAGMA cache_size=2000;",
			"PRAGMA temp_store=memory;",
			"PRAGMA busy_timeout=5000;",
		}
		for _, pragma := range pragmas {
			if _, err := conn.Exec(pragma); err != nil {
				logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
			}
		}
	}

	if err := db.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"driver": driver,
	}).Info("Database initialized successfully")
	return db, nil
}

// createTables creates tables and indices if they do not already exist, then
// executes any migrations. This is idempotent and safe to call multiple times.
func (db *Database) createTables() error {
	timestamp := "DATETIME"
	if db.postgres {
		timestamp = "TIMESTAMPTZ"
	}

	libraryTable := `
	CREATE TABLE IF NOT EXISTS user_library (
		owner_key TEXT PRIMARY KEY,
		library TEXT NOT NULL,
		updated_at ` + timestamp + ` NOT NULL
	);`

	kvTable := `
	CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at ` + timestamp + ` NOT NULL
	);`

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_user_library_updated ON user_library(updated_at);",
	}

	for _, stmt := range append([]string{libraryTable, kvTable}, indices...) {
		if _, err := db.conn.Exec(stmt); err != nil {
			return err
		}
	}

	return db.runMigrations()
}

// runMigrations performs incremental schema updates in-place. Each migration
// should be idempotent and safe to re-run; keep them lightweight.
func (db *Database) runMigrations() error {
	if db.postgres {
		_, err := db.conn.Exec("ALTER TABLE user_library ADD COLUMN IF NOT EXISTS device_id TEXT")
		return err
	}

	// Migration 1: record which device last wrote an owner's library
	var columnExists bool
	err := db.conn.QueryRow(`
		SELECT COUNT(*) > 0
		FROM pragma_table_info('user_library')
		WHERE name = 'device_id'`).Scan(&columnExists)
	if err != nil {
		return err
	}

	if !columnExists {
		if _, err := db.conn.Exec("ALTER TABLE user_library ADD COLUMN device_id TEXT"); err != nil {
			return err
		}
		db.logger.Info("Added device_id column to user_library table")
	}

	return nil
}

// rebind turns ? placeholders into $n for PostgreSQL.
func (db *Database) rebind(query string) string {
	if !db.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// exec runs a write, retrying while SQLite reports the database busy.
func (db *Database) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := retry.Do(
		func() error {
			var err error
			result, err = db.conn.ExecContext(ctx, db.rebind(query), args...)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(4),
		retry.Delay(25*time.Millisecond),
		retry.RetryIf(isBusy),
		retry.LastErrorOnly(true),
	)
	return result, err
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// GetLibrary returns the library stored for ownerKey, or ErrNotFound.
func (db *Database) GetLibrary(ctx context.Context, ownerKey string) (*models.LibraryPayload, error) {
	var (
		raw       string
		updatedAt time.Time
	)
	err := db.conn.QueryRowContext(ctx,
		db.rebind("SELECT library, updated_at FROM user_library WHERE owner_key = ?"),
		ownerKey,
	).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load library: %w", err)
	}

	var payload models.LibraryPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode library for %s: %w", ownerKey, err)
	}
	updatedAt = updatedAt.UTC()
	payload.UpdatedAt = &updatedAt
	return &payload, nil
}

// SaveLibrary upserts the whole library for ownerKey. The stored updated_at is
// the time of the write, not any timestamp carried by payload.
func (db *Database) SaveLibrary(ctx context.Context, ownerKey string, payload models.LibraryPayload) error {
	now := time.Now().UTC()
	payload.UpdatedAt = &now
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode library: %w", err)
	}

	var deviceID any
	if id, ok := models.ParseDeviceOwnerKey(ownerKey); ok {
		deviceID = id
	}

	_, err = db.exec(ctx, `
		INSERT INTO user_library (owner_key, library, updated_at, device_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_key) DO UPDATE SET
			library=excluded.library,
			updated_at=excluded.updated_at,
			device_id=excluded.device_id
	`, ownerKey, string(data), now, deviceID)
	if err != nil {
		return fmt.Errorf("failed to save library: %w", err)
	}

	db.logger.WithField("owner_key", ownerKey).Debug("Saved library")
	return nil
}

// DeleteLibrary removes the record for ownerKey.
func (db *Database) DeleteLibrary(ctx context.Context, ownerKey string) error {
	result, err := db.exec(ctx, "DELETE FROM user_library WHERE owner_key = ?", ownerKey)
	if err != nil {
		return fmt.Errorf("failed to delete library: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetValue reads a key from the kv table.
func (db *Database) GetValue(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, db.rebind("SELECT value FROM kv_store WHERE key = ?"), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

// SetValue upserts a key in the kv table.
func (db *Database) SetValue(ctx context.Context, key, value string) error {
	_, err := db.exec(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value,
			updated_at=excluded.updated_at
	`, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// DeleteValue removes a key from the kv table. Missing keys are not an error.
func (db *Database) DeleteValue(ctx context.Context, key string) error {
	if _, err := db.exec(ctx, "DELETE FROM kv_store WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// CountLibraries returns how many owners have a stored library.
func (db *Database) CountLibraries(ctx context.Context) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM user_library").Scan(&n)
	return n, err
}

// Ping checks the connection.
func (db *Database) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the underlying database connection.
func (db *Database) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
