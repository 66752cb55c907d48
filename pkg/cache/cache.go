// Package cache implements the keyed, scoped, eviction-aware store for build
// and dependency caches. Entries are immutable once written; per-key
// atomicity comes from the database primary key, not a process-wide lock, so
// concurrent matrix instances computing the same cache race harmlessly.
package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/conveyorci/conveyor/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultQuotaBytes is the per-scope size quota when none is configured.
const DefaultQuotaBytes = 512 << 20 // 512 MiB

// DefaultRetention is how long unaccessed entries survive when no retention
// window is configured.
const DefaultRetention = 7 * 24 * time.Hour

// Config holds cache manager configuration.
type Config struct {
	// Path is the SQLite database file path.
	Path string

	// QuotaBytes is the per-scope size quota. Least-recently-used entries
	// are evicted once a scope exceeds it.
	QuotaBytes int64

	// Retention is the time-based retention window. Entries unaccessed for
	// longer are swept.
	Retention time.Duration
}

// Manager is the SQLite-backed cache manager.
type Manager struct {
	db     *sql.DB
	path   string
	quota  int64
	maxAge time.Duration
}

// NewManager creates a cache manager. Call Init before use.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("cache database path is required")
	}
	if cfg.QuotaBytes <= 0 {
		cfg.QuotaBytes = DefaultQuotaBytes
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	return &Manager{
		path:   cfg.Path,
		quota:  cfg.QuotaBytes,
		maxAge: cfg.Retention,
	}, nil
}

// Init opens the database and runs migrations.
func (m *Manager) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", m.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open cache database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping cache database: %w", err)
	}

	m.db = db
	return m.migrate()
}

// Close closes the database connection.
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// migrate applies the embedded schema migrations.
func (m *Manager) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(m.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	mig, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run cache migrations: %w", err)
	}
	return nil
}

// Put writes an immutable entry. A second put for an already-present key is
// a silent no-op; INSERT OR IGNORE gives that semantics atomically, which is
// what prevents races when several matrix instances compute the same cache
// concurrently.
func (m *Manager) Put(ctx context.Context, key string, payload []byte, scope string) error {
	if key == "" {
		return fmt.Errorf("cache key is required")
	}
	size := int64(len(payload))
	if size > m.quota {
		return engine.NewCacheQuotaExceededError(fmt.Sprintf(
			"cache entry %q is %d bytes, exceeding the scope quota of %d", key, size, m.quota))
	}

	now := time.Now().UTC()
	_, err := m.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO cache_entries (scope, key, payload, size, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		scope, key, payload, size, now, now)
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	return m.evict(ctx, scope)
}

// Get returns the exact-key entry when present. On a miss it scans the
// restore keys in declared order and returns the most-recently-created entry
// whose key has the restore key as a prefix. A full miss returns (nil, nil).
func (m *Manager) Get(ctx context.Context, key string, restoreKeys []string, scope string) (*engine.CacheHit, error) {
	hit, err := m.lookupExact(ctx, key, scope)
	if err != nil {
		return nil, err
	}
	if hit != nil {
		return hit, nil
	}

	for _, restoreKey := range restoreKeys {
		hit, err := m.lookupPrefix(ctx, restoreKey, scope)
		if err != nil {
			return nil, err
		}
		if hit != nil {
			return hit, nil
		}
	}

	return nil, nil
}

func (m *Manager) lookupExact(ctx context.Context, key, scope string) (*engine.CacheHit, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT key, payload, created_at FROM cache_entries
		WHERE scope = ? AND key = ?`,
		scope, key)

	hit, err := scanHit(row, true)
	if err != nil {
		return nil, err
	}
	if hit != nil {
		m.touch(ctx, scope, hit.Key)
	}
	return hit, nil
}

func (m *Manager) lookupPrefix(ctx context.Context, prefix, scope string) (*engine.CacheHit, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT key, payload, created_at FROM cache_entries
		WHERE scope = ? AND key LIKE ? ESCAPE '\'
		ORDER BY created_at DESC
		LIMIT 1`,
		scope, likePrefix(prefix))

	hit, err := scanHit(row, false)
	if err != nil {
		return nil, err
	}
	if hit != nil {
		m.touch(ctx, scope, hit.Key)
	}
	return hit, nil
}

// scanHit reads one lookup row. The payload arrives in the same query that
// finds the entry, so eviction can never remove an entry mid-read.
func scanHit(row *sql.Row, exact bool) (*engine.CacheHit, error) {
	var hit engine.CacheHit
	err := row.Scan(&hit.Key, &hit.Payload, &hit.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	hit.Exact = exact
	return &hit, nil
}

// touch bumps the LRU clock for an entry. Failures are ignored; a stale
// access time only makes the entry a slightly earlier eviction candidate.
func (m *Manager) touch(ctx context.Context, scope, key string) {
	_, _ = m.db.ExecContext(ctx, `
		UPDATE cache_entries SET last_accessed_at = ? WHERE scope = ? AND key = ?`,
		time.Now().UTC(), scope, key)
}

// List returns the keys present in a scope, most recent first.
func (m *Manager) List(ctx context.Context, scope string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT key FROM cache_entries WHERE scope = ? ORDER BY created_at DESC`,
		scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Delete removes an entry by key within a scope.
func (m *Manager) Delete(ctx context.Context, key, scope string) error {
	_, err := m.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE scope = ? AND key = ?`,
		scope, key)
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// evict enforces the per-scope size quota, least-recently-used first.
func (m *Manager) evict(ctx context.Context, scope string) error {
	for {
		var total sql.NullInt64
		row := m.db.QueryRowContext(ctx, `
			SELECT SUM(size) FROM cache_entries WHERE scope = ?`, scope)
		if err := row.Scan(&total); err != nil {
			return fmt.Errorf("failed to size cache scope: %w", err)
		}
		if !total.Valid || total.Int64 <= m.quota {
			return nil
		}

		result, err := m.db.ExecContext(ctx, `
			DELETE FROM cache_entries WHERE rowid IN (
				SELECT rowid FROM cache_entries
				WHERE scope = ?
				ORDER BY last_accessed_at ASC
				LIMIT 1
			)`, scope)
		if err != nil {
			return fmt.Errorf("failed to evict cache entry: %w", err)
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return nil
		}
	}
}

// SweepExpired removes entries unaccessed past the retention window and
// returns how many were deleted.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-m.maxAge)
	result, err := m.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE last_accessed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep cache entries: %w", err)
	}
	return result.RowsAffected()
}

// likePrefix escapes LIKE metacharacters so a restore key matches as a
// literal prefix.
func likePrefix(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}
