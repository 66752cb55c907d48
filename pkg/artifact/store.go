// Package artifact implements the named, retention-bounded blob store for
// build outputs shared across jobs in a run. Uploads stay invisible until
// the producing job instance succeeds; discarded instances leave no partial
// writes behind.
package artifact

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
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

// DefaultMaxSizeBytes is the per-artifact size limit when none is configured.
const DefaultMaxSizeBytes = 256 << 20 // 256 MiB

// DefaultRetentionDays applies when an upload does not specify retention.
const DefaultRetentionDays = 90

// Config holds artifact store configuration.
type Config struct {
	// Path is the SQLite database file path.
	Path string

	// MaxSizeBytes is the per-artifact size limit. Oversized uploads fail
	// with an artifact-too-large error without failing sibling steps.
	MaxSizeBytes int64

	// AllowOverwrite permits re-uploading an existing name within a run.
	// The default policy rejects name collisions.
	AllowOverwrite bool
}

// Store is the SQLite-backed artifact store.
type Store struct {
	db             *sql.DB
	path           string
	maxSize        int64
	allowOverwrite bool
}

// NewStore creates an artifact store. Call Init before use.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("artifact database path is required")
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = DefaultMaxSizeBytes
	}

	return &Store{
		path:           cfg.Path,
		maxSize:        cfg.MaxSizeBytes,
		allowOverwrite: cfg.AllowOverwrite,
	}, nil
}

// Init opens the database and runs migrations.
func (s *Store) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open artifact database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping artifact database: %w", err)
	}

	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	mig, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run artifact migrations: %w", err)
	}
	return nil
}

// Upload stores an artifact record for the producing instance. The record
// stays invisible to Download and List until the instance is committed.
func (s *Store) Upload(ctx context.Context, runID, instanceID, name string, payload []byte, retentionDays int) (*engine.ArtifactInfo, error) {
	if name == "" {
		return nil, fmt.Errorf("artifact name is required")
	}
	size := int64(len(payload))
	if size > s.maxSize {
		return nil, engine.NewArtifactTooLargeError(fmt.Sprintf(
			"artifact %q is %d bytes, exceeding the limit of %d", name, size, s.maxSize))
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	now := time.Now().UTC()

	if s.allowOverwrite {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO artifacts
				(run_id, instance_id, name, payload, size, retention_days, committed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
			runID, instanceID, name, payload, size, retentionDays, now)
		if err != nil {
			return nil, fmt.Errorf("failed to store artifact: %w", err)
		}
	} else {
		result, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO artifacts
				(run_id, instance_id, name, payload, size, retention_days, committed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
			runID, instanceID, name, payload, size, retentionDays, now)
		if err != nil {
			return nil, fmt.Errorf("failed to store artifact: %w", err)
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			return nil, fmt.Errorf("artifact %q already exists in run %s", name, runID)
		}
	}

	return &engine.ArtifactInfo{
		Name:          name,
		RunID:         runID,
		Size:          size,
		RetentionDays: retentionDays,
		CreatedAt:     now,
	}, nil
}

// Download returns the payload of a committed artifact within the run.
func (s *Store) Download(ctx context.Context, runID, name string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload FROM artifacts
		WHERE run_id = ? AND name = ? AND committed = 1`,
		runID, name)

	var payload []byte
	err := row.Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %q not found in run %s", name, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return payload, nil
}

// Commit makes every upload of the producing instance visible. Called when
// the instance reaches Succeeded.
func (s *Store) Commit(ctx context.Context, runID, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE artifacts SET committed = 1
		WHERE run_id = ? AND instance_id = ?`,
		runID, instanceID)
	if err != nil {
		return fmt.Errorf("failed to commit artifacts: %w", err)
	}
	return nil
}

// Discard deletes every uncommitted upload of the producing instance.
// Called on instance failure or run cancellation so partial writes are
// never made visible.
func (s *Store) Discard(ctx context.Context, runID, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM artifacts
		WHERE run_id = ? AND instance_id = ? AND committed = 0`,
		runID, instanceID)
	if err != nil {
		return fmt.Errorf("failed to discard artifacts: %w", err)
	}
	return nil
}

// List returns the committed artifacts of a run, oldest first.
func (s *Store) List(ctx context.Context, runID string) ([]engine.ArtifactInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, size, retention_days, created_at FROM artifacts
		WHERE run_id = ? AND committed = 1
		ORDER BY created_at ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var infos []engine.ArtifactInfo
	for rows.Next() {
		info := engine.ArtifactInfo{RunID: runID}
		if err := rows.Scan(&info.Name, &info.Size, &info.RetentionDays, &info.CreatedAt); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Delete removes a committed artifact from a run.
func (s *Store) Delete(ctx context.Context, runID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM artifacts WHERE run_id = ? AND name = ? AND committed = 1`,
		runID, name)
	if err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// SweepExpired deletes artifacts past their retention window and returns
// how many were removed. Deletion is eventually consistent: the sweep runs
// periodically, not at expiry time.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM artifacts
		WHERE created_at < datetime('now', '-' || retention_days || ' days')`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep artifacts: %w", err)
	}
	return result.RowsAffected()
}

// StartSweeper launches a background retention sweep at the given interval.
// It stops when ctx is done.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration, onSweep func(deleted int64, err error)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				deleted, err := s.SweepExpired(ctx)
				if onSweep != nil {
					onSweep(deleted, err)
				}
			}
		}
	}()
}
